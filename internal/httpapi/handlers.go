package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/worker"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	paramUserID        = "user_id"
	paramOperationID   = "operation_id"
	paramReservationID = "reservation_id"
	paramIntentID      = "intent_id"
	paramPaymentID     = "payment_id"
	queryLimit         = "limit"
	queryOffset        = "offset"
	queryRepair        = "repair"
)

var errHealthUnavailable = errors.New("store unavailable")

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	if handler.deps.Health != nil {
		if err := handler.deps.Health.Ping(ctx.Request.Context()); err != nil {
			handler.logger.Warn("health check failed", zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeUnavailable, errHealthUnavailable.Error()))
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	balance, err := handler.deps.Wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(userID, balance))
}

func (handler *httpHandler) handleListEntries(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	limit, ok := handler.intQuery(ctx, queryLimit)
	if !ok {
		return
	}
	offset, ok := handler.intQuery(ctx, queryOffset)
	if !ok {
		return
	}
	entries, err := handler.deps.Wallets.ListEntries(ctx.Request.Context(), userID, limit, offset)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleAddCredits(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request walletMutationRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	operationCode, metadata, err := request.parse()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entry, err := handler.deps.Wallets.AddCredits(ctx.Request.Context(), ledger.CreditRequest{
		UserID:         userID,
		Credits:        ledger.Credits(request.Credits),
		OperationCode:  operationCode,
		IdempotencyKey: ledger.OptionalIdempotencyKey(request.IdempotencyKey),
		Description:    request.Description,
		JobID:          request.JobID,
		PaymentID:      request.PaymentID,
		Metadata:       metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithEntry(ctx, userID, entry)
}

func (handler *httpHandler) handleDeductCredits(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request walletMutationRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	operationCode, metadata, err := request.parse()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entry, err := handler.deps.Wallets.DeductCredits(ctx.Request.Context(), ledger.DebitRequest{
		UserID:         userID,
		Credits:        ledger.Credits(request.Credits),
		OperationCode:  operationCode,
		IdempotencyKey: ledger.OptionalIdempotencyKey(request.IdempotencyKey),
		Description:    request.Description,
		JobID:          request.JobID,
		Metadata:       metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithEntry(ctx, userID, entry)
}

func (handler *httpHandler) handleWelcomeCredits(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	granted, err := handler.deps.Wallets.EnsureWelcomeCredits(ctx.Request.Context(), userID, handler.cfg.WelcomeCredits)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.deps.Wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"granted": granted, "wallet": newBalancePayload(userID, balance)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	reservations, err := handler.deps.Reservations.ListActiveReservations(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payload = append(payload, newReservationPayload(reservation))
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": payload})
}

func (handler *httpHandler) handleCreateReservation(ctx *gin.Context) {
	var request createReservationRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	operationID, err := ledger.NewOperationID(request.OperationID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ttl, err := reservationTTL(request.TTLSeconds, handler.cfg.ReservationTTL)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.deps.Reservations.CreateReservation(ctx.Request.Context(), ledger.ReservationRequest{
		UserID:        userID,
		Credits:       ledger.Credits(request.Credits),
		OperationID:   operationID,
		OperationCode: request.OperationCode,
		JobID:         request.JobID,
		TTL:           ttl,
		Reason:        request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusCreated
	if result.Outcome == ledger.ReservationOutcomeExisting {
		status = http.StatusOK
	}
	ctx.JSON(status, gin.H{
		"outcome":     string(result.Outcome),
		"reservation": newReservationPayload(result.Reservation),
	})
}

func reservationTTL(seconds int64, fallback time.Duration) (time.Duration, error) {
	if seconds == 0 {
		return fallback, nil
	}
	return ledger.TTLFromSeconds(seconds)
}

func (handler *httpHandler) handleConsumeReservation(ctx *gin.Context) {
	operationID, err := ledger.NewOperationID(ctx.Param(paramOperationID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request consumeReservationRequest
	if !handler.bindOptionalJSON(ctx, &request) {
		return
	}
	result, err := handler.deps.Reservations.ConsumeReservation(ctx.Request.Context(), ledger.ConsumeRequest{
		OperationID:       operationID,
		ActualCredits:     ledger.Credits(request.ActualCredits),
		LedgerOperationID: ledger.OptionalIdempotencyKey(request.LedgerOperationID),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"outcome":     string(result.Outcome),
		"reservation": newReservationPayload(result.Reservation),
	}
	if result.Entry.ID != "" {
		response["entry"] = newEntryPayload(result.Entry)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleCancelReservation(ctx *gin.Context) {
	operationID, err := ledger.NewOperationID(ctx.Param(paramOperationID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.deps.Reservations.CancelReservation(ctx.Request.Context(), operationID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithRelease(ctx, result)
}

func (handler *httpHandler) handleReleaseReservation(ctx *gin.Context) {
	reservationID, err := ledger.NewReservationID(ctx.Param(paramReservationID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.deps.Reservations.ReleaseReservation(ctx.Request.Context(), reservationID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithRelease(ctx, result)
}

func (handler *httpHandler) handleFinalizeCheckout(ctx *gin.Context) {
	intentID, err := strconv.ParseInt(ctx.Param(paramIntentID), 10, 64)
	if err != nil || intentID <= 0 {
		handler.respondError(ctx, fmt.Errorf("%w: %q", ledger.ErrInvalidCheckoutIntentID, ctx.Param(paramIntentID)))
		return
	}
	result, err := handler.deps.Checkout.Finalize(ctx.Request.Context(), intentID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newFinalizePayload(result))
}

func (handler *httpHandler) handleRefundPayment(ctx *gin.Context) {
	var request refundPaymentRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	result, err := handler.deps.Checkout.RefundPayment(ctx.Request.Context(), ledger.RefundRequest{
		RefundID:  request.RefundID,
		PaymentID: ctx.Param(paramPaymentID),
		Credits:   ledger.Credits(request.Credits),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusCreated
	if result.Result == ledger.RefundOutcomeAlreadyRefunded {
		status = http.StatusOK
	}
	ctx.JSON(status, newRefundPayload(result))
}

func (handler *httpHandler) handleBackfill(ctx *gin.Context) {
	if handler.deps.Jobs == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeUnavailable, "jobs not configured"))
		return
	}
	report, err := handler.deps.Jobs.Backfill(ctx.Request.Context())
	if err != nil {
		handler.respondJobError(ctx, err)
		return
	}
	failures := make([]gin.H, 0, len(report.Failures))
	for _, failure := range report.Failures {
		failures = append(failures, gin.H{"intent_id": failure.IntentID, "error": failure.Err.Error()})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"created":           report.Created(),
		"already_finalized": report.AlreadyFinalized(),
		"failures":          failures,
	})
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	if handler.deps.Jobs == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeUnavailable, "jobs not configured"))
		return
	}
	expired, err := handler.deps.Jobs.Sweep(ctx.Request.Context())
	if err != nil {
		handler.respondJobError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": expired})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	repair, err := strconv.ParseBool(ctx.DefaultQuery(queryRepair, "false"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "repair must be a boolean"))
		return
	}
	report, err := handler.deps.Wallets.Reconcile(ctx.Request.Context(), userID, repair)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if handler.deps.Metrics != nil {
		handler.deps.Metrics.ObserveReconcile(report)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":        report.UserID.String(),
		"ledger_sum":     report.LedgerSum,
		"wallet_balance": report.WalletBalance.Int64(),
		"drift":          report.Drift,
		"repaired":       report.Repaired,
	})
}

func (handler *httpHandler) respondWithEntry(ctx *gin.Context, userID ledger.UserID, entry ledger.Entry) {
	balance, err := handler.deps.Wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entry":  newEntryPayload(entry),
		"wallet": newBalancePayload(userID, balance),
	})
}

func (handler *httpHandler) respondWithRelease(ctx *gin.Context, result ledger.ReleaseResult) {
	ctx.JSON(http.StatusOK, gin.H{
		"outcome":     string(result.Outcome),
		"reservation": newReservationPayload(result.Reservation),
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("ledger request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(errorCodeFor(err), "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(errorCodeFor(err), err.Error()))
}

func (handler *httpHandler) respondJobError(ctx *gin.Context, err error) {
	if errors.Is(err, worker.ErrLockHeld) {
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeLockHeld, err.Error()))
		return
	}
	handler.respondError(ctx, err)
}

func (handler *httpHandler) userIDParam(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param(paramUserID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) intQuery(ctx *gin.Context, name string) (int, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}

func (handler *httpHandler) bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func (handler *httpHandler) bindOptionalJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return false
	}
	return true
}

type walletMutationRequest struct {
	Credits        int64          `json:"credits"`
	OperationCode  string         `json:"operation_code"`
	IdempotencyKey string         `json:"idempotency_key"`
	Description    string         `json:"description"`
	JobID          string         `json:"job_id"`
	PaymentID      string         `json:"payment_id"`
	Metadata       map[string]any `json:"metadata"`
}

func (request walletMutationRequest) parse() (ledger.OperationCode, ledger.MetadataJSON, error) {
	operationCode, err := ledger.NewOperationCode(request.OperationCode)
	if err != nil {
		return ledger.OperationCode{}, ledger.MetadataJSON{}, err
	}
	metadata, err := ledger.MetadataFromMap(request.Metadata)
	if err != nil {
		return ledger.OperationCode{}, ledger.MetadataJSON{}, err
	}
	return operationCode, metadata, nil
}

type createReservationRequest struct {
	UserID        string `json:"user_id"`
	Credits       int64  `json:"credits"`
	OperationID   string `json:"operation_id"`
	OperationCode string `json:"operation_code"`
	JobID         string `json:"job_id"`
	TTLSeconds    int64  `json:"ttl_seconds"`
	Reason        string `json:"reason"`
}

type refundPaymentRequest struct {
	RefundID string `json:"refund_id"`
	Credits  int64  `json:"credits"`
}

type consumeReservationRequest struct {
	ActualCredits     int64  `json:"actual_credits"`
	LedgerOperationID string `json:"ledger_operation_id"`
}

type balancePayload struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

func newBalancePayload(userID ledger.UserID, balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:    userID.String(),
		Balance:   balance.Balance.Int64(),
		Reserved:  balance.Reserved.Int64(),
		Available: balance.Available.Int64(),
	}
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	TxType         string          `json:"tx_type"`
	CreditsDelta   int64           `json:"credits_delta"`
	BalanceAfter   int64           `json:"balance_after"`
	OperationCode  string          `json:"operation_code"`
	Description    string          `json:"description,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	PaymentID      string          `json:"payment_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.ID,
		TxType:         entry.TxType.String(),
		CreditsDelta:   entry.CreditsDelta,
		BalanceAfter:   entry.BalanceAfter.Int64(),
		OperationCode:  entry.OperationCode,
		Description:    entry.Description,
		JobID:          entry.JobID,
		ReservationID:  entry.ReservationID,
		PaymentID:      entry.PaymentID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedAt:      entry.CreatedAt.UTC(),
	}
}

type reservationPayload struct {
	ReservationID   string     `json:"reservation_id"`
	UserID          string     `json:"user_id"`
	OperationID     string     `json:"operation_id"`
	OperationCode   string     `json:"operation_code,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
	Status          string     `json:"status"`
	CreditsReserved int64      `json:"credits_reserved"`
	CreditsConsumed int64      `json:"credits_consumed"`
	Reason          string     `json:"reason,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newReservationPayload(reservation ledger.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:   reservation.ID,
		UserID:          reservation.UserID.String(),
		OperationID:     reservation.OperationID.String(),
		OperationCode:   reservation.OperationCode,
		JobID:           reservation.JobID,
		Status:          reservation.Status.String(),
		CreditsReserved: reservation.CreditsReserved.Int64(),
		CreditsConsumed: reservation.CreditsConsumed.Int64(),
		Reason:          reservation.Reason,
		ExpiresAt:       reservation.ExpiresAt.UTC(),
		ConsumedAt:      reservation.ConsumedAt,
		ReleasedAt:      reservation.ReleasedAt,
		ExpiredAt:       reservation.ExpiredAt,
		CreatedAt:       reservation.CreatedAt.UTC(),
	}
}

type finalizePayload struct {
	IntentID       int64  `json:"intent_id"`
	PaymentID      string `json:"payment_id"`
	UserID         string `json:"user_id"`
	CreditsGranted int64  `json:"credits_granted"`
	Currency       string `json:"currency"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
	Result         string `json:"result"`
}

func newFinalizePayload(result ledger.FinalizeResult) finalizePayload {
	return finalizePayload{
		IntentID:       result.IntentID,
		PaymentID:      result.PaymentID,
		UserID:         result.UserID.String(),
		CreditsGranted: result.CreditsGranted.Int64(),
		Currency:       result.Currency,
		AmountCents:    result.AmountCents,
		IdempotencyKey: result.IdempotencyKey.String(),
		Result:         string(result.Result),
	}
}

type refundPayload struct {
	RefundID        string        `json:"refund_id"`
	PaymentID       string        `json:"payment_id"`
	UserID          string        `json:"user_id"`
	CreditsReversed int64         `json:"credits_reversed"`
	Entry           *entryPayload `json:"entry,omitempty"`
	Result          string        `json:"result"`
}

func newRefundPayload(result ledger.RefundResult) refundPayload {
	payload := refundPayload{
		RefundID:        result.RefundID,
		PaymentID:       result.PaymentID,
		UserID:          result.UserID.String(),
		CreditsReversed: result.CreditsReversed.Int64(),
		Result:          string(result.Result),
	}
	if result.Entry.ID != "" {
		entry := newEntryPayload(result.Entry)
		payload.Entry = &entry
	}
	return payload
}
