package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const (
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "forbidden"
	errorCodeInternal       = "internal_error"
	errorCodeUnavailable    = "unavailable"
	errorCodeLockHeld       = "job_in_progress"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ledger.ErrInvalidUserID, "invalid_user_id"},
	{ledger.ErrInvalidReservationID, "invalid_reservation_id"},
	{ledger.ErrInvalidOperationID, "invalid_operation_id"},
	{ledger.ErrInvalidOperationCode, "invalid_operation_code"},
	{ledger.ErrInvalidIdempotencyKey, "invalid_idempotency_key"},
	{ledger.ErrInvalidCredits, "invalid_credits"},
	{ledger.ErrInvalidCheckoutIntentID, "invalid_checkout_intent_id"},
	{ledger.ErrInvalidMetadataJSON, "invalid_metadata_json"},
	{ledger.ErrInvalidTTL, "invalid_ttl"},
	{ledger.ErrInvalidPaymentID, "invalid_payment_id"},
	{ledger.ErrInvalidRefundID, "invalid_refund_id"},
	{ledger.ErrInsufficientCredits, "insufficient_credits"},
	{ledger.ErrUnknownReservation, "unknown_reservation"},
	{ledger.ErrUnknownCheckoutIntent, "unknown_checkout_intent"},
	{ledger.ErrUnknownPayment, "unknown_payment"},
	{ledger.ErrWalletNotFound, "wallet_not_found"},
	{ledger.ErrReservationExists, "reservation_exists"},
	{ledger.ErrDuplicateIdempotencyKey, "duplicate_idempotency_key"},
	{ledger.ErrDuplicateReservationDebit, "duplicate_reservation_debit"},
	{ledger.ErrDuplicatePayment, "duplicate_payment"},
	{ledger.ErrReservationClosed, "reservation_closed"},
	{ledger.ErrReservationExpired, "reservation_expired"},
	{ledger.ErrInvalidCheckoutState, "invalid_checkout_state"},
	{ledger.ErrInvalidPaymentState, "invalid_payment_state"},
	{ledger.ErrLedgerKeyInUse, "ledger_key_in_use"},
}

// errorCodeFor returns the stable API code for a ledger error.
func errorCodeFor(err error) string {
	for _, candidate := range errorCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	if ledger.Classify(err) == ledger.ErrorClassValidation {
		return errorCodeInvalidPayload
	}
	return errorCodeInternal
}

func statusForError(err error) int {
	switch ledger.Classify(err) {
	case ledger.ErrorClassValidation:
		return http.StatusBadRequest
	case ledger.ErrorClassInsufficientCredits:
		return http.StatusPaymentRequired
	case ledger.ErrorClassNotFound:
		return http.StatusNotFound
	case ledger.ErrorClassConflict, ledger.ErrorClassInvalidState:
		return http.StatusConflict
	case ledger.ErrorClassCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
