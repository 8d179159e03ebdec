package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FinalizeOutcome distinguishes a first finalization from a replay.
type FinalizeOutcome string

const (
	FinalizeOutcomeCreated          FinalizeOutcome = "created"
	FinalizeOutcomeAlreadyFinalized FinalizeOutcome = "already_finalized"
)

// FinalizeResult describes the payment and credit produced by a checkout intent.
type FinalizeResult struct {
	IntentID       int64
	PaymentID      string
	UserID         UserID
	CreditsGranted Credits
	Currency       string
	AmountCents    int64
	IdempotencyKey IdempotencyKey
	Result         FinalizeOutcome
}

// RefundOutcome distinguishes a first refund from a replay.
type RefundOutcome string

const (
	RefundOutcomeRefunded        RefundOutcome = "refunded"
	RefundOutcomeAlreadyRefunded RefundOutcome = "already_refunded"
)

// RefundRequest reverses credits granted by a payment. Zero Credits reverses the full purchase.
type RefundRequest struct {
	RefundID  string
	PaymentID string
	Credits   Credits
}

// RefundResult describes the reversal debit written for a refund.
type RefundResult struct {
	RefundID        string
	PaymentID       string
	UserID          UserID
	CreditsReversed Credits
	Entry           Entry
	Result          RefundOutcome
}

// BackfillFailure records an intent that could not be finalized.
type BackfillFailure struct {
	IntentID int64
	Err      error
}

// BackfillReport summarizes a backfill run.
type BackfillReport struct {
	Results  []FinalizeResult
	Failures []BackfillFailure
}

// Created counts intents finalized during the run.
func (report BackfillReport) Created() int {
	return report.count(FinalizeOutcomeCreated)
}

// AlreadyFinalized counts intents that had been finalized before the run.
func (report BackfillReport) AlreadyFinalized() int {
	return report.count(FinalizeOutcomeAlreadyFinalized)
}

func (report BackfillReport) count(outcome FinalizeOutcome) int {
	total := 0
	for _, result := range report.Results {
		if result.Result == outcome {
			total++
		}
	}
	return total
}

// CheckoutService turns completed checkout intents into exactly one payment and one ledger credit.
type CheckoutService struct {
	wallets      *WalletService
	store        Store
	nowFn        func() time.Time
	dependencies serviceDependencies
}

// NewCheckoutService wires a CheckoutService on top of the wallet mutation path.
func NewCheckoutService(wallets *WalletService, options ...ServiceOption) (*CheckoutService, error) {
	if wallets == nil {
		return nil, fmt.Errorf("%w: wallet service dependency is nil", ErrInvalidServiceConfig)
	}
	return &CheckoutService{
		wallets:      wallets,
		store:        wallets.store,
		nowFn:        wallets.nowFn,
		dependencies: newServiceDependencies(options),
	}, nil
}

// Finalize materializes a completed checkout intent. Repeated calls return already_finalized.
func (service *CheckoutService) Finalize(ctx context.Context, intentID int64) (FinalizeResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationFinalize)
	var result FinalizeResult
	var operationError error
	if intentID <= 0 {
		operationError = fmt.Errorf("%w: %d", ErrInvalidCheckoutIntentID, intentID)
	} else {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			finalizeResult, err := service.finalizeLocked(ctx, transactionStore, intentID)
			if err != nil {
				return err
			}
			result = finalizeResult
			return nil
		})
	}
	if operationError == nil && result.Result == FinalizeOutcomeCreated {
		service.dependencies.publishEvent(ctx, Event{
			Type:       EventCheckoutFinalized,
			UserID:     result.UserID.String(),
			IntentID:   result.IntentID,
			PaymentID:  result.PaymentID,
			Credits:    result.CreditsGranted.Int64(),
			OccurredAt: service.nowFn(),
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationFinalize,
		UserID:         result.UserID,
		IntentID:       intentID,
		Credits:        result.CreditsGranted,
		IdempotencyKey: result.IdempotencyKey,
		Outcome:        string(result.Result),
		Error:          operationError,
	})
	return result, operationError
}

// RefundPayment debits the refunded credits from available and marks the payment refunded.
// The reversal never touches held credits; a wallet that already spent them fails with
// ErrInsufficientCredits and the payment stays succeeded. Repeating a refund id replays.
func (service *CheckoutService) RefundPayment(ctx context.Context, request RefundRequest) (RefundResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationRefund)
	result := RefundResult{RefundID: strings.TrimSpace(request.RefundID), PaymentID: strings.TrimSpace(request.PaymentID)}
	operationError := validateRefundRequest(result.RefundID, result.PaymentID, request.Credits)
	if operationError == nil {
		operationError = withReplayOn(ctx, service.store, ErrDuplicateIdempotencyKey, func(ctx context.Context, transactionStore Store) error {
			refundResult, err := service.refundLocked(ctx, transactionStore, result.RefundID, result.PaymentID, request.Credits)
			if err != nil {
				return err
			}
			result = refundResult
			return nil
		})
	}
	if operationError == nil && result.Result == RefundOutcomeRefunded {
		service.dependencies.publishEvent(ctx, Event{
			Type:       EventPaymentRefunded,
			UserID:     result.UserID.String(),
			PaymentID:  result.PaymentID,
			RefundID:   result.RefundID,
			Credits:    result.CreditsReversed.Int64(),
			OccurredAt: service.nowFn(),
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationRefund,
		UserID:         result.UserID,
		Credits:        result.CreditsReversed,
		IdempotencyKey: result.Entry.IdempotencyKey,
		Outcome:        string(result.Result),
		Error:          operationError,
	})
	return result, operationError
}

func (service *CheckoutService) refundLocked(ctx context.Context, transactionStore Store, refundID string, paymentID string, credits Credits) (RefundResult, error) {
	payment, err := transactionStore.LockPaymentForUpdate(ctx, paymentID)
	if err != nil {
		return RefundResult{}, err
	}
	reversalKey, err := NewIdempotencyKey(refundKeyPrefix + refundID + refundKeySuffix)
	if err != nil {
		return RefundResult{}, err
	}
	result := RefundResult{RefundID: refundID, PaymentID: payment.ID, UserID: payment.UserID}

	existing, found, err := findReplay(ctx, transactionStore, payment.UserID, reversalKey)
	if err != nil {
		return RefundResult{}, err
	}
	if found {
		if existing.PaymentID != payment.ID {
			return RefundResult{}, WrapError("refund", "ledger_key", "in_use", ErrLedgerKeyInUse)
		}
		result.CreditsReversed = Credits(-existing.CreditsDelta)
		result.Entry, result.Result = existing, RefundOutcomeAlreadyRefunded
		return result, nil
	}
	if payment.Status != PaymentStatusSucceeded {
		return RefundResult{}, WrapError("refund", "payment_status", payment.Status.String(), ErrInvalidPaymentState)
	}
	if credits == 0 {
		credits = payment.CreditsPurchased
	}
	if credits > payment.CreditsPurchased {
		return RefundResult{}, fmt.Errorf("%w: refund %d exceeds purchased %d", ErrInvalidCredits, credits, payment.CreditsPurchased)
	}
	operationCode, err := NewOperationCode(OperationCodeRefund)
	if err != nil {
		return RefundResult{}, err
	}
	metadata, err := MetadataFromMap(map[string]any{
		"refund_id":  refundID,
		"payment_id": payment.ID,
	})
	if err != nil {
		return RefundResult{}, err
	}
	entry, _, err := service.wallets.deductLocked(ctx, transactionStore, DebitRequest{
		UserID:         payment.UserID,
		Credits:        credits,
		OperationCode:  operationCode,
		IdempotencyKey: reversalKey,
		Description:    fmt.Sprintf("Refund %s: %d credits", refundID, credits),
		PaymentID:      payment.ID,
		Metadata:       metadata,
	})
	if err != nil {
		return RefundResult{}, err
	}
	if err := transactionStore.UpdatePaymentStatus(ctx, payment.ID, PaymentStatusRefunded, PaymentStatusSucceeded); err != nil {
		return RefundResult{}, err
	}
	result.CreditsReversed = credits
	result.Entry, result.Result = entry, RefundOutcomeRefunded
	return result, nil
}

func validateRefundRequest(refundID string, paymentID string, credits Credits) error {
	if refundID == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidRefundID)
	}
	if paymentID == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidPaymentID)
	}
	if credits < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return nil
}

// Backfill finalizes completed intents that have no payment yet, isolating per-intent failures.
func (service *CheckoutService) Backfill(ctx context.Context, limit int) (BackfillReport, error) {
	startedAt := time.Now()
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	var report BackfillReport
	intents, err := service.store.ListCompletedIntentsWithoutPayment(ctx, limit)
	if err == nil {
		for _, intent := range intents {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
				break
			}
			result, finalizeErr := service.Finalize(ctx, intent.ID)
			if finalizeErr != nil {
				report.Failures = append(report.Failures, BackfillFailure{IntentID: intent.ID, Err: finalizeErr})
				continue
			}
			report.Results = append(report.Results, result)
		}
	}
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation: operationBackfill,
		Outcome:   fmt.Sprintf("created=%d already_finalized=%d failed=%d", report.Created(), report.AlreadyFinalized(), len(report.Failures)),
		Error:     err,
	})
	return report, err
}

func (service *CheckoutService) finalizeLocked(ctx context.Context, transactionStore Store, intentID int64) (FinalizeResult, error) {
	intent, err := transactionStore.LockCheckoutIntent(ctx, intentID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if intent.Status != CheckoutStatusCompleted {
		return FinalizeResult{}, WrapError("checkout", "status", intent.Status.String(), ErrInvalidCheckoutState)
	}
	credits, err := NewCredits(intent.CreditsAmount)
	if err != nil {
		return FinalizeResult{}, WrapError("checkout", "credits_amount", "invalid", err)
	}
	paymentKey, err := NewIdempotencyKey(checkoutPaymentKeyPrefix + strconv.FormatInt(intentID, 10))
	if err != nil {
		return FinalizeResult{}, err
	}
	result := FinalizeResult{
		IntentID:       intentID,
		UserID:         intent.UserID,
		CreditsGranted: credits,
		Currency:       NormalizeCurrency(intent.Currency),
		AmountCents:    intent.PriceCents,
		IdempotencyKey: paymentKey,
	}

	payment, found, err := transactionStore.FindPaymentByIdempotencyKey(ctx, intent.UserID, paymentKey)
	if err != nil {
		return FinalizeResult{}, err
	}
	result.Result = FinalizeOutcomeAlreadyFinalized
	if !found {
		payment, err = service.insertPayment(ctx, transactionStore, intent, credits, paymentKey)
		if err != nil {
			return FinalizeResult{}, err
		}
		result.Result = FinalizeOutcomeCreated
	}
	result.PaymentID = payment.ID

	// The credit carries its own key so a retry repairs a payment whose credit is missing.
	if err := service.grantCheckoutCredits(ctx, transactionStore, intent, credits, payment); err != nil {
		return FinalizeResult{}, err
	}
	return result, nil
}

func (service *CheckoutService) insertPayment(ctx context.Context, transactionStore Store, intent CheckoutIntent, credits Credits, paymentKey IdempotencyKey) (Payment, error) {
	now := service.nowFn()
	paidAt := now
	if intent.CompletedAt != nil {
		paidAt = *intent.CompletedAt
	}
	metadata, err := MetadataFromMap(map[string]any{
		"source":     checkoutMetadataSource,
		"intent_id":  intent.ID,
		"package_id": intent.PackageID,
	})
	if err != nil {
		return Payment{}, err
	}
	return transactionStore.InsertPayment(ctx, Payment{
		UserID:            intent.UserID,
		CheckoutIntentID:  intent.ID,
		Provider:          ResolvePaymentProvider(intent.Provider),
		Status:            PaymentStatusSucceeded,
		AmountCents:       intent.PriceCents,
		Currency:          NormalizeCurrency(intent.Currency),
		ProviderPaymentID: intent.ProviderSessionID,
		IdempotencyKey:    paymentKey,
		CreditsPurchased:  credits,
		Metadata:          metadata,
		PaidAt:            paidAt,
		CreatedAt:         now,
	})
}

func (service *CheckoutService) grantCheckoutCredits(ctx context.Context, transactionStore Store, intent CheckoutIntent, credits Credits, payment Payment) error {
	creditKey, err := NewIdempotencyKey(checkoutCreditKeyPrefix + strconv.FormatInt(intent.ID, 10))
	if err != nil {
		return err
	}
	operationCode, err := NewOperationCode(OperationCodeCheckout)
	if err != nil {
		return err
	}
	metadata, err := MetadataFromMap(map[string]any{
		"intent_id":  intent.ID,
		"package_id": intent.PackageID,
		"provider":   payment.Provider.String(),
		"payment_id": payment.ID,
	})
	if err != nil {
		return err
	}
	_, _, err = service.wallets.creditLocked(ctx, transactionStore, CreditRequest{
		UserID:         intent.UserID,
		Credits:        credits,
		OperationCode:  operationCode,
		IdempotencyKey: creditKey,
		Description:    fmt.Sprintf("Checkout %s: %d credits", intent.PackageID, credits),
		PaymentID:      payment.ID,
		Metadata:       metadata,
	})
	return err
}
