package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func completedIntent(test *testing.T, id int64, user string, credits int64) CheckoutIntent {
	test.Helper()
	completedAt := stubEpoch.Add(-time.Hour)
	return CheckoutIntent{
		ID:                id,
		UserID:            mustUserID(test, user),
		PackageID:         "pack-100",
		Status:            CheckoutStatusCompleted,
		Provider:          "stripe",
		ProviderSessionID: "cs_test_1",
		CreditsAmount:     credits,
		PriceCents:        9900,
		Currency:          "USD",
		CompletedAt:       &completedAt,
		CreatedAt:         stubEpoch.Add(-2 * time.Hour),
	}
}

func TestFinalizeCreatesPaymentAndCredit(test *testing.T) {
	test.Parallel()
	publisher := &recorderPublisher{}
	services := newTestServices(test, WithEventPublisher(publisher))
	intent := completedIntent(test, 42, "buyer", 100)
	services.store.putIntent(intent)

	result, err := services.checkout.Finalize(context.Background(), 42)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	if result.Result != FinalizeOutcomeCreated || result.CreditsGranted != 100 || result.Currency != "usd" || result.AmountCents != 9900 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.IdempotencyKey.String() != "checkout_intent_42" || result.PaymentID == "" {
		test.Fatalf("unexpected payment reference: %+v", result)
	}
	payments := services.store.state.payments
	if len(payments) != 1 || !payments[0].PaidAt.Equal(*intent.CompletedAt) || payments[0].Status != PaymentStatusSucceeded {
		test.Fatalf("unexpected payments: %+v", payments)
	}
	entries := services.store.entriesFor(intent.UserID)
	if len(entries) != 1 || entries[0].IdempotencyKey.String() != "checkout_credit_42" || entries[0].OperationCode != OperationCodeCheckout || entries[0].PaymentID != result.PaymentID {
		test.Fatalf("unexpected entries: %+v", entries)
	}
	requireBalance(test, services, intent.UserID, 100, 0)
	if len(publisher.events) != 1 || publisher.events[0].Type != EventCheckoutFinalized || publisher.events[0].IntentID != 42 {
		test.Fatalf("expected one finalized event, got %+v", publisher.events)
	}
}

func TestFinalizeIsIdempotent(test *testing.T) {
	test.Parallel()
	publisher := &recorderPublisher{}
	services := newTestServices(test, WithEventPublisher(publisher))
	intent := completedIntent(test, 42, "buyer", 100)
	services.store.putIntent(intent)

	first, err := services.checkout.Finalize(context.Background(), 42)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	second, err := services.checkout.Finalize(context.Background(), 42)
	if err != nil {
		test.Fatalf("second finalize failed: %v", err)
	}
	if second.Result != FinalizeOutcomeAlreadyFinalized || second.PaymentID != first.PaymentID {
		test.Fatalf("unexpected replay: %+v", second)
	}
	requireBalance(test, services, intent.UserID, 100, 0)
	if len(services.store.state.payments) != 1 || len(services.store.entriesFor(intent.UserID)) != 1 {
		test.Fatalf("expected exactly one payment and one credit")
	}
	if len(publisher.events) != 1 {
		test.Fatalf("replays must not publish, got %d events", len(publisher.events))
	}
}

func TestFinalizeRepairsMissingCredit(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	intent := completedIntent(test, 7, "buyer", 30)
	services.store.putIntent(intent)
	services.store.state.payments = append(services.store.state.payments, Payment{
		ID:               "payment-legacy",
		UserID:           intent.UserID,
		CheckoutIntentID: intent.ID,
		IdempotencyKey:   mustIdempotencyKey(test, "checkout_intent_7"),
		CreditsPurchased: 30,
	})

	result, err := services.checkout.Finalize(context.Background(), 7)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	if result.Result != FinalizeOutcomeAlreadyFinalized || result.PaymentID != "payment-legacy" {
		test.Fatalf("unexpected result: %+v", result)
	}
	requireBalance(test, services, intent.UserID, 30, 0)
}

func TestFinalizeRejectsInvalidIntents(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	pending := completedIntent(test, 2, "buyer", 10)
	pending.Status = CheckoutStatusPending
	services.store.putIntent(pending)
	empty := completedIntent(test, 3, "buyer", 0)
	services.store.putIntent(empty)

	testCases := []struct {
		name     string
		intentID int64
		wantErr  error
	}{
		{name: "non_positive_id", intentID: 0, wantErr: ErrInvalidCheckoutIntentID},
		{name: "unknown", intentID: 99, wantErr: ErrUnknownCheckoutIntent},
		{name: "pending", intentID: 2, wantErr: ErrInvalidCheckoutState},
		{name: "no_credits", intentID: 3, wantErr: ErrInvalidCredits},
	}
	for _, testCase := range testCases {
		if _, err := services.checkout.Finalize(context.Background(), testCase.intentID); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
	if len(services.store.state.payments) != 0 || len(services.store.state.wallets) != 0 {
		test.Fatalf("rejected intents must not write")
	}
}

func TestFinalizeRollsBackPaymentWhenCreditFails(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	services.store.putIntent(completedIntent(test, 5, "buyer", 10))
	services.store.insertEntryError = errors.New("disk full")
	if _, err := services.checkout.Finalize(context.Background(), 5); err == nil {
		test.Fatalf("expected finalize to fail")
	}
	if len(services.store.state.payments) != 0 {
		test.Fatalf("payment must roll back with the failed credit")
	}
}

func TestBackfillIsolatesFailures(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	services.store.putIntent(completedIntent(test, 1, "alice", 10))
	services.store.putIntent(completedIntent(test, 2, "bob", 20))
	broken := completedIntent(test, 3, "carol", 0)
	services.store.putIntent(broken)
	pending := completedIntent(test, 4, "dave", 40)
	pending.Status = CheckoutStatusPending
	services.store.putIntent(pending)

	report, err := services.checkout.Backfill(context.Background(), 0)
	if err != nil {
		test.Fatalf("backfill failed: %v", err)
	}
	if report.Created() != 2 || report.AlreadyFinalized() != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].IntentID != 3 {
		test.Fatalf("expected intent 3 to fail, got %+v", report.Failures)
	}
	requireBalance(test, services, mustUserID(test, "alice"), 10, 0)
	requireBalance(test, services, mustUserID(test, "bob"), 20, 0)
	requireBalance(test, services, mustUserID(test, "dave"), 0, 0)

	report, err = services.checkout.Backfill(context.Background(), 0)
	if err != nil {
		test.Fatalf("second backfill failed: %v", err)
	}
	if report.Created() != 0 || len(report.Failures) != 1 {
		test.Fatalf("expected only the broken intent to remain, got %+v", report)
	}
}

func finalizedPayment(test *testing.T, services testServices, intentID int64, user string, credits int64) FinalizeResult {
	test.Helper()
	services.store.putIntent(completedIntent(test, intentID, user, credits))
	result, err := services.checkout.Finalize(context.Background(), intentID)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	return result
}

func TestRefundPaymentReversesCredits(test *testing.T) {
	test.Parallel()
	publisher := &recorderPublisher{}
	services := newTestServices(test, WithEventPublisher(publisher))
	finalized := finalizedPayment(test, services, 42, "buyer", 100)

	request := RefundRequest{RefundID: "re_1", PaymentID: finalized.PaymentID}
	result, err := services.checkout.RefundPayment(context.Background(), request)
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if result.Result != RefundOutcomeRefunded || result.CreditsReversed != 100 || result.UserID != finalized.UserID {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.Entry.IdempotencyKey.String() != "refund:re_1:reverse" || result.Entry.CreditsDelta != -100 || result.Entry.PaymentID != finalized.PaymentID {
		test.Fatalf("unexpected reversal entry: %+v", result.Entry)
	}
	fields := result.Entry.Metadata.Fields()
	if fields["refund_id"] != "re_1" || fields["payment_id"] != finalized.PaymentID || result.Entry.OperationCode != OperationCodeRefund {
		test.Fatalf("unexpected reversal attribution: %+v", result.Entry)
	}
	if status := services.store.state.payments[0].Status; status != PaymentStatusRefunded {
		test.Fatalf("expected payment to be refunded, got %v", status)
	}
	requireBalance(test, services, finalized.UserID, 0, 0)
	requireLedgerMatchesWallet(test, services, finalized.UserID)

	replayed, err := services.checkout.RefundPayment(context.Background(), request)
	if err != nil {
		test.Fatalf("replayed refund failed: %v", err)
	}
	if replayed.Result != RefundOutcomeAlreadyRefunded || replayed.Entry.ID != result.Entry.ID || replayed.CreditsReversed != 100 {
		test.Fatalf("unexpected replay: %+v", replayed)
	}
	if entries := services.store.entriesFor(finalized.UserID); len(entries) != 2 {
		test.Fatalf("expected one credit and one reversal, got %d entries", len(entries))
	}
	if len(publisher.events) != 2 || publisher.events[1].Type != EventPaymentRefunded || publisher.events[1].RefundID != "re_1" {
		test.Fatalf("expected finalized then refunded events, got %+v", publisher.events)
	}
}

func TestRefundPaymentPartial(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	finalized := finalizedPayment(test, services, 42, "buyer", 100)

	result, err := services.checkout.RefundPayment(context.Background(), RefundRequest{
		RefundID:  "re_partial",
		PaymentID: finalized.PaymentID,
		Credits:   mustCredits(test, 30),
	})
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if result.CreditsReversed != 30 {
		test.Fatalf("unexpected reversal: %+v", result)
	}
	requireBalance(test, services, finalized.UserID, 70, 0)

	_, err = services.checkout.RefundPayment(context.Background(), RefundRequest{RefundID: "re_second", PaymentID: finalized.PaymentID})
	if !errors.Is(err, ErrInvalidPaymentState) {
		test.Fatalf("expected ErrInvalidPaymentState for a second refund, got %v", err)
	}
	requireBalance(test, services, finalized.UserID, 70, 0)
}

func TestRefundPaymentNeverTouchesHeldCredits(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	finalized := finalizedPayment(test, services, 42, "buyer", 10)
	mustReserve(test, services, finalized.UserID, 8, "op-1", 0)

	_, err := services.checkout.RefundPayment(context.Background(), RefundRequest{RefundID: "re_1", PaymentID: finalized.PaymentID})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if status := services.store.state.payments[0].Status; status != PaymentStatusSucceeded {
		test.Fatalf("a failed refund must leave the payment succeeded, got %v", status)
	}
	requireBalance(test, services, finalized.UserID, 10, 8)
}

func TestRefundPaymentRejectsInvalidRequests(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	finalized := finalizedPayment(test, services, 42, "buyer", 10)

	testCases := []struct {
		name    string
		request RefundRequest
		wantErr error
	}{
		{name: "missing_refund_id", request: RefundRequest{PaymentID: finalized.PaymentID}, wantErr: ErrInvalidRefundID},
		{name: "missing_payment_id", request: RefundRequest{RefundID: "re_1"}, wantErr: ErrInvalidPaymentID},
		{name: "negative_credits", request: RefundRequest{RefundID: "re_1", PaymentID: finalized.PaymentID, Credits: -1}, wantErr: ErrInvalidCredits},
		{name: "exceeds_purchase", request: RefundRequest{RefundID: "re_1", PaymentID: finalized.PaymentID, Credits: 11}, wantErr: ErrInvalidCredits},
		{name: "unknown_payment", request: RefundRequest{RefundID: "re_1", PaymentID: "payment-missing"}, wantErr: ErrUnknownPayment},
	}
	for _, testCase := range testCases {
		if _, err := services.checkout.RefundPayment(context.Background(), testCase.request); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
	requireBalance(test, services, finalized.UserID, 10, 0)
}

func TestRefundPaymentRejectsKeyOwnedByAnotherPayment(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	first := finalizedPayment(test, services, 1, "buyer", 10)
	second := finalizedPayment(test, services, 2, "buyer", 10)
	if _, err := services.checkout.RefundPayment(context.Background(), RefundRequest{RefundID: "re_1", PaymentID: first.PaymentID}); err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	_, err := services.checkout.RefundPayment(context.Background(), RefundRequest{RefundID: "re_1", PaymentID: second.PaymentID})
	if !errors.Is(err, ErrLedgerKeyInUse) {
		test.Fatalf("expected ErrLedgerKeyInUse, got %v", err)
	}
	requireBalance(test, services, first.UserID, 10, 0)
}
