// Package storetest runs the ledger services against a real ledger.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

// Harness is a freshly migrated, empty store plus a way to seed checkout intents,
// which the ledger only reads.
type Harness struct {
	Store      ledger.Store
	SeedIntent func(test *testing.T, intent ledger.CheckoutIntent) int64
}

// Factory builds an isolated Harness for one subtest.
type Factory func(test *testing.T) Harness

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	harness      Harness
	clock        *clock
	wallets      *ledger.WalletService
	reservations *ledger.ReservationService
	checkout     *ledger.CheckoutService
}

func newFixture(test *testing.T, factory Factory) fixture {
	test.Helper()
	harness := factory(test)
	serviceClock := &clock{now: time.Date(2026, time.January, 14, 12, 0, 0, 0, time.UTC)}
	wallets, err := ledger.NewWalletService(harness.Store, serviceClock.Now)
	require.NoError(test, err)
	reservations, err := ledger.NewReservationService(wallets)
	require.NoError(test, err)
	checkout, err := ledger.NewCheckoutService(wallets)
	require.NoError(test, err)
	return fixture{harness: harness, clock: serviceClock, wallets: wallets, reservations: reservations, checkout: checkout}
}

// Run exercises every store operation through the public services.
func Run(test *testing.T, factory Factory) {
	test.Run("WalletLifecycle", func(test *testing.T) { testWalletLifecycle(test, newFixture(test, factory)) })
	test.Run("IdempotentCredits", func(test *testing.T) { testIdempotentCredits(test, newFixture(test, factory)) })
	test.Run("ReservationLifecycle", func(test *testing.T) { testReservationLifecycle(test, newFixture(test, factory)) })
	test.Run("ReservationExpiry", func(test *testing.T) { testReservationExpiry(test, newFixture(test, factory)) })
	test.Run("CheckoutFinalize", func(test *testing.T) { testCheckoutFinalize(test, newFixture(test, factory)) })
	test.Run("StoreConstraints", func(test *testing.T) { testStoreConstraints(test, newFixture(test, factory)) })
	test.Run("PaymentRefund", func(test *testing.T) { testPaymentRefund(test, newFixture(test, factory)) })
	test.Run("ConsumeLedgerKeyInUse", func(test *testing.T) { testConsumeLedgerKeyInUse(test, newFixture(test, factory)) })
	test.Run("ConcurrentMutations", func(test *testing.T) { testConcurrentMutations(test, newFixture(test, factory)) })
}

func mustUser(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func mustCode(test *testing.T, raw string) ledger.OperationCode {
	test.Helper()
	code, err := ledger.NewOperationCode(raw)
	require.NoError(test, err)
	return code
}

func mustOperation(test *testing.T, raw string) ledger.OperationID {
	test.Helper()
	operationID, err := ledger.NewOperationID(raw)
	require.NoError(test, err)
	return operationID
}

func requireBalance(test *testing.T, f fixture, userID ledger.UserID, balance int64, reserved int64) {
	test.Helper()
	current, err := f.wallets.Balance(context.Background(), userID)
	require.NoError(test, err)
	require.Equal(test, balance, current.Balance.Int64(), "balance")
	require.Equal(test, reserved, current.Reserved.Int64(), "reserved")
	report, err := f.wallets.Reconcile(context.Background(), userID, false)
	require.NoError(test, err)
	require.Zero(test, report.Drift, "ledger sum must equal balance")
}

func credit(test *testing.T, f fixture, userID ledger.UserID, credits int64, key string) ledger.Entry {
	test.Helper()
	entry, err := f.wallets.AddCredits(context.Background(), ledger.CreditRequest{
		UserID:         userID,
		Credits:        ledger.Credits(credits),
		OperationCode:  mustCode(test, "TOPUP"),
		IdempotencyKey: ledger.OptionalIdempotencyKey(key),
	})
	require.NoError(test, err)
	f.clock.now = f.clock.now.Add(time.Second)
	return entry
}

func testWalletLifecycle(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "user-wallet")

	created, err := f.wallets.GetOrCreateWallet(ctx, userID)
	require.NoError(test, err)
	require.True(test, created.Created)
	again, err := f.wallets.GetOrCreateWallet(ctx, userID)
	require.NoError(test, err)
	require.False(test, again.Created)
	require.Equal(test, created.Wallet.ID, again.Wallet.ID)

	credit(test, f, userID, 10, "")
	credit(test, f, userID, 20, "")
	_, err = f.wallets.DeductCredits(ctx, ledger.DebitRequest{UserID: userID, Credits: 5, OperationCode: mustCode(test, "SPEND")})
	require.NoError(test, err)
	requireBalance(test, f, userID, 25, 0)

	_, err = f.wallets.DeductCredits(ctx, ledger.DebitRequest{UserID: userID, Credits: 100, OperationCode: mustCode(test, "SPEND")})
	require.ErrorIs(test, err, ledger.ErrInsufficientCredits)
	requireBalance(test, f, userID, 25, 0)

	entries, err := f.wallets.ListEntries(ctx, userID, 2, 0)
	require.NoError(test, err)
	require.Len(test, entries, 2)
	require.Equal(test, int64(-5), entries[0].CreditsDelta)
	require.Equal(test, int64(25), entries[0].BalanceAfter.Int64())
	require.Equal(test, int64(20), entries[1].CreditsDelta)

	granted, err := f.wallets.EnsureWelcomeCredits(ctx, userID, 0)
	require.NoError(test, err)
	require.True(test, granted)
	granted, err = f.wallets.EnsureWelcomeCredits(ctx, userID, 0)
	require.NoError(test, err)
	require.False(test, granted)
	requireBalance(test, f, userID, 25+ledger.DefaultWelcomeCredits.Int64(), 0)

	credit(test, f, mustUser(test, "user-zeta"), 1, "")
	userIDs, err := f.wallets.WalletUserIDs(ctx, "user-a", 10)
	require.NoError(test, err)
	require.Equal(test, []ledger.UserID{userID, mustUser(test, "user-zeta")}, userIDs)
}

func testIdempotentCredits(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "42")
	request := ledger.CreditRequest{
		UserID:         userID,
		Credits:        50,
		OperationCode:  mustCode(test, ledger.OperationCodeSignupBonus),
		IdempotencyKey: ledger.OptionalIdempotencyKey("welcome_42"),
		Metadata:       mustMetadata(test, `{"source":"signup"}`),
	}
	first, err := f.wallets.AddCredits(ctx, request)
	require.NoError(test, err)
	second, err := f.wallets.AddCredits(ctx, request)
	require.NoError(test, err)
	require.Equal(test, first.ID, second.ID)
	require.Equal(test, "signup", second.Metadata.Fields()["source"])
	requireBalance(test, f, userID, 50, 0)

	entries, err := f.wallets.ListEntries(ctx, userID, 0, 0)
	require.NoError(test, err)
	require.Len(test, entries, 1)
}

func mustMetadata(test *testing.T, raw string) ledger.MetadataJSON {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON(raw)
	require.NoError(test, err)
	return metadata
}

func testReservationLifecycle(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "42")
	credit(test, f, userID, 50, "")

	created, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{
		UserID:        userID,
		Credits:       20,
		OperationID:   mustOperation(test, "job-1"),
		OperationCode: "RAG_JOB",
		JobID:         "job-1",
		TTL:           30 * time.Minute,
	})
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeCreated, created.Outcome)
	reservation := created.Reservation
	require.Equal(test, ledger.ReservationStatusActive, reservation.Status)
	requireBalance(test, f, userID, 50, 20)

	replayed, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{
		UserID:      userID,
		Credits:     20,
		OperationID: mustOperation(test, "job-1"),
	})
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeExisting, replayed.Outcome)
	require.Equal(test, reservation.ID, replayed.Reservation.ID)
	requireBalance(test, f, userID, 50, 20)

	active, err := f.reservations.ListActiveReservations(ctx, userID)
	require.NoError(test, err)
	require.Len(test, active, 1)

	consumed, err := f.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{OperationID: mustOperation(test, "job-1"), ActualCredits: 15})
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeConsumed, consumed.Outcome)
	require.Equal(test, reservation.ID, consumed.Entry.ReservationID)
	requireBalance(test, f, userID, 35, 0)

	repeated, err := f.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{OperationID: mustOperation(test, "job-1"), ActualCredits: 15})
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeAlreadyConsumed, repeated.Outcome)
	requireBalance(test, f, userID, 35, 0)

	second, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 10, OperationID: mustOperation(test, "job-2")})
	require.NoError(test, err)
	secondID, err := ledger.NewReservationID(second.Reservation.ID)
	require.NoError(test, err)
	released, err := f.reservations.ReleaseReservation(ctx, secondID)
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeReleased, released.Outcome)
	releasedAgain, err := f.reservations.ReleaseReservation(ctx, secondID)
	require.NoError(test, err)
	require.Equal(test, ledger.ReservationOutcomeAlreadyClosed, releasedAgain.Outcome)
	requireBalance(test, f, userID, 35, 0)

	_, err = f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 36, OperationID: mustOperation(test, "job-3")})
	require.ErrorIs(test, err, ledger.ErrInsufficientCredits)
	_, err = f.reservations.CancelReservation(ctx, mustOperation(test, "job-3"))
	require.ErrorIs(test, err, ledger.ErrUnknownReservation)
}

func testReservationExpiry(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "user-expiry")
	credit(test, f, userID, 10, "")
	for _, operation := range []string{"short-1", "short-2"} {
		_, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 3, OperationID: mustOperation(test, operation), TTL: time.Minute})
		require.NoError(test, err)
	}
	_, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 4, OperationID: mustOperation(test, "long"), TTL: time.Hour})
	require.NoError(test, err)
	requireBalance(test, f, userID, 10, 10)

	f.clock.now = f.clock.now.Add(2 * time.Minute)
	expired, err := f.reservations.ExpireReservations(ctx, 10)
	require.NoError(test, err)
	require.Equal(test, 2, expired)
	requireBalance(test, f, userID, 10, 4)

	f.clock.now = f.clock.now.Add(2 * time.Hour)
	_, err = f.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{OperationID: mustOperation(test, "long")})
	require.ErrorIs(test, err, ledger.ErrReservationExpired)
	requireBalance(test, f, userID, 10, 0)

	expired, err = f.reservations.ExpireReservations(ctx, 10)
	require.NoError(test, err)
	require.Zero(test, expired)
}

func testCheckoutFinalize(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "42")
	completedAt := f.clock.now.Add(-time.Minute)
	intentID := f.harness.SeedIntent(test, ledger.CheckoutIntent{
		UserID:            userID,
		PackageID:         "pack-100",
		IdempotencyKey:    "checkout-42",
		Status:            ledger.CheckoutStatusCompleted,
		Provider:          "stripe",
		ProviderSessionID: "cs_test_42",
		CreditsAmount:     100,
		PriceCents:        9900,
		Currency:          "MXN",
		CompletedAt:       &completedAt,
		CreatedAt:         f.clock.now.Add(-time.Hour),
	})
	pendingID := f.harness.SeedIntent(test, ledger.CheckoutIntent{
		UserID:        userID,
		PackageID:     "pack-10",
		Status:        ledger.CheckoutStatusPending,
		CreditsAmount: 10,
		PriceCents:    990,
		CreatedAt:     f.clock.now.Add(-time.Hour),
	})

	first, err := f.checkout.Finalize(ctx, intentID)
	require.NoError(test, err)
	require.Equal(test, ledger.FinalizeOutcomeCreated, first.Result)
	require.Equal(test, "mxn", first.Currency)
	second, err := f.checkout.Finalize(ctx, intentID)
	require.NoError(test, err)
	require.Equal(test, ledger.FinalizeOutcomeAlreadyFinalized, second.Result)
	require.Equal(test, first.PaymentID, second.PaymentID)
	requireBalance(test, f, userID, 100, 0)

	_, err = f.checkout.Finalize(ctx, pendingID)
	require.ErrorIs(test, err, ledger.ErrInvalidCheckoutState)
	_, err = f.checkout.Finalize(ctx, pendingID+1000)
	require.ErrorIs(test, err, ledger.ErrUnknownCheckoutIntent)

	laterID := f.harness.SeedIntent(test, ledger.CheckoutIntent{
		UserID:        userID,
		PackageID:     "pack-5",
		Status:        ledger.CheckoutStatusCompleted,
		CreditsAmount: 5,
		PriceCents:    500,
		CreatedAt:     f.clock.now,
	})
	report, err := f.checkout.Backfill(ctx, 10)
	require.NoError(test, err)
	require.Equal(test, 1, report.Created())
	require.Empty(test, report.Failures)
	require.Equal(test, laterID, report.Results[0].IntentID)
	requireBalance(test, f, userID, 105, 0)
}

func testStoreConstraints(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "user-constraints")
	credit(test, f, userID, 10, "")
	created, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 2, OperationID: mustOperation(test, "op-unique")})
	require.NoError(test, err)
	reservation := created.Reservation

	err = f.harness.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, insertErr := txStore.InsertReservation(ctx, ledger.Reservation{
			UserID:          mustUser(test, "someone-else"),
			CreditsReserved: 1,
			OperationID:     mustOperation(test, "op-unique"),
			Status:          ledger.ReservationStatusActive,
			ExpiresAt:       f.clock.now.Add(time.Minute),
			CreatedAt:       f.clock.now,
			UpdatedAt:       f.clock.now,
		})
		return insertErr
	})
	require.ErrorIs(test, err, ledger.ErrReservationExists)

	_, err = f.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{OperationID: mustOperation(test, "op-unique")})
	require.NoError(test, err)
	err = f.harness.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, insertErr := txStore.InsertEntry(ctx, ledger.Entry{
			UserID:        userID,
			TxType:        ledger.TxTypeDebit,
			CreditsDelta:  -1,
			BalanceAfter:  7,
			OperationCode: ledger.OperationCodeReservation,
			ReservationID: reservation.ID,
			CreatedAt:     f.clock.now,
		})
		return insertErr
	})
	require.ErrorIs(test, err, ledger.ErrDuplicateReservationDebit)

	key, err := ledger.NewIdempotencyKey("dup-key")
	require.NoError(test, err)
	credit(test, f, userID, 1, key.String())
	err = f.harness.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, insertErr := txStore.InsertEntry(ctx, ledger.Entry{
			UserID:         userID,
			TxType:         ledger.TxTypeCredit,
			CreditsDelta:   1,
			BalanceAfter:   10,
			OperationCode:  "TOPUP",
			IdempotencyKey: key,
			CreatedAt:      f.clock.now,
		})
		return insertErr
	})
	require.ErrorIs(test, err, ledger.ErrDuplicateIdempotencyKey)

	err = f.harness.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		wallet, lockErr := txStore.LockWalletForUpdate(ctx, userID)
		if lockErr != nil {
			return lockErr
		}
		wallet.Balance = 100
		if updateErr := txStore.UpdateWallet(ctx, wallet); updateErr != nil {
			return updateErr
		}
		return context.Canceled
	})
	require.ErrorIs(test, err, context.Canceled)
	requireBalance(test, f, userID, 9, 0)
}

func testPaymentRefund(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "user-refund")
	completedAt := f.clock.now.Add(-time.Minute)
	intentID := f.harness.SeedIntent(test, ledger.CheckoutIntent{
		UserID:        userID,
		PackageID:     "pack-40",
		Status:        ledger.CheckoutStatusCompleted,
		CreditsAmount: 40,
		PriceCents:    3900,
		Currency:      "usd",
		CompletedAt:   &completedAt,
		CreatedAt:     f.clock.now.Add(-time.Hour),
	})
	finalized, err := f.checkout.Finalize(ctx, intentID)
	require.NoError(test, err)
	requireBalance(test, f, userID, 40, 0)

	request := ledger.RefundRequest{RefundID: "re_store", PaymentID: finalized.PaymentID, Credits: 25}
	refunded, err := f.checkout.RefundPayment(ctx, request)
	require.NoError(test, err)
	require.Equal(test, ledger.RefundOutcomeRefunded, refunded.Result)
	require.Equal(test, finalized.PaymentID, refunded.Entry.PaymentID)
	require.Equal(test, "refund:re_store:reverse", refunded.Entry.IdempotencyKey.String())
	requireBalance(test, f, userID, 15, 0)

	replayed, err := f.checkout.RefundPayment(ctx, request)
	require.NoError(test, err)
	require.Equal(test, ledger.RefundOutcomeAlreadyRefunded, replayed.Result)
	require.Equal(test, refunded.Entry.ID, replayed.Entry.ID)
	require.Equal(test, int64(25), replayed.CreditsReversed.Int64())
	requireBalance(test, f, userID, 15, 0)

	_, err = f.checkout.RefundPayment(ctx, ledger.RefundRequest{RefundID: "re_other", PaymentID: finalized.PaymentID})
	require.ErrorIs(test, err, ledger.ErrInvalidPaymentState)
	_, err = f.checkout.RefundPayment(ctx, ledger.RefundRequest{RefundID: "re_missing", PaymentID: "00000000-0000-0000-0000-000000000000"})
	require.ErrorIs(test, err, ledger.ErrUnknownPayment)

	err = f.harness.Store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		payment, lockErr := txStore.LockPaymentForUpdate(ctx, finalized.PaymentID)
		if lockErr != nil {
			return lockErr
		}
		require.Equal(test, ledger.PaymentStatusRefunded, payment.Status)
		return txStore.UpdatePaymentStatus(ctx, payment.ID, ledger.PaymentStatusRefunded, ledger.PaymentStatusSucceeded)
	})
	require.ErrorIs(test, err, ledger.ErrInvalidPaymentState)
}

func testConsumeLedgerKeyInUse(test *testing.T, f fixture) {
	ctx := context.Background()
	userID := mustUser(test, "user-ledger-key")
	credit(test, f, userID, 10, "job-9:consume")
	_, err := f.reservations.CreateReservation(ctx, ledger.ReservationRequest{UserID: userID, Credits: 4, OperationID: mustOperation(test, "job-9")})
	require.NoError(test, err)

	for attempt := 0; attempt < 2; attempt++ {
		_, err = f.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{OperationID: mustOperation(test, "job-9")})
		require.ErrorIs(test, err, ledger.ErrLedgerKeyInUse)
		require.False(test, ledger.IsRetryable(err))
	}
	requireBalance(test, f, userID, 10, 4)
}

// testConcurrentMutations races first-wallet creation, credits and debits for one user.
func testConcurrentMutations(test *testing.T, f fixture) {
	const (
		creditWorkers = 8
		creditAmount  = 5
		debitWorkers  = 50
	)
	ctx := context.Background()
	userID := mustUser(test, "user-concurrent")
	topUp := mustCode(test, "TOPUP")
	spend := mustCode(test, "SPEND")

	var (
		mu       sync.Mutex
		created  int
		failures []error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}

	var group sync.WaitGroup
	for worker := 0; worker < creditWorkers; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			result, err := f.wallets.GetOrCreateWallet(ctx, userID)
			if err != nil {
				record(fmt.Errorf("get or create: %w", err))
				return
			}
			if result.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
			if _, err := f.wallets.AddCredits(ctx, ledger.CreditRequest{UserID: userID, Credits: creditAmount, OperationCode: topUp}); err != nil {
				record(fmt.Errorf("add credits: %w", err))
			}
		}()
	}
	group.Wait()
	require.Empty(test, failures)
	require.Equal(test, 1, created, "exactly one caller creates the wallet")
	initialBalance := int64(creditWorkers * creditAmount)
	requireBalance(test, f, userID, initialBalance, 0)

	var (
		succeeded    int
		insufficient int
	)
	for worker := 0; worker < debitWorkers; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := f.wallets.DeductCredits(ctx, ledger.DebitRequest{UserID: userID, Credits: 1, OperationCode: spend})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientCredits):
				insufficient++
			default:
				failures = append(failures, fmt.Errorf("deduct: %w", err))
			}
		}()
	}
	group.Wait()
	require.Empty(test, failures)
	require.Equal(test, int(initialBalance), succeeded, "every credit is spent exactly once")
	require.Equal(test, debitWorkers-int(initialBalance), insufficient)
	requireBalance(test, f, userID, 0, 0)

	entries, err := f.wallets.ListEntries(ctx, userID, ledger.MaxListLimit, 0)
	require.NoError(test, err)
	require.Len(test, entries, creditWorkers+int(initialBalance))
	var sum int64
	for _, entry := range entries {
		sum += entry.CreditsDelta
	}
	require.Zero(test, sum)
}
