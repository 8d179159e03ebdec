package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestCreditLifecycleScenario(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	ctx := context.Background()
	user := mustUserID(test, "42")

	welcome := CreditRequest{
		UserID:         user,
		Credits:        mustCredits(test, 50),
		OperationCode:  mustOperationCode(test, OperationCodeSignupBonus),
		IdempotencyKey: mustIdempotencyKey(test, "welcome_42"),
	}
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := services.wallets.AddCredits(ctx, welcome); err != nil {
			test.Fatalf("welcome attempt %d failed: %v", attempt, err)
		}
		requireBalance(test, services, user, 50, 0)
		if entries := services.store.entriesFor(user); len(entries) != 1 {
			test.Fatalf("expected one entry after attempt %d, got %d", attempt, len(entries))
		}
	}

	mustReserve(test, services, user, 20, "job-1", 30*time.Minute)
	requireBalance(test, services, user, 50, 20)
	consumed, err := services.reservations.ConsumeReservation(ctx, ConsumeRequest{
		OperationID:   mustOperationID(test, "job-1"),
		ActualCredits: mustCredits(test, 15),
	})
	if err != nil {
		test.Fatalf("consume failed: %v", err)
	}
	if consumed.Entry.CreditsDelta != -15 {
		test.Fatalf("expected a -15 debit, got %d", consumed.Entry.CreditsDelta)
	}
	requireBalance(test, services, user, 35, 0)

	entriesBeforeRelease := len(services.store.entriesFor(user))
	mustReserve(test, services, user, 10, "job-2", 0)
	if _, err := services.reservations.CancelReservation(ctx, mustOperationID(test, "job-2")); err != nil {
		test.Fatalf("release failed: %v", err)
	}
	requireBalance(test, services, user, 35, 0)
	if len(services.store.entriesFor(user)) != entriesBeforeRelease {
		test.Fatalf("release must not append ledger entries")
	}

	_, err = services.wallets.DeductCredits(ctx, DebitRequest{
		UserID:        user,
		Credits:       mustCredits(test, 1000),
		OperationCode: mustOperationCode(test, "BULK"),
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	requireBalance(test, services, user, 35, 0)

	services.store.putIntent(completedIntent(test, 7, "42", 100))
	first, err := services.checkout.Finalize(ctx, 7)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	second, err := services.checkout.Finalize(ctx, 7)
	if err != nil {
		test.Fatalf("webhook retry failed: %v", err)
	}
	if first.Result != FinalizeOutcomeCreated || second.Result != FinalizeOutcomeAlreadyFinalized {
		test.Fatalf("unexpected outcomes: %v then %v", first.Result, second.Result)
	}
	if len(services.store.state.payments) != 1 {
		test.Fatalf("expected one payment, got %d", len(services.store.state.payments))
	}
	requireBalance(test, services, user, 135, 0)
	requireLedgerMatchesWallet(test, services, user)
}

var tolerableRandomErrors = []error{
	ErrInsufficientCredits,
	ErrReservationClosed,
	ErrReservationExpired,
	ErrUnknownReservation,
	ErrInvalidCredits,
}

func TestRandomOperationsPreserveWalletInvariants(test *testing.T) {
	test.Parallel()
	services := newTestServices(test)
	ctx := context.Background()
	user := mustUserID(test, "fuzz")
	random := rand.New(rand.NewSource(20260114))
	var operationIDs []string

	for step := 0; step < 400; step++ {
		var err error
		switch random.Intn(7) {
		case 0:
			_, err = services.wallets.AddCredits(ctx, CreditRequest{
				UserID:         user,
				Credits:        Credits(1 + random.Int63n(20)),
				OperationCode:  mustOperationCode(test, "TOPUP"),
				IdempotencyKey: OptionalIdempotencyKey(fmt.Sprintf("topup-%d", random.Intn(30))),
			})
		case 1:
			_, err = services.wallets.DeductCredits(ctx, DebitRequest{
				UserID:         user,
				Credits:        Credits(1 + random.Int63n(15)),
				OperationCode:  mustOperationCode(test, "SPEND"),
				IdempotencyKey: OptionalIdempotencyKey(fmt.Sprintf("spend-%d", random.Intn(30))),
			})
		case 2, 3:
			operationID := fmt.Sprintf("op-%d", random.Intn(40))
			operationIDs = append(operationIDs, operationID)
			_, err = services.reservations.CreateReservation(ctx, ReservationRequest{
				UserID:      user,
				Credits:     Credits(1 + random.Int63n(10)),
				OperationID: mustOperationID(test, operationID),
				TTL:         time.Duration(1+random.Intn(10)) * time.Minute,
			})
		case 4:
			if len(operationIDs) == 0 {
				continue
			}
			_, err = services.reservations.ConsumeReservation(ctx, ConsumeRequest{
				OperationID:   mustOperationID(test, operationIDs[random.Intn(len(operationIDs))]),
				ActualCredits: Credits(random.Int63n(8)),
			})
		case 5:
			if len(operationIDs) == 0 {
				continue
			}
			_, err = services.reservations.CancelReservation(ctx, mustOperationID(test, operationIDs[random.Intn(len(operationIDs))]))
		case 6:
			services.clock.Advance(time.Duration(random.Intn(4)) * time.Minute)
			_, err = services.reservations.ExpireReservations(ctx, 5)
		}
		if err != nil && !isTolerable(err) {
			test.Fatalf("step %d: unexpected error: %v", step, err)
		}

		wallet, found := services.store.state.wallets[user.String()]
		if !found {
			continue
		}
		if err := wallet.Validate(); err != nil {
			test.Fatalf("step %d: wallet invariant broken: %+v", step, wallet)
		}
		var openHolds Credits
		for _, reservation := range services.store.state.reservations {
			if reservation.Status.IsOpen() {
				openHolds += reservation.CreditsReserved
			}
		}
		if openHolds != wallet.BalanceReserved {
			test.Fatalf("step %d: reserved %d does not match open holds %d", step, wallet.BalanceReserved, openHolds)
		}
		requireLedgerMatchesWallet(test, services, user)
	}
}

func isTolerable(err error) bool {
	for _, tolerable := range tolerableRandomErrors {
		if errors.Is(err, tolerable) {
			return true
		}
	}
	return false
}
