package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

var stubEpoch = time.Date(2026, time.January, 14, 12, 0, 0, 0, time.UTC)

type stubState struct {
	wallets      map[string]Wallet
	entries      []Entry
	reservations map[string]Reservation
	intents      map[int64]CheckoutIntent
	payments     []Payment
	nextID       int
}

func (state stubState) clone() stubState {
	cloned := stubState{
		wallets:      make(map[string]Wallet, len(state.wallets)),
		entries:      append([]Entry(nil), state.entries...),
		reservations: make(map[string]Reservation, len(state.reservations)),
		intents:      make(map[int64]CheckoutIntent, len(state.intents)),
		payments:     append([]Payment(nil), state.payments...),
		nextID:       state.nextID,
	}
	for key, wallet := range state.wallets {
		cloned.wallets[key] = wallet
	}
	for key, reservation := range state.reservations {
		cloned.reservations[key] = reservation
	}
	for key, intent := range state.intents {
		cloned.intents[key] = intent
	}
	return cloned
}

// stubStore is an in-memory Store whose WithTx restores the previous state on error.
type stubStore struct {
	state stubState

	withTxCalls int

	lockWalletError        error
	insertWalletError      error
	updateWalletError      error
	findEntryError         error
	insertEntryError       error
	insertEntryErrorAtCall int
	insertEntryCalls       int
	sumError               error
	insertReservationError error
	lockReservationErrors  map[string]error
	updateReservationError error
	listExpiredError       error
	lockIntentError        error
	findPaymentError       error
	insertPaymentError     error

	// concurrentWalletInsert simulates another request creating the wallet first.
	concurrentWalletInsert bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		state: stubState{
			wallets:      map[string]Wallet{},
			reservations: map[string]Reservation{},
			intents:      map[int64]CheckoutIntent{},
		},
		lockReservationErrors: map[string]error{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.withTxCalls++
	snapshot := store.state.clone()
	if err := fn(ctx, store); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) nextID(prefix string) string {
	store.state.nextID++
	return fmt.Sprintf("%s-%d", prefix, store.state.nextID)
}

func (store *stubStore) GetWallet(_ context.Context, userID UserID) (Wallet, error) {
	wallet, ok := store.state.wallets[userID.String()]
	if !ok {
		return Wallet{}, WrapError("store", "wallet", "get", ErrWalletNotFound)
	}
	return wallet, nil
}

func (store *stubStore) LockWalletForUpdate(ctx context.Context, userID UserID) (Wallet, error) {
	if store.lockWalletError != nil {
		return Wallet{}, store.lockWalletError
	}
	return store.GetWallet(ctx, userID)
}

func (store *stubStore) InsertWalletIfAbsent(_ context.Context, userID UserID, now time.Time) (bool, error) {
	if store.insertWalletError != nil {
		return false, store.insertWalletError
	}
	if _, ok := store.state.wallets[userID.String()]; ok {
		return false, nil
	}
	store.state.wallets[userID.String()] = Wallet{
		ID:        store.nextID("wallet"),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if store.concurrentWalletInsert {
		store.concurrentWalletInsert = false
		return false, nil
	}
	return true, nil
}

func (store *stubStore) UpdateWallet(_ context.Context, wallet Wallet) error {
	if store.updateWalletError != nil {
		return store.updateWalletError
	}
	if _, ok := store.state.wallets[wallet.UserID.String()]; !ok {
		return WrapError("store", "wallet", "update", ErrWalletNotFound)
	}
	if err := wallet.Validate(); err != nil {
		return err
	}
	store.state.wallets[wallet.UserID.String()] = wallet
	return nil
}

func (store *stubStore) ListWalletUserIDs(_ context.Context, afterUserID string, limit int) ([]UserID, error) {
	keys := make([]string, 0, len(store.state.wallets))
	for key := range store.state.wallets {
		if key > afterUserID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	userIDs := make([]UserID, 0, len(keys))
	for _, key := range keys {
		userIDs = append(userIDs, store.state.wallets[key].UserID)
	}
	return userIDs, nil
}

func (store *stubStore) FindEntryByIdempotencyKey(_ context.Context, userID UserID, key IdempotencyKey) (Entry, bool, error) {
	if store.findEntryError != nil {
		return Entry{}, false, store.findEntryError
	}
	for _, entry := range store.state.entries {
		if entry.UserID == userID && entry.IdempotencyKey == key {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) FindDebitByReservation(_ context.Context, reservationID string) (Entry, bool, error) {
	for _, entry := range store.state.entries {
		if entry.ReservationID == reservationID && entry.TxType == TxTypeDebit {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) (Entry, error) {
	store.insertEntryCalls++
	if store.insertEntryError != nil && (store.insertEntryErrorAtCall == 0 || store.insertEntryErrorAtCall == store.insertEntryCalls) {
		return Entry{}, store.insertEntryError
	}
	for _, existing := range store.state.entries {
		if !entry.IdempotencyKey.IsZero() && existing.UserID == entry.UserID && existing.IdempotencyKey == entry.IdempotencyKey {
			return Entry{}, WrapError("store", "entry", "duplicate", ErrDuplicateIdempotencyKey)
		}
		if entry.ReservationID != "" && existing.ReservationID == entry.ReservationID && existing.TxType == entry.TxType {
			return Entry{}, WrapError("store", "entry", "duplicate", ErrDuplicateReservationDebit)
		}
	}
	entry.ID = store.nextID("entry")
	store.state.entries = append(store.state.entries, entry)
	return entry, nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, limit int, offset int) ([]Entry, error) {
	var userEntries []Entry
	for index := len(store.state.entries) - 1; index >= 0; index-- {
		if store.state.entries[index].UserID == userID {
			userEntries = append(userEntries, store.state.entries[index])
		}
	}
	if offset >= len(userEntries) {
		return []Entry{}, nil
	}
	userEntries = userEntries[offset:]
	if len(userEntries) > limit {
		userEntries = userEntries[:limit]
	}
	return userEntries, nil
}

func (store *stubStore) SumCreditsDelta(_ context.Context, userID UserID) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total int64
	for _, entry := range store.state.entries {
		if entry.UserID == userID {
			total += entry.CreditsDelta
		}
	}
	return total, nil
}

func (store *stubStore) FindReservationByOperation(_ context.Context, operationID OperationID) (Reservation, bool, error) {
	for _, reservation := range store.state.reservations {
		if reservation.OperationID == operationID {
			return reservation, true, nil
		}
	}
	return Reservation{}, false, nil
}

func (store *stubStore) InsertReservation(ctx context.Context, reservation Reservation) (Reservation, error) {
	if store.insertReservationError != nil {
		return Reservation{}, store.insertReservationError
	}
	if _, found, _ := store.FindReservationByOperation(ctx, reservation.OperationID); found {
		return Reservation{}, WrapError("store", "reservation", "duplicate", ErrReservationExists)
	}
	reservation.ID = store.nextID("reservation")
	store.state.reservations[reservation.ID] = reservation
	return reservation, nil
}

func (store *stubStore) LockReservationForUpdate(_ context.Context, reservationID ReservationID) (Reservation, error) {
	if err := store.lockReservationErrors[reservationID.String()]; err != nil {
		return Reservation{}, err
	}
	reservation, ok := store.state.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, WrapError("store", "reservation", "get", ErrUnknownReservation)
	}
	return reservation, nil
}

func (store *stubStore) LockReservationByOperation(ctx context.Context, operationID OperationID) (Reservation, error) {
	reservation, found, _ := store.FindReservationByOperation(ctx, operationID)
	if !found {
		return Reservation{}, WrapError("store", "reservation", "get", ErrUnknownReservation)
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservation(_ context.Context, reservation Reservation, from ReservationStatus) error {
	if store.updateReservationError != nil {
		return store.updateReservationError
	}
	stored, ok := store.state.reservations[reservation.ID]
	if !ok || stored.Status != from {
		return WrapError("store", "reservation", "update", ErrReservationClosed)
	}
	store.state.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	var expired []Reservation
	for _, reservation := range store.state.reservations {
		if reservation.IsExpiredAt(now) {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ID < expired[right].ID
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) ListOpenReservations(_ context.Context, userID UserID) ([]Reservation, error) {
	var open []Reservation
	for _, reservation := range store.state.reservations {
		if reservation.UserID == userID && reservation.Status.IsOpen() {
			open = append(open, reservation)
		}
	}
	sort.Slice(open, func(left, right int) bool {
		return open[left].ID < open[right].ID
	})
	return open, nil
}

func (store *stubStore) LockCheckoutIntent(_ context.Context, intentID int64) (CheckoutIntent, error) {
	if store.lockIntentError != nil {
		return CheckoutIntent{}, store.lockIntentError
	}
	intent, ok := store.state.intents[intentID]
	if !ok {
		return CheckoutIntent{}, WrapError("store", "checkout_intent", "get", ErrUnknownCheckoutIntent)
	}
	return intent, nil
}

func (store *stubStore) ListCompletedIntentsWithoutPayment(_ context.Context, limit int) ([]CheckoutIntent, error) {
	paid := map[int64]bool{}
	for _, payment := range store.state.payments {
		paid[payment.CheckoutIntentID] = true
	}
	var intents []CheckoutIntent
	for _, intent := range store.state.intents {
		if intent.Status == CheckoutStatusCompleted && !paid[intent.ID] {
			intents = append(intents, intent)
		}
	}
	sort.Slice(intents, func(left, right int) bool {
		return intents[left].ID < intents[right].ID
	})
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (store *stubStore) FindPaymentByIdempotencyKey(_ context.Context, userID UserID, key IdempotencyKey) (Payment, bool, error) {
	if store.findPaymentError != nil {
		return Payment{}, false, store.findPaymentError
	}
	for _, payment := range store.state.payments {
		if payment.UserID == userID && payment.IdempotencyKey == key {
			return payment, true, nil
		}
	}
	return Payment{}, false, nil
}

func (store *stubStore) InsertPayment(ctx context.Context, payment Payment) (Payment, error) {
	if store.insertPaymentError != nil {
		return Payment{}, store.insertPaymentError
	}
	if _, found, _ := store.FindPaymentByIdempotencyKey(ctx, payment.UserID, payment.IdempotencyKey); found {
		return Payment{}, WrapError("store", "payment", "duplicate", ErrDuplicatePayment)
	}
	payment.ID = store.nextID("payment")
	store.state.payments = append(store.state.payments, payment)
	return payment, nil
}

func (store *stubStore) LockPaymentForUpdate(_ context.Context, paymentID string) (Payment, error) {
	for _, payment := range store.state.payments {
		if payment.ID == paymentID {
			return payment, nil
		}
	}
	return Payment{}, WrapError("store", "payment", "lock", ErrUnknownPayment)
}

func (store *stubStore) UpdatePaymentStatus(_ context.Context, paymentID string, status PaymentStatus, from PaymentStatus) error {
	for index, payment := range store.state.payments {
		if payment.ID == paymentID && payment.Status == from {
			store.state.payments[index].Status = status
			return nil
		}
	}
	return WrapError("store", "payment", "update", ErrInvalidPaymentState)
}

func (store *stubStore) entriesFor(userID UserID) []Entry {
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (store *stubStore) putIntent(intent CheckoutIntent) {
	store.state.intents[intent.ID] = intent
}

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: stubEpoch}
}

func (clock *testClock) Now() time.Time {
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.now = clock.now.Add(duration)
}

type testServices struct {
	store        *stubStore
	clock        *testClock
	wallets      *WalletService
	reservations *ReservationService
	checkout     *CheckoutService
}

func newTestServices(test *testing.T, options ...ServiceOption) testServices {
	test.Helper()
	store := newStubStore(test)
	clock := newTestClock()
	wallets, err := NewWalletService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("wallet service init failed: %v", err)
	}
	reservations, err := NewReservationService(wallets, options...)
	if err != nil {
		test.Fatalf("reservation service init failed: %v", err)
	}
	checkout, err := NewCheckoutService(wallets, options...)
	if err != nil {
		test.Fatalf("checkout service init failed: %v", err)
	}
	return testServices{store: store, clock: clock, wallets: wallets, reservations: reservations, checkout: checkout}
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("invalid user id %q: %v", raw, err)
	}
	return userID
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	credits, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("invalid credits %d: %v", raw, err)
	}
	return credits
}

func mustOperationID(test *testing.T, raw string) OperationID {
	test.Helper()
	operationID, err := NewOperationID(raw)
	if err != nil {
		test.Fatalf("invalid operation id %q: %v", raw, err)
	}
	return operationID
}

func mustOperationCode(test *testing.T, raw string) OperationCode {
	test.Helper()
	operationCode, err := NewOperationCode(raw)
	if err != nil {
		test.Fatalf("invalid operation code %q: %v", raw, err)
	}
	return operationCode
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("invalid idempotency key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("invalid metadata %q: %v", raw, err)
	}
	return metadata
}

func mustAddCredits(test *testing.T, services testServices, userID UserID, credits int64, key string) Entry {
	test.Helper()
	entry, err := services.wallets.AddCredits(context.Background(), CreditRequest{
		UserID:         userID,
		Credits:        mustCredits(test, credits),
		OperationCode:  mustOperationCode(test, "TOPUP"),
		IdempotencyKey: OptionalIdempotencyKey(key),
	})
	if err != nil {
		test.Fatalf("add credits failed: %v", err)
	}
	return entry
}

func mustReserve(test *testing.T, services testServices, userID UserID, credits int64, operationID string, ttl time.Duration) Reservation {
	test.Helper()
	result, err := services.reservations.CreateReservation(context.Background(), ReservationRequest{
		UserID:        userID,
		Credits:       mustCredits(test, credits),
		OperationID:   mustOperationID(test, operationID),
		OperationCode: "RAG_JOB",
		JobID:         "job-" + operationID,
		TTL:           ttl,
	})
	if err != nil {
		test.Fatalf("create reservation failed: %v", err)
	}
	return result.Reservation
}

func requireBalance(test *testing.T, services testServices, userID UserID, wantBalance int64, wantReserved int64) {
	test.Helper()
	balance, err := services.wallets.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance failed: %v", err)
	}
	if balance.Balance.Int64() != wantBalance || balance.Reserved.Int64() != wantReserved {
		test.Fatalf("expected balance=%d reserved=%d, got balance=%d reserved=%d", wantBalance, wantReserved, balance.Balance, balance.Reserved)
	}
	if balance.Available != balance.Balance-balance.Reserved {
		test.Fatalf("available %d does not equal balance minus reserved", balance.Available)
	}
}

func requireLedgerMatchesWallet(test *testing.T, services testServices, userID UserID) {
	test.Helper()
	report, err := services.wallets.Reconcile(context.Background(), userID, false)
	if err != nil {
		test.Fatalf("reconcile failed: %v", err)
	}
	if report.Drift != 0 {
		test.Fatalf("expected ledger sum %d to equal balance %d", report.LedgerSum, report.WalletBalance)
	}
}
