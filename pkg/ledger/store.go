package ledger

import (
	"context"
	"time"
)

// WalletStore persists wallet rows.
type WalletStore interface {
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// LockWalletForUpdate reads the wallet row under a row lock held until the transaction ends.
	LockWalletForUpdate(ctx context.Context, userID UserID) (Wallet, error)
	// InsertWalletIfAbsent inserts a zero wallet and reports false when the row already exists.
	InsertWalletIfAbsent(ctx context.Context, userID UserID, now time.Time) (bool, error)
	UpdateWallet(ctx context.Context, wallet Wallet) error
	ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error)
}

// EntryStore persists the append-only ledger.
type EntryStore interface {
	FindEntryByIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (Entry, bool, error)
	FindDebitByReservation(ctx context.Context, reservationID string) (Entry, bool, error)
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, limit int, offset int) ([]Entry, error)
	SumCreditsDelta(ctx context.Context, userID UserID) (int64, error)
}

// ReservationStore persists reservation holds.
type ReservationStore interface {
	FindReservationByOperation(ctx context.Context, operationID OperationID) (Reservation, bool, error)
	InsertReservation(ctx context.Context, reservation Reservation) (Reservation, error)
	LockReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error)
	LockReservationByOperation(ctx context.Context, operationID OperationID) (Reservation, error)
	// UpdateReservation writes the mutable columns only when the stored status still equals from.
	UpdateReservation(ctx context.Context, reservation Reservation, from ReservationStatus) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	ListOpenReservations(ctx context.Context, userID UserID) ([]Reservation, error)
}

// CheckoutStore reads checkout intents and persists payments and their refund status.
type CheckoutStore interface {
	LockCheckoutIntent(ctx context.Context, intentID int64) (CheckoutIntent, error)
	ListCompletedIntentsWithoutPayment(ctx context.Context, limit int) ([]CheckoutIntent, error)
	FindPaymentByIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (Payment, bool, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	LockPaymentForUpdate(ctx context.Context, paymentID string) (Payment, error)
	// UpdatePaymentStatus moves a payment to status only when the stored status still equals from.
	UpdatePaymentStatus(ctx context.Context, paymentID string, status PaymentStatus, from PaymentStatus) error
}

// Store is the persistence contract used by the services.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	WalletStore
	EntryStore
	ReservationStore
	CheckoutStore
}
