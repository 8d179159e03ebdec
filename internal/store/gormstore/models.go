package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID              string    `gorm:"size:36;primaryKey"`
	UserID          string    `gorm:"size:191;not null;uniqueIndex:uniq_wallets_user"`
	Balance         int64     `gorm:"not null;default:0;check:chk_wallets_balance_non_negative,balance >= 0"`
	BalanceReserved int64     `gorm:"not null;default:0;check:chk_wallets_reserved_bounds,balance_reserved >= 0 AND balance_reserved <= balance"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	ID             string         `gorm:"size:36;primaryKey"`
	UserID         string         `gorm:"size:191;not null;index:idx_ledger_entries_user_created,priority:1;index:uniq_ledger_entries_user_idem,unique,priority:1"`
	TxType         string         `gorm:"size:16;not null;index:uniq_ledger_entries_reservation_tx,unique,priority:2"`
	CreditsDelta   int64          `gorm:"not null;check:chk_ledger_entries_delta_non_zero,credits_delta <> 0"`
	BalanceAfter   int64          `gorm:"not null"`
	OperationCode  string         `gorm:"size:191;not null"`
	Description    string         `gorm:"size:512;not null;default:''"`
	JobID          string         `gorm:"size:191;not null;default:''"`
	ReservationID  *string        `gorm:"size:36;index:uniq_ledger_entries_reservation_tx,unique,priority:1"`
	PaymentID      *string        `gorm:"size:36;index:idx_ledger_entries_payment"`
	IdempotencyKey *string        `gorm:"size:191;index:uniq_ledger_entries_user_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. The caller's operation id lives in idempotency_key.
type Reservation struct {
	ID              string     `gorm:"size:36;primaryKey"`
	UserID          string     `gorm:"size:191;not null;index:idx_reservations_user_status,priority:1;index:uniq_reservations_business_key,unique,priority:1"`
	CreditsReserved int64      `gorm:"not null;check:chk_reservations_reserved_positive,credits_reserved > 0"`
	CreditsConsumed int64      `gorm:"not null;default:0"`
	OperationCode   string     `gorm:"size:191;not null;default:'';index:uniq_reservations_business_key,unique,priority:2"`
	JobID           string     `gorm:"size:191;not null;default:'';index:uniq_reservations_business_key,unique,priority:3"`
	IdempotencyKey  string     `gorm:"size:191;not null;uniqueIndex:uniq_reservations_operation;index:uniq_reservations_business_key,unique,priority:4"`
	Status          string     `gorm:"size:16;not null;index:idx_reservations_user_status,priority:2;index:idx_reservations_status_expires,priority:1"`
	Reason          string     `gorm:"size:512;not null;default:''"`
	ExpiresAt       time.Time  `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	ConsumedAt      *time.Time `gorm:""`
	ReleasedAt      *time.Time `gorm:""`
	ExpiredAt       *time.Time `gorm:""`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ID == "" {
		reservation.ID = uuid.NewString()
	}
	return nil
}

// CheckoutIntent mirrors the checkout_intents table owned by the checkout subsystem.
type CheckoutIntent struct {
	ID                int64      `gorm:"primaryKey;autoIncrement"`
	UserID            string     `gorm:"size:191;not null;index"`
	PackageID         string     `gorm:"size:191;not null"`
	IdempotencyKey    string     `gorm:"size:191;not null;default:''"`
	Status            string     `gorm:"size:16;not null;index"`
	Provider          string     `gorm:"size:32;not null;default:''"`
	ProviderSessionID string     `gorm:"size:191;not null;default:''"`
	CreditsAmount     int64      `gorm:"not null"`
	PriceCents        int64      `gorm:"not null"`
	Currency          string     `gorm:"size:8;not null;default:''"`
	CompletedAt       *time.Time `gorm:""`
	CreatedAt         time.Time  `gorm:"not null"`
}

func (CheckoutIntent) TableName() string { return "checkout_intents" }

// Payment mirrors the payments table.
type Payment struct {
	ID                string         `gorm:"size:36;primaryKey"`
	UserID            string         `gorm:"size:191;not null;index:uniq_payments_user_idem,unique,priority:1"`
	CheckoutIntentID  int64          `gorm:"not null;index"`
	Provider          string         `gorm:"size:32;not null"`
	Status            string         `gorm:"size:16;not null;check:chk_payments_status,status IN ('succeeded', 'refunded')"`
	AmountCents       int64          `gorm:"not null"`
	Currency          string         `gorm:"size:8;not null"`
	ProviderPaymentID string         `gorm:"size:191;not null;default:''"`
	IdempotencyKey    string         `gorm:"size:191;not null;index:uniq_payments_user_idem,unique,priority:2"`
	CreditsPurchased  int64          `gorm:"not null"`
	Metadata          datatypes.JSON `gorm:"not null"`
	PaidAt            time.Time      `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &Reservation{}, &CheckoutIntent{}, &Payment{}}
}
