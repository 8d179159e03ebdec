package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer amount of prepaid credits.
type Credits int64

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// ReservationID identifies a stored reservation row.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// OperationID is the caller-chosen business key of a reservation.
type OperationID struct {
	value string
}

// NewOperationID validates and normalizes an operation id.
func NewOperationID(raw string) (OperationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationID{}, fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return OperationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OperationID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection. The zero value means no key.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// OptionalIdempotencyKey returns the zero key for blank input.
func OptionalIdempotencyKey(raw string) IdempotencyKey {
	return IdempotencyKey{value: strings.TrimSpace(raw)}
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// OperationCode is the free-form business reason attached to entries and reservations.
type OperationCode struct {
	value string
}

// NewOperationCode validates and normalizes an operation code.
func NewOperationCode(raw string) (OperationCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationCode{}, fmt.Errorf("%w: empty value", ErrInvalidOperationCode)
	}
	return OperationCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code OperationCode) String() string {
	return code.value
}

// MetadataJSON stores an arbitrary JSON object.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata object (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes fields as a metadata object.
func MetadataFromMap(fields map[string]any) (MetadataJSON, error) {
	if len(fields) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Fields decodes the metadata object.
func (metadata MetadataJSON) Fields() map[string]any {
	fields := map[string]any{}
	_ = json.Unmarshal([]byte(metadata.String()), &fields)
	return fields
}

// TxType enumerates ledger entry kinds.
type TxType string

const (
	TxTypeCredit TxType = "credit"
	TxTypeDebit  TxType = "debit"
)

// ParseTxType validates a stored entry type.
func ParseTxType(raw string) (TxType, error) {
	switch TxType(strings.TrimSpace(raw)) {
	case TxTypeCredit:
		return TxTypeCredit, nil
	case TxTypeDebit:
		return TxTypeDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTxType, raw)
	}
}

func (txType TxType) String() string {
	return string(txType)
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConsumed  ReservationStatus = "consumed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.TrimSpace(raw))
	switch status {
	case ReservationStatusPending, ReservationStatusActive, ReservationStatusConsumed, ReservationStatusCancelled, ReservationStatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

func (status ReservationStatus) String() string {
	return string(status)
}

// IsOpen reports whether credits are still held for the reservation.
func (status ReservationStatus) IsOpen() bool {
	return status == ReservationStatusPending || status == ReservationStatusActive
}

// IsTerminal reports whether no further transition is allowed.
func (status ReservationStatus) IsTerminal() bool {
	return !status.IsOpen()
}

// OpenReservationStatuses lists the statuses that still hold credits.
func OpenReservationStatuses() []ReservationStatus {
	return []ReservationStatus{ReservationStatusPending, ReservationStatusActive}
}

// CheckoutStatus mirrors the checkout subsystem's intent status.
type CheckoutStatus string

const (
	CheckoutStatusCreated   CheckoutStatus = "created"
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusCompleted CheckoutStatus = "completed"
	CheckoutStatusExpired   CheckoutStatus = "expired"
	CheckoutStatusCancelled CheckoutStatus = "cancelled"
)

// ParseCheckoutStatus validates a stored checkout status.
func ParseCheckoutStatus(raw string) (CheckoutStatus, error) {
	status := CheckoutStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case CheckoutStatusCreated, CheckoutStatusPending, CheckoutStatusCompleted, CheckoutStatusExpired, CheckoutStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCheckoutStatus, raw)
	}
}

func (status CheckoutStatus) String() string {
	return string(status)
}

// PaymentProvider names the provider that captured a payment.
type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderPayPal PaymentProvider = "paypal"
)

// ResolvePaymentProvider maps a free-form provider tag, defaulting to stripe.
func ResolvePaymentProvider(raw string) PaymentProvider {
	if strings.EqualFold(strings.TrimSpace(raw), string(PaymentProviderPayPal)) {
		return PaymentProviderPayPal
	}
	return PaymentProviderStripe
}

func (provider PaymentProvider) String() string {
	return string(provider)
}

// PaymentStatus is the lifecycle status of a payment row.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case PaymentStatusSucceeded, PaymentStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

func (status PaymentStatus) String() string {
	return string(status)
}

// NormalizeCurrency lowercases a currency tag, defaulting to DefaultCurrency.
func NormalizeCurrency(raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return DefaultCurrency
	}
	return normalized
}

// Wallet is the cached balance row for a user.
type Wallet struct {
	ID              string
	UserID          UserID
	Balance         Credits
	BalanceReserved Credits
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available returns balance minus reserved credits.
func (wallet Wallet) Available() Credits {
	return wallet.Balance - wallet.BalanceReserved
}

// Validate checks the wallet invariants.
func (wallet Wallet) Validate() error {
	switch {
	case wallet.Balance < 0:
		return WrapError("wallet", "balance", "negative_balance", ErrInvalidBalance)
	case wallet.BalanceReserved < 0:
		return WrapError("wallet", "balance", "negative_reserved", ErrInvalidBalance)
	case wallet.BalanceReserved > wallet.Balance:
		return WrapError("wallet", "balance", "reserved_exceeds_balance", ErrInvalidBalance)
	}
	return nil
}

// WalletResult reports whether get-or-create inserted the row.
type WalletResult struct {
	Created bool
	Wallet  Wallet
}

// Balance is the read view of a wallet.
type Balance struct {
	Balance   Credits
	Reserved  Credits
	Available Credits
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID             string
	UserID         UserID
	TxType         TxType
	CreditsDelta   int64
	BalanceAfter   Credits
	OperationCode  string
	Description    string
	JobID          string
	ReservationID  string
	PaymentID      string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// Validate checks the append-time invariants of an entry.
func (entry Entry) Validate() error {
	if entry.CreditsDelta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidEntry)
	}
	switch entry.TxType {
	case TxTypeCredit:
		if entry.CreditsDelta < 0 {
			return fmt.Errorf("%w: credit with negative delta", ErrInvalidEntry)
		}
	case TxTypeDebit:
		if entry.CreditsDelta > 0 {
			return fmt.Errorf("%w: debit with positive delta", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTxType, entry.TxType)
	}
	if entry.BalanceAfter < 0 {
		return fmt.Errorf("%w: negative balance after", ErrInvalidEntry)
	}
	return nil
}

// Reservation is a time-bounded hold on credits.
type Reservation struct {
	ID              string
	UserID          UserID
	CreditsReserved Credits
	CreditsConsumed Credits
	OperationCode   string
	JobID           string
	OperationID     OperationID
	Status          ReservationStatus
	Reason          string
	ExpiresAt       time.Time
	ConsumedAt      *time.Time
	ReleasedAt      *time.Time
	ExpiredAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpiredAt reports whether an open reservation has passed its deadline.
func (reservation Reservation) IsExpiredAt(now time.Time) bool {
	return reservation.Status.IsOpen() && !reservation.ExpiresAt.After(now)
}

// CheckoutIntent is the externally owned record of a checkout attempt.
type CheckoutIntent struct {
	ID                int64
	UserID            UserID
	PackageID         string
	IdempotencyKey    string
	Status            CheckoutStatus
	Provider          string
	ProviderSessionID string
	CreditsAmount     int64
	PriceCents        int64
	Currency          string
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// Payment is the revenue record produced by finalizing a checkout.
type Payment struct {
	ID                string
	UserID            UserID
	CheckoutIntentID  int64
	Provider          PaymentProvider
	Status            PaymentStatus
	AmountCents       int64
	Currency          string
	ProviderPaymentID string
	IdempotencyKey    IdempotencyKey
	CreditsPurchased  Credits
	Metadata          MetadataJSON
	PaidAt            time.Time
	CreatedAt         time.Time
}
