package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreditRequest describes a credit applied to a wallet.
type CreditRequest struct {
	UserID         UserID
	Credits        Credits
	OperationCode  OperationCode
	IdempotencyKey IdempotencyKey
	Description    string
	JobID          string
	PaymentID      string
	Metadata       MetadataJSON
}

// DebitRequest describes a debit applied to a wallet.
type DebitRequest struct {
	UserID         UserID
	Credits        Credits
	OperationCode  OperationCode
	IdempotencyKey IdempotencyKey
	Description    string
	JobID          string
	ReservationID  string
	PaymentID      string
	Metadata       MetadataJSON
}

// DriftReport compares the cached wallet balance with the ledger sum.
type DriftReport struct {
	UserID        UserID
	LedgerSum     int64
	WalletBalance Credits
	Drift         int64
	Repaired      bool
}

// WalletService is the only code path that changes wallet numbers or appends ledger entries.
type WalletService struct {
	store        Store
	nowFn        func() time.Time
	dependencies serviceDependencies
}

// NewWalletService wires a WalletService.
func NewWalletService(store Store, now func() time.Time, options ...ServiceOption) (*WalletService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &WalletService{
		store:        store,
		nowFn:        now,
		dependencies: newServiceDependencies(options),
	}, nil
}

// GetOrCreateWallet returns the user's wallet, inserting a zero wallet on first use.
func (service *WalletService) GetOrCreateWallet(ctx context.Context, userID UserID) (WalletResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationGetOrCreateWallet, userAttr(userID))
	var result WalletResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		walletResult, err := service.lockOrCreateWallet(ctx, transactionStore, userID)
		if err != nil {
			return err
		}
		result = walletResult
		return nil
	})
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation: operationGetOrCreateWallet,
		UserID:    userID,
		Outcome:   createdOutcome(result.Created),
		Error:     operationError,
	})
	return result, operationError
}

// Balance returns the wallet numbers, or zeros when the user has no wallet yet.
func (service *WalletService) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.String() == "" {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	wallet, err := service.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Balance:   wallet.Balance,
		Reserved:  wallet.BalanceReserved,
		Available: wallet.Available(),
	}, nil
}

// AddCredits increments the balance and appends a credit entry.
// A repeated idempotency key returns the stored entry unchanged.
func (service *WalletService) AddCredits(ctx context.Context, request CreditRequest) (Entry, error) {
	entry, _, err := service.addCredits(ctx, operationAddCredits, request)
	return entry, err
}

// DeductCredits decrements the balance and appends a debit entry.
func (service *WalletService) DeductCredits(ctx context.Context, request DebitRequest) (Entry, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationDeductCredits, userAttr(request.UserID), creditsAttr(request.Credits))
	var (
		entry    Entry
		replayed bool
	)
	operationError := validateDebitRequest(request)
	if operationError == nil {
		operationError = service.withReplayOnDuplicate(ctx, func(ctx context.Context, transactionStore Store) error {
			storedEntry, wasReplayed, err := service.deductLocked(ctx, transactionStore, request)
			if err != nil {
				return err
			}
			entry, replayed = storedEntry, wasReplayed
			return nil
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationDeductCredits,
		UserID:         request.UserID,
		ReservationID:  request.ReservationID,
		Credits:        request.Credits,
		IdempotencyKey: request.IdempotencyKey,
		Outcome:        replayOutcome(replayed),
		Metadata:       request.Metadata,
		Error:          operationError,
	})
	return entry, operationError
}

// EnsureWelcomeCredits grants the signup bonus once per user and reports whether it was granted now.
func (service *WalletService) EnsureWelcomeCredits(ctx context.Context, userID UserID, credits Credits) (bool, error) {
	if credits <= 0 {
		credits = DefaultWelcomeCredits
	}
	idempotencyKey, err := NewIdempotencyKey(welcomeCreditsKeyPrefix + userID.String())
	if err != nil {
		return false, err
	}
	operationCode, err := NewOperationCode(OperationCodeSignupBonus)
	if err != nil {
		return false, err
	}
	metadata, err := MetadataFromMap(map[string]any{"type": "welcome_credits"})
	if err != nil {
		return false, err
	}
	_, replayed, err := service.addCredits(ctx, operationWelcomeCredits, CreditRequest{
		UserID:         userID,
		Credits:        credits,
		OperationCode:  operationCode,
		IdempotencyKey: idempotencyKey,
		Description:    "Welcome credits",
		Metadata:       metadata,
	})
	if err != nil {
		return false, err
	}
	return !replayed, nil
}

// ListEntries returns the user's ledger entries, newest first.
func (service *WalletService) ListEntries(ctx context.Context, userID UserID, limit int, offset int) ([]Entry, error) {
	if userID.String() == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListEntries(ctx, userID, NormalizeListLimit(limit), offset)
}

// WalletUserIDs pages through wallet owners in user id order.
func (service *WalletService) WalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error) {
	return service.store.ListWalletUserIDs(ctx, afterUserID, NormalizeListLimit(limit))
}

// Reconcile compares the wallet balance with the ledger sum and optionally rewrites the balance.
func (service *WalletService) Reconcile(ctx context.Context, userID UserID, repair bool) (DriftReport, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationReconcile, userAttr(userID))
	report := DriftReport{UserID: userID}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		ledgerSum, err := transactionStore.SumCreditsDelta(ctx, userID)
		if err != nil {
			return err
		}
		report.LedgerSum = ledgerSum
		report.WalletBalance = wallet.Balance
		report.Drift = wallet.Balance.Int64() - ledgerSum
		if report.Drift == 0 || !repair {
			return nil
		}
		wallet.Balance = Credits(ledgerSum)
		if err := service.writeWallet(ctx, transactionStore, wallet); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Credits:   Credits(report.Drift),
		Outcome:   driftOutcome(report),
		Error:     operationError,
	})
	return report, operationError
}

func (service *WalletService) addCredits(ctx context.Context, operation string, request CreditRequest) (Entry, bool, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operation, userAttr(request.UserID), creditsAttr(request.Credits))
	var (
		entry    Entry
		replayed bool
	)
	operationError := validateCreditRequest(request)
	if operationError == nil {
		operationError = service.withReplayOnDuplicate(ctx, func(ctx context.Context, transactionStore Store) error {
			storedEntry, wasReplayed, err := service.creditLocked(ctx, transactionStore, request)
			if err != nil {
				return err
			}
			entry, replayed = storedEntry, wasReplayed
			return nil
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:      operation,
		UserID:         request.UserID,
		Credits:        request.Credits,
		IdempotencyKey: request.IdempotencyKey,
		Outcome:        replayOutcome(replayed),
		Metadata:       request.Metadata,
		Error:          operationError,
	})
	return entry, replayed, operationError
}

// withReplayOnDuplicate runs fn in a transaction and runs it once more when a concurrent
// writer won the idempotency key; the second pass finds the stored entry.
func (service *WalletService) withReplayOnDuplicate(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	return withReplayOn(ctx, service.store, ErrDuplicateIdempotencyKey, fn)
}

func withReplayOn(ctx context.Context, store Store, conflict error, fn func(ctx context.Context, transactionStore Store) error) error {
	err := store.WithTx(ctx, fn)
	if errors.Is(err, conflict) {
		return store.WithTx(ctx, fn)
	}
	return err
}

// lockOrCreateWallet is the tagged-result get-or-create used inside every mutation.
func (service *WalletService) lockOrCreateWallet(ctx context.Context, transactionStore Store, userID UserID) (WalletResult, error) {
	if userID.String() == "" {
		return WalletResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	created := false
	for attempt := 0; attempt <= walletCreateAttempts; attempt++ {
		wallet, err := transactionStore.LockWalletForUpdate(ctx, userID)
		if err == nil {
			return WalletResult{Created: created, Wallet: wallet}, nil
		}
		if !errors.Is(err, ErrWalletNotFound) {
			return WalletResult{}, err
		}
		if attempt == walletCreateAttempts {
			break
		}
		inserted, err := transactionStore.InsertWalletIfAbsent(ctx, userID, service.nowFn())
		if err != nil {
			return WalletResult{}, err
		}
		created = created || inserted
	}
	return WalletResult{}, WrapError("wallet", "wallet", "create_race", ErrWalletNotFound)
}

func (service *WalletService) creditLocked(ctx context.Context, transactionStore Store, request CreditRequest) (Entry, bool, error) {
	walletResult, err := service.lockOrCreateWallet(ctx, transactionStore, request.UserID)
	if err != nil {
		return Entry{}, false, err
	}
	if existing, found, err := findReplay(ctx, transactionStore, request.UserID, request.IdempotencyKey); err != nil || found {
		return existing, found, err
	}
	wallet := walletResult.Wallet
	wallet.Balance += request.Credits
	return service.appendEntry(ctx, transactionStore, wallet, Entry{
		UserID:         request.UserID,
		TxType:         TxTypeCredit,
		CreditsDelta:   request.Credits.Int64(),
		OperationCode:  request.OperationCode.String(),
		Description:    request.Description,
		JobID:          request.JobID,
		PaymentID:      request.PaymentID,
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       request.Metadata,
	})
}

func (service *WalletService) deductLocked(ctx context.Context, transactionStore Store, request DebitRequest) (Entry, bool, error) {
	walletResult, err := service.lockOrCreateWallet(ctx, transactionStore, request.UserID)
	if err != nil {
		return Entry{}, false, err
	}
	if existing, found, err := findReplay(ctx, transactionStore, request.UserID, request.IdempotencyKey); err != nil || found {
		return existing, found, err
	}
	wallet := walletResult.Wallet
	if wallet.Available() < request.Credits {
		return Entry{}, false, WrapError("wallet", "credits", "insufficient", ErrInsufficientCredits)
	}
	wallet.Balance -= request.Credits
	return service.appendEntry(ctx, transactionStore, wallet, Entry{
		UserID:         request.UserID,
		TxType:         TxTypeDebit,
		CreditsDelta:   -request.Credits.Int64(),
		OperationCode:  request.OperationCode.String(),
		Description:    request.Description,
		JobID:          request.JobID,
		ReservationID:  request.ReservationID,
		PaymentID:      request.PaymentID,
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       request.Metadata,
	})
}

// holdCredits moves credits from available into balance_reserved without a ledger entry.
// The wallet must already be locked by the caller.
func (service *WalletService) holdCredits(ctx context.Context, transactionStore Store, wallet Wallet, credits Credits) error {
	if wallet.Available() < credits {
		return WrapError("wallet", "credits", "insufficient", ErrInsufficientCredits)
	}
	wallet.BalanceReserved += credits
	return service.writeWallet(ctx, transactionStore, wallet)
}

// releaseHold returns held credits to available without a ledger entry.
func (service *WalletService) releaseHold(ctx context.Context, transactionStore Store, userID UserID, credits Credits) error {
	wallet, err := transactionStore.LockWalletForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	wallet.BalanceReserved -= credits
	return service.writeWallet(ctx, transactionStore, wallet)
}

// settleHold debits consumed credits and releases the whole hold in one wallet write.
// A ledger key already held by another entry fails with ErrLedgerKeyInUse.
func (service *WalletService) settleHold(ctx context.Context, transactionStore Store, reservation Reservation, consumed Credits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Entry, error) {
	wallet, err := transactionStore.LockWalletForUpdate(ctx, reservation.UserID)
	if err != nil {
		return Entry{}, err
	}
	_, keyTaken, err := findReplay(ctx, transactionStore, reservation.UserID, idempotencyKey)
	if err != nil {
		return Entry{}, err
	}
	if keyTaken {
		return Entry{}, WrapError("reservation", "ledger_key", "in_use", ErrLedgerKeyInUse)
	}
	wallet.Balance -= consumed
	wallet.BalanceReserved -= reservation.CreditsReserved
	operationCode := reservation.OperationCode
	if operationCode == "" {
		operationCode = OperationCodeReservation
	}
	entry, _, err := service.appendEntry(ctx, transactionStore, wallet, Entry{
		UserID:         reservation.UserID,
		TxType:         TxTypeDebit,
		CreditsDelta:   -consumed.Int64(),
		OperationCode:  operationCode,
		Description:    fmt.Sprintf("Reservation %s consumed", reservation.OperationID.String()),
		JobID:          reservation.JobID,
		ReservationID:  reservation.ID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	return entry, err
}

func (service *WalletService) appendEntry(ctx context.Context, transactionStore Store, wallet Wallet, entry Entry) (Entry, bool, error) {
	now := service.nowFn()
	entry.BalanceAfter = wallet.Balance
	entry.CreatedAt = now
	if err := entry.Validate(); err != nil {
		return Entry{}, false, err
	}
	if err := service.writeWallet(ctx, transactionStore, wallet); err != nil {
		return Entry{}, false, err
	}
	storedEntry, err := transactionStore.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, false, err
	}
	return storedEntry, false, nil
}

func (service *WalletService) writeWallet(ctx context.Context, transactionStore Store, wallet Wallet) error {
	if err := wallet.Validate(); err != nil {
		return err
	}
	wallet.UpdatedAt = service.nowFn()
	return transactionStore.UpdateWallet(ctx, wallet)
}

func findReplay(ctx context.Context, transactionStore Store, userID UserID, key IdempotencyKey) (Entry, bool, error) {
	if key.IsZero() {
		return Entry{}, false, nil
	}
	return transactionStore.FindEntryByIdempotencyKey(ctx, userID, key)
}

func validateCreditRequest(request CreditRequest) error {
	return validateMutation(request.UserID, request.Credits, request.OperationCode)
}

func validateDebitRequest(request DebitRequest) error {
	return validateMutation(request.UserID, request.Credits, request.OperationCode)
}

func validateMutation(userID UserID, credits Credits, operationCode OperationCode) error {
	if userID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if credits <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if operationCode.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidOperationCode)
	}
	return nil
}

// NormalizeListLimit clamps a page size to (0, MaxListLimit].
func NormalizeListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func createdOutcome(created bool) string {
	if created {
		return "created"
	}
	return "existing"
}

func replayOutcome(replayed bool) string {
	if replayed {
		return "replayed"
	}
	return "applied"
}

func driftOutcome(report DriftReport) string {
	switch {
	case report.Repaired:
		return "repaired"
	case report.Drift != 0:
		return "drift"
	}
	return "consistent"
}
