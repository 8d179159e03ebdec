package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	sqliteUniqueMarker           = "UNIQUE"
	mysqlDuplicateEntryNumber    = 1062
	indexEntryReservationTx      = "uniq_ledger_entries_reservation_tx"
	sqliteReservationColumn      = "ledger_entries.reservation_id"
	mysqlDuplicateKeyMarker      = " for key "
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectEntry            = "entry"
	errorSubjectReservation      = "reservation"
	errorSubjectCheckoutIntent   = "checkout_intent"
	errorSubjectPayment          = "payment"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
	columnUserID                 = "user_id"
	orderCreatedDescending       = "created_at DESC"
	lockingStrengthUpdate        = "UPDATE"
	whereNoPaymentForIntent      = "NOT EXISTS (SELECT 1 FROM payments WHERE payments.checkout_intent_id = checkout_intents.id)"
	selectCreditsDeltaTotalQuery = "coalesce(sum(credits_delta),0) as total"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ping checks that the underlying connection pool is reachable.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates or updates the ledger tables.
func (store *Store) Migrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx), userID)
}

func (store *Store) LockWalletForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockingStrengthUpdate}), userID)
}

func (store *Store) findWallet(query *gorm.DB, userID ledger.UserID) (ledger.Wallet, error) {
	var model Wallet
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) InsertWalletIfAbsent(ctx context.Context, userID ledger.UserID, now time.Time) (bool, error) {
	model := Wallet{UserID: userID.String(), CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnUserID}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		if _, unique := uniqueViolation(result.Error); unique {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectWallet, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", wallet.UserID.String()).
		Updates(map[string]any{
			"balance":          wallet.Balance.Int64(),
			"balance_reserved": wallet.BalanceReserved.Int64(),
			"updated_at":       wallet.UpdatedAt.UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]ledger.UserID, error) {
	var rawUserIDs []string
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id > ?", afterUserID).
		Order(columnUserID).
		Limit(limit).
		Pluck(columnUserID, &rawUserIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	userIDs := make([]ledger.UserID, 0, len(rawUserIDs))
	for _, rawUserID := range rawUserIDs {
		userID, err := ledger.NewUserID(rawUserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).
		Take(&row).Error
	return store.foundEntry(row, err)
}

func (store *Store) FindDebitByReservation(ctx context.Context, reservationID string) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("reservation_id = ? AND tx_type = ?", reservationID, ledger.TxTypeDebit.String()).
		Take(&row).Error
	return store.foundEntry(row, err)
}

func (store *Store) foundEntry(row LedgerEntry, err error) (ledger.Entry, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	row := LedgerEntry{
		UserID:         entry.UserID.String(),
		TxType:         entry.TxType.String(),
		CreditsDelta:   entry.CreditsDelta,
		BalanceAfter:   entry.BalanceAfter.Int64(),
		OperationCode:  entry.OperationCode,
		Description:    entry.Description,
		JobID:          entry.JobID,
		ReservationID:  optionalString(entry.ReservationID),
		PaymentID:      optionalString(entry.PaymentID),
		IdempotencyKey: optionalString(entry.IdempotencyKey.String()),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      entry.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if target, unique := uniqueViolation(err); unique {
		if isReservationDebitConflict(target) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReservationDebit)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.ID = row.ID
	entry.CreatedAt = row.CreatedAt
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order(orderCreatedDescending).
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumCreditsDelta(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select(selectCreditsDeltaTotalQuery).
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) FindReservationByOperation(ctx context.Context, operationID ledger.OperationID) (ledger.Reservation, bool, error) {
	reservation, err := store.findReservation(store.db.WithContext(ctx).Where("idempotency_key = ?", operationID.String()))
	if errors.Is(err, ledger.ErrUnknownReservation) {
		return ledger.Reservation{}, false, nil
	}
	if err != nil {
		return ledger.Reservation{}, false, err
	}
	return reservation, true, nil
}

func (store *Store) InsertReservation(ctx context.Context, reservation ledger.Reservation) (ledger.Reservation, error) {
	model := Reservation{
		UserID:          reservation.UserID.String(),
		CreditsReserved: reservation.CreditsReserved.Int64(),
		CreditsConsumed: reservation.CreditsConsumed.Int64(),
		OperationCode:   reservation.OperationCode,
		JobID:           reservation.JobID,
		IdempotencyKey:  reservation.OperationID.String(),
		Status:          reservation.Status.String(),
		Reason:          reservation.Reason,
		ExpiresAt:       reservation.ExpiresAt.UTC(),
		CreatedAt:       reservation.CreatedAt.UTC(),
		UpdatedAt:       reservation.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if _, unique := uniqueViolation(err); unique {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	reservation.ID = model.ID
	return reservation, nil
}

func (store *Store) LockReservationForUpdate(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	return store.findReservation(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("id = ?", reservationID.String()))
}

func (store *Store) LockReservationByOperation(ctx context.Context, operationID ledger.OperationID) (ledger.Reservation, error) {
	return store.findReservation(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("idempotency_key = ?", operationID.String()))
}

func (store *Store) findReservation(query *gorm.DB) (ledger.Reservation, error) {
	var model Reservation
	err := query.Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservation(ctx context.Context, reservation ledger.Reservation, from ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("id = ? AND status = ?", reservation.ID, from.String()).
		Updates(map[string]any{
			"status":           reservation.Status.String(),
			"credits_consumed": reservation.CreditsConsumed.Int64(),
			"consumed_at":      utcPointer(reservation.ConsumedAt),
			"released_at":      utcPointer(reservation.ReleasedAt),
			"expired_at":       utcPointer(reservation.ExpiredAt),
			"updated_at":       reservation.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	var models []Reservation
	err := store.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", openStatuses(), now.UTC()).
		Order("expires_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapReservations(models)
}

func (store *Store) ListOpenReservations(ctx context.Context, userID ledger.UserID) ([]ledger.Reservation, error) {
	var models []Reservation
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID.String(), openStatuses()).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapReservations(models)
}

func (store *Store) LockCheckoutIntent(ctx context.Context, intentID int64) (ledger.CheckoutIntent, error) {
	var model CheckoutIntent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("id = ?", intentID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.CheckoutIntent{}, wrapStoreError(errorSubjectCheckoutIntent, errorCodeLock, ledger.ErrUnknownCheckoutIntent)
		}
		return ledger.CheckoutIntent{}, wrapStoreError(errorSubjectCheckoutIntent, errorCodeLock, err)
	}
	intent, err := mapCheckoutIntent(model)
	if err != nil {
		return ledger.CheckoutIntent{}, wrapStoreError(errorSubjectCheckoutIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *Store) ListCompletedIntentsWithoutPayment(ctx context.Context, limit int) ([]ledger.CheckoutIntent, error) {
	var models []CheckoutIntent
	err := store.db.WithContext(ctx).
		Where("status = ?", ledger.CheckoutStatusCompleted.String()).
		Where(whereNoPaymentForIntent).
		Order("id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCheckoutIntent, errorCodeList, err)
	}
	intents := make([]ledger.CheckoutIntent, 0, len(models))
	for _, model := range models {
		intent, err := mapCheckoutIntent(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCheckoutIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (store *Store) FindPaymentByIdempotencyKey(ctx context.Context, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Payment, bool, error) {
	var model Payment
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Payment{}, false, nil
	}
	if err != nil {
		return ledger.Payment{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, err)
	}
	payment, err := mapPayment(model)
	if err != nil {
		return ledger.Payment{}, false, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, true, nil
}

func (store *Store) InsertPayment(ctx context.Context, payment ledger.Payment) (ledger.Payment, error) {
	model := Payment{
		UserID:            payment.UserID.String(),
		CheckoutIntentID:  payment.CheckoutIntentID,
		Provider:          payment.Provider.String(),
		Status:            payment.Status.String(),
		AmountCents:       payment.AmountCents,
		Currency:          payment.Currency,
		ProviderPaymentID: payment.ProviderPaymentID,
		IdempotencyKey:    payment.IdempotencyKey.String(),
		CreditsPurchased:  payment.CreditsPurchased.Int64(),
		Metadata:          datatypesJSON(payment.Metadata.String()),
		PaidAt:            payment.PaidAt.UTC(),
		CreatedAt:         payment.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if _, unique := uniqueViolation(err); unique {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrDuplicatePayment)
	}
	if err != nil {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	payment.ID = model.ID
	return payment, nil
}

func (store *Store) LockPaymentForUpdate(ctx context.Context, paymentID string) (ledger.Payment, error) {
	var model Payment
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("id = ?", paymentID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeLock, ledger.ErrUnknownPayment)
		}
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeLock, err)
	}
	payment, err := mapPayment(model)
	if err != nil {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, status ledger.PaymentStatus, from ledger.PaymentStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("id = ? AND status = ?", paymentID, from.String()).
		Update("status", status.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, ledger.ErrInvalidPaymentState)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func openStatuses() []string {
	statuses := ledger.OpenReservationStatuses()
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	wallet := ledger.Wallet{
		ID:              model.ID,
		UserID:          userID,
		Balance:         ledger.Credits(model.Balance),
		BalanceReserved: ledger.Credits(model.BalanceReserved),
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
	if err := wallet.Validate(); err != nil {
		return ledger.Wallet{}, err
	}
	return wallet, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	txType, err := ledger.ParseTxType(row.TxType)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:             row.ID,
		UserID:         userID,
		TxType:         txType,
		CreditsDelta:   row.CreditsDelta,
		BalanceAfter:   ledger.Credits(row.BalanceAfter),
		OperationCode:  row.OperationCode,
		Description:    row.Description,
		JobID:          row.JobID,
		ReservationID:  stringOrEmpty(row.ReservationID),
		PaymentID:      stringOrEmpty(row.PaymentID),
		IdempotencyKey: ledger.OptionalIdempotencyKey(stringOrEmpty(row.IdempotencyKey)),
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func mapReservations(models []Reservation) ([]ledger.Reservation, error) {
	reservations := make([]ledger.Reservation, 0, len(models))
	for _, model := range models {
		reservation, err := mapReservation(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	operationID, err := ledger.NewOperationID(model.IdempotencyKey)
	if err != nil {
		return ledger.Reservation{}, err
	}
	creditsReserved, err := ledger.NewCredits(model.CreditsReserved)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ID:              model.ID,
		UserID:          userID,
		CreditsReserved: creditsReserved,
		CreditsConsumed: ledger.Credits(model.CreditsConsumed),
		OperationCode:   model.OperationCode,
		JobID:           model.JobID,
		OperationID:     operationID,
		Status:          status,
		Reason:          model.Reason,
		ExpiresAt:       model.ExpiresAt,
		ConsumedAt:      model.ConsumedAt,
		ReleasedAt:      model.ReleasedAt,
		ExpiredAt:       model.ExpiredAt,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}, nil
}

func mapCheckoutIntent(model CheckoutIntent) (ledger.CheckoutIntent, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.CheckoutIntent{}, err
	}
	status, err := ledger.ParseCheckoutStatus(model.Status)
	if err != nil {
		return ledger.CheckoutIntent{}, err
	}
	return ledger.CheckoutIntent{
		ID:                model.ID,
		UserID:            userID,
		PackageID:         model.PackageID,
		IdempotencyKey:    model.IdempotencyKey,
		Status:            status,
		Provider:          model.Provider,
		ProviderSessionID: model.ProviderSessionID,
		CreditsAmount:     model.CreditsAmount,
		PriceCents:        model.PriceCents,
		Currency:          model.Currency,
		CompletedAt:       model.CompletedAt,
		CreatedAt:         model.CreatedAt,
	}, nil
}

func mapPayment(model Payment) (ledger.Payment, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Payment{}, err
	}
	key, err := ledger.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return ledger.Payment{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.Payment{}, err
	}
	status, err := ledger.ParsePaymentStatus(model.Status)
	if err != nil {
		return ledger.Payment{}, err
	}
	return ledger.Payment{
		ID:                model.ID,
		UserID:            userID,
		CheckoutIntentID:  model.CheckoutIntentID,
		Provider:          ledger.ResolvePaymentProvider(model.Provider),
		Status:            status,
		AmountCents:       model.AmountCents,
		Currency:          model.Currency,
		ProviderPaymentID: model.ProviderPaymentID,
		IdempotencyKey:    key,
		CreditsPurchased:  ledger.Credits(model.CreditsPurchased),
		Metadata:          metadata,
		PaidAt:            model.PaidAt,
		CreatedAt:         model.CreatedAt,
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isReservationDebitConflict matches the index name reported by postgres and mysql or the
// column list sqlite reports for the reservation debit index.
func isReservationDebitConflict(target string) bool {
	return strings.Contains(target, indexEntryReservationTx) || strings.Contains(target, sqliteReservationColumn)
}

// uniqueViolation reports whether err is a unique-constraint failure and returns the
// constraint it hit: the constraint name on postgres, the key name on mysql and the
// column list on sqlite. Duplicate values never appear in the result.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		message := sqliteErr.Error()
		return message, sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(message, sqliteUniqueMarker)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlDuplicateKeyName(mysqlErr.Message), mysqlErr.Number == mysqlDuplicateEntryNumber
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}

// mysqlDuplicateKeyName extracts the key from "Duplicate entry '<value>' for key '<key>'".
func mysqlDuplicateKeyName(message string) string {
	index := strings.LastIndex(message, mysqlDuplicateKeyMarker)
	if index < 0 {
		return ""
	}
	return strings.Trim(message[index+len(mysqlDuplicateKeyMarker):], "'` ")
}
