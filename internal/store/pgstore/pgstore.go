package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryReservationTx = "uniq_ledger_entries_reservation_tx"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectEntry            = "entry"
	errorSubjectReservation      = "reservation"
	errorSubjectCheckoutIntent   = "checkout_intent"
	errorSubjectPayment          = "payment"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"

	sqlWalletColumns = `id, user_id, balance, balance_reserved, created_at, updated_at`

	sqlSelectWallet = `select ` + sqlWalletColumns + ` from wallets where user_id = $1`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlInsertWalletIfAbsent = `
		insert into wallets(id, user_id, balance, balance_reserved, created_at, updated_at)
		values ($1, $2, 0, 0, $3, $3)
		on conflict (user_id) do nothing
	`

	sqlUpdateWallet = `
		update wallets set balance = $2, balance_reserved = $3, updated_at = $4
		where user_id = $1
	`

	sqlListWalletUserIDs = `
		select user_id from wallets where user_id > $1 order by user_id limit $2
	`

	sqlEntryColumns = `
		id, user_id, tx_type, credits_delta, balance_after, operation_code, description, job_id,
		reservation_id, payment_id, idempotency_key, metadata::text, created_at
	`

	sqlFindEntryByIdempotencyKey = `select ` + sqlEntryColumns + ` from ledger_entries where user_id = $1 and idempotency_key = $2`

	sqlFindDebitByReservation = `select ` + sqlEntryColumns + ` from ledger_entries where reservation_id = $1 and tx_type = 'debit'`

	sqlInsertEntry = `
		insert into ledger_entries(
			id, user_id, tx_type, credits_delta, balance_after, operation_code, description, job_id,
			reservation_id, payment_id, idempotency_key, metadata, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9,''), nullif($10,''), nullif($11,''), coalesce(nullif($12,''),'{}')::jsonb, $13)
	`

	sqlListEntries = `select ` + sqlEntryColumns + ` from ledger_entries where user_id = $1 order by created_at desc, id desc limit $2 offset $3`

	sqlSumCreditsDelta = `select coalesce(sum(credits_delta),0) from ledger_entries where user_id = $1`

	sqlReservationColumns = `
		id, user_id, credits_reserved, credits_consumed, operation_code, job_id, idempotency_key, status, reason,
		expires_at, consumed_at, released_at, expired_at, created_at, updated_at
	`

	sqlInsertReservation = `
		insert into reservations(
			id, user_id, credits_reserved, credits_consumed, operation_code, job_id, idempotency_key, status, reason,
			expires_at, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	sqlFindReservationByOperation = `select ` + sqlReservationColumns + ` from reservations where idempotency_key = $1`

	sqlLockReservationByOperation = sqlFindReservationByOperation + ` for update`

	sqlLockReservation = `select ` + sqlReservationColumns + ` from reservations where id = $1 for update`

	sqlUpdateReservation = `
		update reservations
		set status = $3, credits_consumed = $4, consumed_at = $5, released_at = $6, expired_at = $7, updated_at = $8
		where id = $1 and status = $2
	`

	sqlListExpiredReservations = `
		select ` + sqlReservationColumns + ` from reservations
		where status in ('pending','active') and expires_at <= $1
		order by expires_at
		limit $2
	`

	sqlListOpenReservations = `
		select ` + sqlReservationColumns + ` from reservations
		where user_id = $1 and status in ('pending','active')
		order by created_at
	`

	sqlCheckoutIntentColumns = `
		id, user_id, package_id, idempotency_key, status, provider, provider_session_id,
		credits_amount, price_cents, currency, completed_at, created_at
	`

	sqlLockCheckoutIntent = `select ` + sqlCheckoutIntentColumns + ` from checkout_intents where id = $1 for update`

	sqlListCompletedIntentsWithoutPayment = `
		select ` + sqlCheckoutIntentColumns + ` from checkout_intents ci
		where ci.status = 'completed'
		and not exists (select 1 from payments p where p.checkout_intent_id = ci.id)
		order by ci.id
		limit $1
	`

	sqlPaymentColumns = `
		id, user_id, checkout_intent_id, provider, status, amount_cents, currency, provider_payment_id,
		idempotency_key, credits_purchased, metadata::text, paid_at, created_at
	`

	sqlFindPaymentByIdempotencyKey = `select ` + sqlPaymentColumns + ` from payments where user_id = $1 and idempotency_key = $2`

	sqlLockPayment = `select ` + sqlPaymentColumns + ` from payments where id = $1 for update`

	sqlUpdatePaymentStatus = `update payments set status = $2 where id = $1 and status = $3`

	sqlInsertPayment = `
		insert into payments(
			id, user_id, checkout_intent_id, provider, status, amount_cents, currency, provider_payment_id,
			idempotency_key, credits_purchased, metadata, paid_at, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, coalesce(nullif($11,''),'{}')::jsonb, $12, $13)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool, or an open
// transaction when returned from WithTx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn in a transaction. Calls on a transaction-bound store join the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// Ping checks that the pool can reach the database.
func (store *Store) Ping(ctx context.Context) error {
	if store.pool == nil {
		return nil
	}
	return store.pool.Ping(ctx)
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.queryWallet(ctx, sqlSelectWallet, userID)
}

func (store *Store) LockWalletForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.queryWallet(ctx, sqlLockWallet, userID)
}

func (store *Store) queryWallet(ctx context.Context, query string, userID ledger.UserID) (ledger.Wallet, error) {
	var (
		walletID        string
		rawUserID       string
		balance         int64
		balanceReserved int64
		createdAt       time.Time
		updatedAt       time.Time
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(&walletID, &rawUserID, &balance, &balanceReserved, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	wallet := ledger.Wallet{
		ID:              walletID,
		UserID:          parsedUserID,
		Balance:         ledger.Credits(balance),
		BalanceReserved: ledger.Credits(balanceReserved),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if err := wallet.Validate(); err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) InsertWalletIfAbsent(ctx context.Context, userID ledger.UserID, now time.Time) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertWalletIfAbsent, uuid.NewString(), userID.String(), now.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectWallet, errorCodeInsert, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet, wallet.UserID.String(), wallet.Balance.Int64(), wallet.BalanceReserved.Int64(), wallet.UpdatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]ledger.UserID, error) {
	rows, err := store.db.Query(ctx, sqlListWalletUserIDs, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	rawUserIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
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
	return store.findEntry(ctx, sqlFindEntryByIdempotencyKey, userID.String(), key.String())
}

func (store *Store) FindDebitByReservation(ctx context.Context, reservationID string) (ledger.Entry, bool, error) {
	return store.findEntry(ctx, sqlFindDebitByReservation, reservationID)
}

func (store *Store) findEntry(ctx context.Context, query string, args ...any) (ledger.Entry, bool, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.ID,
		entry.UserID.String(),
		entry.TxType.String(),
		entry.CreditsDelta,
		entry.BalanceAfter.Int64(),
		entry.OperationCode,
		entry.Description,
		entry.JobID,
		entry.ReservationID,
		entry.PaymentID,
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedAt.UTC(),
	)
	if constraint, unique := uniqueViolation(err); unique {
		if constraint == constraintEntryReservationTx {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReservationDebit)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, userID.String(), limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumCreditsDelta(ctx context.Context, userID ledger.UserID) (int64, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumCreditsDelta, userID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return total, nil
}

func (store *Store) FindReservationByOperation(ctx context.Context, operationID ledger.OperationID) (ledger.Reservation, bool, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, sqlFindReservationByOperation, operationID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, false, nil
	}
	if err != nil {
		return ledger.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	return reservation, true, nil
}

func (store *Store) InsertReservation(ctx context.Context, reservation ledger.Reservation) (ledger.Reservation, error) {
	reservation.ID = uuid.NewString()
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ID,
		reservation.UserID.String(),
		reservation.CreditsReserved.Int64(),
		reservation.CreditsConsumed.Int64(),
		reservation.OperationCode,
		reservation.JobID,
		reservation.OperationID.String(),
		reservation.Status.String(),
		reservation.Reason,
		reservation.ExpiresAt.UTC(),
		reservation.CreatedAt.UTC(),
		reservation.UpdatedAt.UTC(),
	)
	if _, unique := uniqueViolation(err); unique {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	return reservation, nil
}

func (store *Store) LockReservationForUpdate(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	return store.lockReservation(ctx, sqlLockReservation, reservationID.String())
}

func (store *Store) LockReservationByOperation(ctx context.Context, operationID ledger.OperationID) (ledger.Reservation, error) {
	return store.lockReservation(ctx, sqlLockReservationByOperation, operationID.String())
}

func (store *Store) lockReservation(ctx context.Context, query string, key string) (ledger.Reservation, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservation(ctx context.Context, reservation ledger.Reservation, from ledger.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservation,
		reservation.ID,
		from.String(),
		reservation.Status.String(),
		reservation.CreditsConsumed.Int64(),
		reservation.ConsumedAt,
		reservation.ReleasedAt,
		reservation.ExpiredAt,
		reservation.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	return store.listReservations(ctx, sqlListExpiredReservations, now.UTC(), limit)
}

func (store *Store) ListOpenReservations(ctx context.Context, userID ledger.UserID) ([]ledger.Reservation, error) {
	return store.listReservations(ctx, sqlListOpenReservations, userID.String())
}

func (store *Store) listReservations(ctx context.Context, query string, args ...any) ([]ledger.Reservation, error) {
	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	var reservations []ledger.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) LockCheckoutIntent(ctx context.Context, intentID int64) (ledger.CheckoutIntent, error) {
	intent, err := scanCheckoutIntent(store.db.QueryRow(ctx, sqlLockCheckoutIntent, intentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CheckoutIntent{}, wrapStoreError(errorSubjectCheckoutIntent, errorCodeLock, ledger.ErrUnknownCheckoutIntent)
		}
		return ledger.CheckoutIntent{}, wrapStoreError(errorSubjectCheckoutIntent, errorCodeLock, err)
	}
	return intent, nil
}

func (store *Store) ListCompletedIntentsWithoutPayment(ctx context.Context, limit int) ([]ledger.CheckoutIntent, error) {
	rows, err := store.db.Query(ctx, sqlListCompletedIntentsWithoutPayment, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCheckoutIntent, errorCodeList, err)
	}
	defer rows.Close()
	var intents []ledger.CheckoutIntent
	for rows.Next() {
		intent, err := scanCheckoutIntent(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCheckoutIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCheckoutIntent, errorCodeList, err)
	}
	return intents, nil
}

func (store *Store) FindPaymentByIdempotencyKey(ctx context.Context, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Payment, bool, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlFindPaymentByIdempotencyKey, userID.String(), key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Payment{}, false, nil
	}
	if err != nil {
		return ledger.Payment{}, false, wrapStoreError(errorSubjectPayment, errorCodeLookup, err)
	}
	return payment, true, nil
}

func (store *Store) LockPaymentForUpdate(ctx context.Context, paymentID string) (ledger.Payment, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlLockPayment, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeLock, ledger.ErrUnknownPayment)
	}
	if err != nil {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeLock, err)
	}
	return payment, nil
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, status ledger.PaymentStatus, from ledger.PaymentStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePaymentStatus, paymentID, status.String(), from.String())
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, ledger.ErrInvalidPaymentState)
	}
	return nil
}

func (store *Store) InsertPayment(ctx context.Context, payment ledger.Payment) (ledger.Payment, error) {
	payment.ID = uuid.NewString()
	_, err := store.db.Exec(ctx, sqlInsertPayment,
		payment.ID,
		payment.UserID.String(),
		payment.CheckoutIntentID,
		payment.Provider.String(),
		payment.Status.String(),
		payment.AmountCents,
		payment.Currency,
		payment.ProviderPaymentID,
		payment.IdempotencyKey.String(),
		payment.CreditsPurchased.Int64(),
		payment.Metadata.String(),
		payment.PaidAt.UTC(),
		payment.CreatedAt.UTC(),
	)
	if _, unique := uniqueViolation(err); unique {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrDuplicatePayment)
	}
	if err != nil {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return payment, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func scanPayment(row pgx.Row) (ledger.Payment, error) {
	var (
		payment     ledger.Payment
		rawUserID   string
		provider    string
		status      string
		rawKey      string
		credits     int64
		rawMetadata string
	)
	err := row.Scan(
		&payment.ID,
		&rawUserID,
		&payment.CheckoutIntentID,
		&provider,
		&status,
		&payment.AmountCents,
		&payment.Currency,
		&payment.ProviderPaymentID,
		&rawKey,
		&credits,
		&rawMetadata,
		&payment.PaidAt,
		&payment.CreatedAt,
	)
	if err != nil {
		return ledger.Payment{}, err
	}
	if payment.UserID, err = ledger.NewUserID(rawUserID); err != nil {
		return ledger.Payment{}, err
	}
	if payment.IdempotencyKey, err = ledger.NewIdempotencyKey(rawKey); err != nil {
		return ledger.Payment{}, err
	}
	if payment.Metadata, err = ledger.NewMetadataJSON(rawMetadata); err != nil {
		return ledger.Payment{}, err
	}
	if payment.Status, err = ledger.ParsePaymentStatus(status); err != nil {
		return ledger.Payment{}, err
	}
	payment.Provider = ledger.ResolvePaymentProvider(provider)
	payment.CreditsPurchased = ledger.Credits(credits)
	return payment, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entry          ledger.Entry
		rawUserID      string
		rawTxType      string
		balanceAfter   int64
		reservationID  *string
		paymentID      *string
		idempotencyKey *string
		rawMetadata    string
	)
	err := row.Scan(
		&entry.ID,
		&rawUserID,
		&rawTxType,
		&entry.CreditsDelta,
		&balanceAfter,
		&entry.OperationCode,
		&entry.Description,
		&entry.JobID,
		&reservationID,
		&paymentID,
		&idempotencyKey,
		&rawMetadata,
		&entry.CreatedAt,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	if entry.UserID, err = ledger.NewUserID(rawUserID); err != nil {
		return ledger.Entry{}, err
	}
	if entry.TxType, err = ledger.ParseTxType(rawTxType); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Metadata, err = ledger.NewMetadataJSON(rawMetadata); err != nil {
		return ledger.Entry{}, err
	}
	entry.BalanceAfter = ledger.Credits(balanceAfter)
	entry.ReservationID = stringOrEmpty(reservationID)
	entry.PaymentID = stringOrEmpty(paymentID)
	entry.IdempotencyKey = ledger.OptionalIdempotencyKey(stringOrEmpty(idempotencyKey))
	return entry, nil
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		reservation     ledger.Reservation
		rawUserID       string
		creditsReserved int64
		creditsConsumed int64
		rawOperationID  string
		rawStatus       string
	)
	err := row.Scan(
		&reservation.ID,
		&rawUserID,
		&creditsReserved,
		&creditsConsumed,
		&reservation.OperationCode,
		&reservation.JobID,
		&rawOperationID,
		&rawStatus,
		&reservation.Reason,
		&reservation.ExpiresAt,
		&reservation.ConsumedAt,
		&reservation.ReleasedAt,
		&reservation.ExpiredAt,
		&reservation.CreatedAt,
		&reservation.UpdatedAt,
	)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.UserID, err = ledger.NewUserID(rawUserID); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.OperationID, err = ledger.NewOperationID(rawOperationID); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.CreditsReserved, err = ledger.NewCredits(creditsReserved); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.Status, err = ledger.ParseReservationStatus(rawStatus); err != nil {
		return ledger.Reservation{}, err
	}
	reservation.CreditsConsumed = ledger.Credits(creditsConsumed)
	return reservation, nil
}

func scanCheckoutIntent(row pgx.Row) (ledger.CheckoutIntent, error) {
	var (
		intent    ledger.CheckoutIntent
		rawUserID string
		rawStatus string
	)
	err := row.Scan(
		&intent.ID,
		&rawUserID,
		&intent.PackageID,
		&intent.IdempotencyKey,
		&rawStatus,
		&intent.Provider,
		&intent.ProviderSessionID,
		&intent.CreditsAmount,
		&intent.PriceCents,
		&intent.Currency,
		&intent.CompletedAt,
		&intent.CreatedAt,
	)
	if err != nil {
		return ledger.CheckoutIntent{}, err
	}
	if intent.UserID, err = ledger.NewUserID(rawUserID); err != nil {
		return ledger.CheckoutIntent{}, err
	}
	if intent.Status, err = ledger.ParseCheckoutStatus(rawStatus); err != nil {
		return ledger.CheckoutIntent{}, err
	}
	intent.Currency = strings.TrimSpace(intent.Currency)
	return intent, nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
