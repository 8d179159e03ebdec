package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/storetest"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var storeTestTime = time.Date(2026, time.January, 14, 12, 0, 0, 0, time.UTC)

func openSQLiteStore(test *testing.T) (*Store, *gorm.DB) {
	test.Helper()
	path := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := New(db)
	require.NoError(test, store.Migrate(context.Background()))
	return store, db
}

func TestStoreConformanceSQLite(test *testing.T) {
	storetest.Run(test, func(test *testing.T) storetest.Harness {
		store, db := openSQLiteStore(test)
		return storetest.Harness{
			Store: store,
			SeedIntent: func(test *testing.T, intent ledger.CheckoutIntent) int64 {
				test.Helper()
				model := CheckoutIntent{
					UserID:            intent.UserID.String(),
					PackageID:         intent.PackageID,
					IdempotencyKey:    intent.IdempotencyKey,
					Status:            intent.Status.String(),
					Provider:          intent.Provider,
					ProviderSessionID: intent.ProviderSessionID,
					CreditsAmount:     intent.CreditsAmount,
					PriceCents:        intent.PriceCents,
					Currency:          intent.Currency,
					CompletedAt:       utcPointer(intent.CompletedAt),
					CreatedAt:         intent.CreatedAt.UTC(),
				}
				require.NoError(test, db.Create(&model).Error)
				return model.ID
			},
		}
	})
}

func TestWalletCheckConstraintRejectsOverReservation(test *testing.T) {
	store, db := openSQLiteStore(test)
	userID, err := ledger.NewUserID("user-check")
	require.NoError(test, err)
	_, err = store.InsertWalletIfAbsent(context.Background(), userID, storeTestTime)
	require.NoError(test, err)
	err = db.Model(&Wallet{}).Where("user_id = ?", userID.String()).Updates(map[string]any{"balance": 1, "balance_reserved": 2}).Error
	require.Error(test, err, "the database must enforce balance_reserved <= balance")
}

func TestInsertWalletIfAbsentReportsExisting(test *testing.T) {
	store, _ := openSQLiteStore(test)
	userID, err := ledger.NewUserID("user-race")
	require.NoError(test, err)
	inserted, err := store.InsertWalletIfAbsent(context.Background(), userID, storeTestTime)
	require.NoError(test, err)
	require.True(test, inserted)
	inserted, err = store.InsertWalletIfAbsent(context.Background(), userID, storeTestTime)
	require.NoError(test, err)
	require.False(test, inserted)
}

func TestUpdateReservationRequiresExpectedStatus(test *testing.T) {
	store, _ := openSQLiteStore(test)
	err := store.UpdateReservation(context.Background(), ledger.Reservation{ID: "missing", Status: ledger.ReservationStatusCancelled}, ledger.ReservationStatusActive)
	require.ErrorIs(test, err, ledger.ErrReservationClosed)
}

func TestUniqueViolationDetection(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		wantUnique bool
		wantTarget string
	}{
		{name: "nil", err: nil},
		{name: "postgres", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "uniq_ledger_entries_reservation_tx"}, wantUnique: true, wantTarget: "uniq_ledger_entries_reservation_tx"},
		{name: "postgres_check", err: &pgconn.PgError{Code: "23514", ConstraintName: "chk_wallets_reserved_bounds"}, wantTarget: "chk_wallets_reserved_bounds"},
		{name: "mysql", err: &mysql.MySQLError{Number: mysqlDuplicateEntryNumber, Message: "Duplicate entry 'a-b' for key 'ledger_entries.uniq_ledger_entries_user_idem'"}, wantUnique: true, wantTarget: "ledger_entries.uniq_ledger_entries_user_idem"},
		{name: "mysql_value_mentions_reservation", err: &mysql.MySQLError{Number: mysqlDuplicateEntryNumber, Message: "Duplicate entry 'u1-reservation-7' for key 'uniq_ledger_entries_user_idem'"}, wantUnique: true, wantTarget: "uniq_ledger_entries_user_idem"},
		{name: "gorm_translated", err: fmt.Errorf("create: %w", gorm.ErrDuplicatedKey), wantUnique: true},
		{name: "other", err: errors.New("connection refused")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			target, unique := uniqueViolation(testCase.err)
			require.Equal(test, testCase.wantUnique, unique)
			require.Equal(test, testCase.wantTarget, target)
		})
	}
}

func TestReservationDebitConflictIgnoresDuplicateValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "postgres_reservation_index", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "uniq_ledger_entries_reservation_tx"}, want: true},
		{name: "mysql_reservation_index", err: &mysql.MySQLError{Number: mysqlDuplicateEntryNumber, Message: "Duplicate entry 'r-1-debit' for key 'ledger_entries.uniq_ledger_entries_reservation_tx'"}, want: true},
		{name: "mysql_key_named_like_reservation", err: &mysql.MySQLError{Number: mysqlDuplicateEntryNumber, Message: "Duplicate entry 'user-1-reservation-7' for key 'ledger_entries.uniq_ledger_entries_user_idem'"}, want: false},
		{name: "postgres_idempotency_index", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "uniq_ledger_entries_user_idem"}, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			target, unique := uniqueViolation(testCase.err)
			require.True(test, unique)
			require.Equal(test, testCase.want, isReservationDebitConflict(target))
		})
	}
}

func TestInsertEntryReplaysKeyMentioningReservation(test *testing.T) {
	store, _ := openSQLiteStore(test)
	wallets, err := ledger.NewWalletService(store, func() time.Time { return storeTestTime })
	require.NoError(test, err)
	userID, err := ledger.NewUserID("user-key")
	require.NoError(test, err)
	code, err := ledger.NewOperationCode("TOPUP")
	require.NoError(test, err)
	key, err := ledger.NewIdempotencyKey("reservation-7")
	require.NoError(test, err)
	request := ledger.CreditRequest{UserID: userID, Credits: 3, OperationCode: code, IdempotencyKey: key}

	first, err := wallets.AddCredits(context.Background(), request)
	require.NoError(test, err)
	err = store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		_, insertErr := txStore.InsertEntry(ctx, ledger.Entry{
			UserID:         userID,
			TxType:         ledger.TxTypeCredit,
			CreditsDelta:   3,
			BalanceAfter:   6,
			OperationCode:  code.String(),
			IdempotencyKey: key,
			CreatedAt:      storeTestTime,
		})
		return insertErr
	})
	require.ErrorIs(test, err, ledger.ErrDuplicateIdempotencyKey)
	second, err := wallets.AddCredits(context.Background(), request)
	require.NoError(test, err)
	require.Equal(test, first.ID, second.ID)
}
