package grpcserver

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ledgerTestTime = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type ledgerHarness struct {
	client  *LedgerClient
	wallets *ledger.WalletService
	db      *gorm.DB
}

func newLedgerHarness(test *testing.T) ledgerHarness {
	test.Helper()
	path := filepath.Join(test.TempDir(), "grpc.db")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })

	store := gormstore.New(db)
	require.NoError(test, store.Migrate(context.Background()))
	clock := func() time.Time { return ledgerTestTime }
	wallets, err := ledger.NewWalletService(store, clock)
	require.NoError(test, err)
	reservations, err := ledger.NewReservationService(wallets)
	require.NoError(test, err)
	checkout, err := ledger.NewCheckoutService(wallets)
	require.NoError(test, err)
	service, err := NewLedgerService(wallets, reservations, checkout)
	require.NoError(test, err)

	server := New(store, time.Hour, zap.NewNop())
	server.RegisterLedger(service)
	listener := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	test.Cleanup(func() {
		cancel()
		require.NoError(test, <-done)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(test, err)
	test.Cleanup(func() { _ = conn.Close() })
	return ledgerHarness{client: NewLedgerClient(conn), wallets: wallets, db: db}
}

func (harness ledgerHarness) topUp(test *testing.T, userID string, credits int64) {
	test.Helper()
	user, err := ledger.NewUserID(userID)
	require.NoError(test, err)
	operationCode, err := ledger.NewOperationCode("TOPUP")
	require.NoError(test, err)
	_, err = harness.wallets.AddCredits(context.Background(), ledger.CreditRequest{
		UserID:        user,
		Credits:       ledger.Credits(credits),
		OperationCode: operationCode,
	})
	require.NoError(test, err)
}

func requireStatus(test *testing.T, err error, wantCode codes.Code, wantMessage string) {
	test.Helper()
	require.Error(test, err)
	converted := status.Convert(err)
	require.Equal(test, wantCode, converted.Code(), converted.Message())
	if wantMessage != "" {
		require.Equal(test, wantMessage, converted.Message())
	}
}

func TestLedgerReservationLifecycleOverGRPC(test *testing.T) {
	harness := newLedgerHarness(test)
	ctx := context.Background()
	harness.topUp(test, "user-1", 10)

	balance, err := harness.client.Balance(ctx, &BalanceRequest{UserID: "user-1"})
	require.NoError(test, err)
	require.Equal(test, &BalanceResponse{UserID: "user-1", Balance: 10, Reserved: 0, Available: 10}, balance)

	created, err := harness.client.CreateReservation(ctx, &CreateReservationRequest{UserID: "user-1", Credits: 4, OperationID: "job-1", TTLSeconds: 60})
	require.NoError(test, err)
	require.Equal(test, string(ledger.ReservationOutcomeCreated), created.Outcome)
	require.Equal(test, "active", created.Status)

	replayed, err := harness.client.CreateReservation(ctx, &CreateReservationRequest{UserID: "user-1", Credits: 4, OperationID: "job-1"})
	require.NoError(test, err)
	require.Equal(test, string(ledger.ReservationOutcomeExisting), replayed.Outcome)
	require.Equal(test, created.ReservationID, replayed.ReservationID)

	consumed, err := harness.client.ConsumeReservation(ctx, &ConsumeReservationRequest{OperationID: "job-1", ActualCredits: 3})
	require.NoError(test, err)
	require.Equal(test, string(ledger.ReservationOutcomeConsumed), consumed.Outcome)
	require.NotEmpty(test, consumed.EntryID)
	require.EqualValues(test, 3, consumed.CreditsConsumed)

	again, err := harness.client.ConsumeReservation(ctx, &ConsumeReservationRequest{OperationID: "job-1"})
	require.NoError(test, err)
	require.Equal(test, string(ledger.ReservationOutcomeAlreadyConsumed), again.Outcome)

	balance, err = harness.client.Balance(ctx, &BalanceRequest{UserID: "user-1"})
	require.NoError(test, err)
	require.EqualValues(test, 7, balance.Balance)
	require.EqualValues(test, 0, balance.Reserved)
}

func TestLedgerErrorsMapToStatusCodes(test *testing.T) {
	harness := newLedgerHarness(test)
	ctx := context.Background()
	harness.topUp(test, "user-2", 5)

	_, err := harness.client.Balance(ctx, &BalanceRequest{UserID: "  "})
	requireStatus(test, err, codes.InvalidArgument, "invalid_user_id")

	_, err = harness.client.ConsumeReservation(ctx, &ConsumeReservationRequest{OperationID: "missing-op"})
	requireStatus(test, err, codes.NotFound, "unknown_reservation")

	_, err = harness.client.CreateReservation(ctx, &CreateReservationRequest{UserID: "user-2", Credits: 6, OperationID: "too-much"})
	requireStatus(test, err, codes.FailedPrecondition, "insufficient_credits")

	_, err = harness.client.CreateReservation(ctx, &CreateReservationRequest{UserID: "user-2", Credits: 1, OperationID: "long-ttl", TTLSeconds: 1 << 40})
	requireStatus(test, err, codes.InvalidArgument, "invalid_ttl")

	_, err = harness.client.FinalizeCheckout(ctx, &FinalizeCheckoutRequest{IntentID: 999})
	requireStatus(test, err, codes.NotFound, "unknown_checkout_intent")

	_, err = harness.client.FinalizeCheckout(ctx, &FinalizeCheckoutRequest{IntentID: 0})
	requireStatus(test, err, codes.InvalidArgument, "invalid_checkout_intent_id")

	_, err = harness.client.RefundPayment(ctx, &RefundPaymentRequest{RefundID: "re_1", PaymentID: "missing"})
	requireStatus(test, err, codes.NotFound, "unknown_payment")

	balance, err := harness.client.Balance(ctx, &BalanceRequest{UserID: "user-2"})
	require.NoError(test, err)
	require.EqualValues(test, 5, balance.Available)
}

func TestLedgerConsumeReportsTakenLedgerKey(test *testing.T) {
	harness := newLedgerHarness(test)
	ctx := context.Background()
	harness.topUp(test, "user-3", 10)
	user, err := ledger.NewUserID("user-3")
	require.NoError(test, err)
	operationCode, err := ledger.NewOperationCode("RENDER")
	require.NoError(test, err)
	_, err = harness.wallets.DeductCredits(ctx, ledger.DebitRequest{
		UserID:         user,
		Credits:        1,
		OperationCode:  operationCode,
		IdempotencyKey: ledger.OptionalIdempotencyKey("job-9:consume"),
	})
	require.NoError(test, err)
	_, err = harness.client.CreateReservation(ctx, &CreateReservationRequest{UserID: "user-3", Credits: 4, OperationID: "job-9"})
	require.NoError(test, err)

	_, err = harness.client.ConsumeReservation(ctx, &ConsumeReservationRequest{OperationID: "job-9"})
	requireStatus(test, err, codes.FailedPrecondition, "ledger_key_in_use")

	consumed, err := harness.client.ConsumeReservation(ctx, &ConsumeReservationRequest{OperationID: "job-9", LedgerOperationID: "job-9:consume:retry"})
	require.NoError(test, err)
	require.Equal(test, string(ledger.ReservationOutcomeConsumed), consumed.Outcome)
}

func TestLedgerCheckoutAndRefundOverGRPC(test *testing.T) {
	harness := newLedgerHarness(test)
	ctx := context.Background()
	completedAt := ledgerTestTime
	intent := gormstore.CheckoutIntent{
		UserID:        "user-4",
		PackageID:     "pack-100",
		Status:        ledger.CheckoutStatusCompleted.String(),
		Provider:      "stripe",
		CreditsAmount: 100,
		PriceCents:    9900,
		Currency:      "MXN",
		CompletedAt:   &completedAt,
		CreatedAt:     ledgerTestTime,
	}
	require.NoError(test, harness.db.Create(&intent).Error)

	finalized, err := harness.client.FinalizeCheckout(ctx, &FinalizeCheckoutRequest{IntentID: intent.ID})
	require.NoError(test, err)
	require.Equal(test, string(ledger.FinalizeOutcomeCreated), finalized.Result)
	require.EqualValues(test, 100, finalized.CreditsGranted)

	repeated, err := harness.client.FinalizeCheckout(ctx, &FinalizeCheckoutRequest{IntentID: intent.ID})
	require.NoError(test, err)
	require.Equal(test, string(ledger.FinalizeOutcomeAlreadyFinalized), repeated.Result)
	require.Equal(test, finalized.PaymentID, repeated.PaymentID)

	refunded, err := harness.client.RefundPayment(ctx, &RefundPaymentRequest{RefundID: "re_1", PaymentID: finalized.PaymentID})
	require.NoError(test, err)
	require.Equal(test, string(ledger.RefundOutcomeRefunded), refunded.Result)
	require.EqualValues(test, 100, refunded.CreditsReversed)

	replayed, err := harness.client.RefundPayment(ctx, &RefundPaymentRequest{RefundID: "re_1", PaymentID: finalized.PaymentID})
	require.NoError(test, err)
	require.Equal(test, string(ledger.RefundOutcomeAlreadyRefunded), replayed.Result)
	require.Equal(test, refunded.EntryID, replayed.EntryID)

	_, err = harness.client.RefundPayment(ctx, &RefundPaymentRequest{RefundID: "re_2", PaymentID: finalized.PaymentID})
	requireStatus(test, err, codes.FailedPrecondition, "invalid_payment_state")

	balance, err := harness.client.Balance(ctx, &BalanceRequest{UserID: "user-4"})
	require.NoError(test, err)
	require.EqualValues(test, 0, balance.Balance)
}

func TestNewLedgerServiceRequiresServices(test *testing.T) {
	_, err := NewLedgerService(nil, nil, nil)
	require.ErrorIs(test, err, ledger.ErrInvalidServiceConfig)
}
