package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type switchablePinger struct {
	mu  sync.Mutex
	err error
}

func (pinger *switchablePinger) Ping(context.Context) error {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	return pinger.err
}

func (pinger *switchablePinger) set(err error) {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	pinger.err = err
}

func TestHealthFollowsStoreProbe(test *testing.T) {
	pinger := &switchablePinger{}
	server := New(pinger, time.Hour, zap.NewNop())

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
	client := healthpb.NewHealthClient(conn)

	response, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(test, err)
	require.Equal(test, healthpb.HealthCheckResponse_SERVING, response.GetStatus())

	pinger.set(errors.New("connection refused"))
	require.Equal(test, healthpb.HealthCheckResponse_NOT_SERVING, server.Probe(context.Background()))

	response, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(test, err)
	require.Equal(test, healthpb.HealthCheckResponse_NOT_SERVING, response.GetStatus())
}

func TestMapError(test *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{name: "insufficient", err: fmt.Errorf("debit: %w", ledger.ErrInsufficientCredits), wantCode: codes.FailedPrecondition},
		{name: "invalid credits", err: ledger.ErrInvalidCredits, wantCode: codes.InvalidArgument},
		{name: "invalid ttl", err: ledger.ErrInvalidTTL, wantCode: codes.InvalidArgument},
		{name: "unknown reservation", err: ledger.ErrUnknownReservation, wantCode: codes.NotFound},
		{name: "wallet not found", err: ledger.ErrWalletNotFound, wantCode: codes.NotFound},
		{name: "duplicate key", err: ledger.ErrDuplicateIdempotencyKey, wantCode: codes.AlreadyExists},
		{name: "duplicate payment", err: ledger.ErrDuplicatePayment, wantCode: codes.Aborted},
		{name: "closed", err: ledger.ErrReservationClosed, wantCode: codes.FailedPrecondition},
		{name: "checkout state", err: ledger.ErrInvalidCheckoutState, wantCode: codes.FailedPrecondition},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: codes.DeadlineExceeded},
		{name: "canceled", err: context.Canceled, wantCode: codes.Canceled},
		{name: "ledger key in use", err: ledger.ErrLedgerKeyInUse, wantCode: codes.FailedPrecondition},
		{name: "unknown payment", err: ledger.ErrUnknownPayment, wantCode: codes.NotFound},
		{name: "payment state", err: ledger.ErrInvalidPaymentState, wantCode: codes.FailedPrecondition},
		{name: "refused balance repair", err: ledger.ErrInvalidBalance, wantCode: codes.FailedPrecondition},
		{name: "corrupt status row", err: ledger.ErrInvalidReservationStatus, wantCode: codes.Internal},
		{name: "internal", err: errors.New("disk on fire"), wantCode: codes.Internal},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			require.Equal(test, testCase.wantCode, status.Code(MapError(testCase.err)))
		})
	}
	require.NoError(test, MapError(nil))
}

func TestErrorInterceptorPreservesStatusErrors(test *testing.T) {
	interceptor := ErrorInterceptor(zap.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/creditledger.Ledger/Test"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "draining")
	})
	require.Equal(test, codes.Unavailable, status.Code(err))

	_, err = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, ledger.ErrUnknownReservation
	})
	require.Equal(test, codes.NotFound, status.Code(err))

	response, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(test, err)
	require.Equal(test, "ok", response)
}
