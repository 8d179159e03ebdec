// Package grpcserver serves the creditledger.Ledger service and the gRPC health
// protocol, mapping ledger errors onto gRPC status codes.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName names the ledger service and its health status.
const ServiceName = "creditledger.Ledger"

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 2 * time.Second
)

var grpcErrorCodes = []struct {
	err     error
	code    codes.Code
	message string
}{
	{ledger.ErrInvalidUserID, codes.InvalidArgument, "invalid_user_id"},
	{ledger.ErrInvalidReservationID, codes.InvalidArgument, "invalid_reservation_id"},
	{ledger.ErrInvalidOperationID, codes.InvalidArgument, "invalid_operation_id"},
	{ledger.ErrInvalidIdempotencyKey, codes.InvalidArgument, "invalid_idempotency_key"},
	{ledger.ErrInvalidCredits, codes.InvalidArgument, "invalid_credits"},
	{ledger.ErrInvalidMetadataJSON, codes.InvalidArgument, "invalid_metadata_json"},
	{ledger.ErrInvalidCheckoutIntentID, codes.InvalidArgument, "invalid_checkout_intent_id"},
	{ledger.ErrInvalidTTL, codes.InvalidArgument, "invalid_ttl"},
	{ledger.ErrInvalidPaymentID, codes.InvalidArgument, "invalid_payment_id"},
	{ledger.ErrInvalidRefundID, codes.InvalidArgument, "invalid_refund_id"},
	{ledger.ErrInsufficientCredits, codes.FailedPrecondition, "insufficient_credits"},
	{ledger.ErrUnknownReservation, codes.NotFound, "unknown_reservation"},
	{ledger.ErrUnknownCheckoutIntent, codes.NotFound, "unknown_checkout_intent"},
	{ledger.ErrUnknownPayment, codes.NotFound, "unknown_payment"},
	{ledger.ErrDuplicateIdempotencyKey, codes.AlreadyExists, "duplicate_idempotency_key"},
	{ledger.ErrReservationExists, codes.AlreadyExists, "reservation_exists"},
	{ledger.ErrReservationClosed, codes.FailedPrecondition, "reservation_closed"},
	{ledger.ErrReservationExpired, codes.FailedPrecondition, "reservation_expired"},
	{ledger.ErrLedgerKeyInUse, codes.FailedPrecondition, "ledger_key_in_use"},
	{ledger.ErrInvalidPaymentState, codes.FailedPrecondition, "invalid_payment_state"},
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server couples a grpc.Server with a health service driven by store probes.
type Server struct {
	grpcServer    *grpc.Server
	health        *health.Server
	pinger        Pinger
	probeInterval time.Duration
	logger        *zap.Logger
}

// New builds a server whose health status follows pinger. A nil logger is replaced with a no-op logger.
func New(pinger Pinger, probeInterval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(ErrorInterceptor(logger)))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return &Server{
		grpcServer:    grpcServer,
		health:        healthServer,
		pinger:        pinger,
		probeInterval: probeInterval,
		logger:        logger,
	}
}

// RegisterLedger serves creditledger.Ledger. Call it before Serve.
func (server *Server) RegisterLedger(service LedgerServer) {
	server.grpcServer.RegisterService(&LedgerServiceDesc, service)
}

// GRPC exposes the underlying server so callers can register more services.
func (server *Server) GRPC() *grpc.Server {
	return server.grpcServer
}

// Probe pings the store once and updates the health status.
func (server *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	servingStatus := healthpb.HealthCheckResponse_SERVING
	if server.pinger != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := server.pinger.Ping(probeCtx); err != nil {
			server.logger.Warn("store probe failed", zap.Error(err))
			servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	server.health.SetServingStatus("", servingStatus)
	server.health.SetServingStatus(ServiceName, servingStatus)
	return servingStatus
}

// Serve accepts connections on listener until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Probe(ctx)
	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()
	go server.probeLoop(probeCtx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("shutdown requested")
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// ListenAndServe listens on addr and calls Serve.
func (server *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return server.Serve(ctx, listener)
}

func (server *Server) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(server.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Probe(ctx)
		}
	}
}

// ErrorInterceptor converts ledger errors returned by unary handlers into gRPC status errors.
func ErrorInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		response, err := handler(ctx, request)
		if err == nil {
			return response, nil
		}
		if _, ok := status.FromError(err); ok {
			return response, err
		}
		mapped := MapError(err)
		if status.Code(mapped) == codes.Internal {
			logger.Error("grpc handler failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return response, mapped
	}
}

// MapError converts a ledger error into a gRPC status error.
func MapError(source error) error {
	if source == nil {
		return nil
	}
	for _, candidate := range grpcErrorCodes {
		if errors.Is(source, candidate.err) {
			return status.Error(candidate.code, candidate.message)
		}
	}
	switch ledger.Classify(source) {
	case ledger.ErrorClassValidation:
		return status.Error(codes.InvalidArgument, source.Error())
	case ledger.ErrorClassNotFound:
		return status.Error(codes.NotFound, source.Error())
	case ledger.ErrorClassConflict:
		return status.Error(codes.Aborted, source.Error())
	case ledger.ErrorClassInvalidState:
		return status.Error(codes.FailedPrecondition, source.Error())
	case ledger.ErrorClassCanceled:
		if errors.Is(source, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, source.Error())
		}
		return status.Error(codes.Canceled, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
