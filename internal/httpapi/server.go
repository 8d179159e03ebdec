// Package httpapi exposes the ledger services as a JSON API over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Jobs runs the lock-guarded batch jobs on demand.
type Jobs interface {
	Sweep(ctx context.Context) (int, error)
	Backfill(ctx context.Context) (ledger.BackfillReport, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators served by the router. Jobs, Health,
// Metrics and Gatherer are optional.
type Dependencies struct {
	Wallets      *ledger.WalletService
	Reservations *ledger.ReservationService
	Checkout     *ledger.CheckoutService
	Jobs         Jobs
	Health       Pinger
	Metrics      *telemetry.Metrics
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// Run serves the API on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and mounts every route.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Wallets == nil || deps.Reservations == nil || deps.Checkout == nil {
		return nil, fmt.Errorf("httpapi: ledger services are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(metricsMiddleware(deps.Metrics))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", authorizationField},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{cfg: cfg, deps: deps, logger: deps.Logger}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(timeoutMiddleware(cfg.RequestTimeout))

	api.GET("/wallets/:user_id", handler.handleBalance)
	api.GET("/wallets/:user_id/entries", handler.handleListEntries)
	api.POST("/wallets/:user_id/credits", handler.handleAddCredits)
	api.POST("/wallets/:user_id/debits", handler.handleDeductCredits)
	api.POST("/wallets/:user_id/welcome", handler.handleWelcomeCredits)
	api.GET("/wallets/:user_id/reservations", handler.handleListReservations)

	api.POST("/reservations", handler.handleCreateReservation)
	api.POST("/reservations/:operation_id/consume", handler.handleConsumeReservation)
	api.POST("/reservations/:operation_id/cancel", handler.handleCancelReservation)
	api.POST("/holds/:reservation_id/release", handler.handleReleaseReservation)

	api.POST("/checkout/:intent_id/finalize", handler.handleFinalizeCheckout)

	if cfg.AdminEnabled() {
		admin := api.Group("/admin")
		admin.Use(adminMiddleware(cfg))
		admin.POST("/backfill", handler.handleBackfill)
		admin.POST("/sweep", handler.handleSweep)
		admin.POST("/wallets/:user_id/reconcile", handler.handleReconcile)
		admin.POST("/payments/:payment_id/refunds", handler.handleRefundPayment)
	}

	return router, nil
}

func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}

func metricsMiddleware(metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTP(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(startedAt))
	}
}
