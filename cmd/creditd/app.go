package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/events"
	"github.com/MarkoPoloResearchLab/creditledger/internal/retry"
	"github.com/MarkoPoloResearchLab/creditledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditledger/internal/worker"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const serviceName = "creditledger"

// application holds the wired services shared by every subcommand.
type application struct {
	logger       *zap.Logger
	store        ledgerStore
	registry     *prometheus.Registry
	metrics      *telemetry.Metrics
	wallets      *ledger.WalletService
	reservations *ledger.ReservationService
	checkout     *ledger.CheckoutService
	runner       *worker.Runner
	closers      []func(ctx context.Context) error
}

func buildApplication(ctx context.Context, cfg *runtimeConfig) (*application, error) {
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &application{logger: logger}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("tracing init: %w", err)
	}
	app.closers = append(app.closers, shutdownTracing)

	store, closeStore, err := openStore(ctx, cfg, telemetry.NewGormLogger(logger, cfg.LogLevel))
	if err != nil {
		app.close()
		return nil, err
	}
	app.store = store
	app.closers = append(app.closers, func(context.Context) error { return closeStore() })

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = telemetry.NewMetrics(app.registry)

	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(telemetry.MultiOperationLogger{telemetry.NewZapOperationLogger(logger), app.metrics}),
	}
	if cfg.Worker.AMQPURL != "" {
		broker, err := events.Dial(cfg.Worker.AMQPURL, cfg.Worker.AMQPExchange, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) error { return broker.Close() })
		publisher, err := broker.Publisher(cfg.Worker.AMQPExchange, retry.Policy{
			Attempts:  cfg.Worker.PublishAttempts,
			BaseDelay: cfg.Worker.PublishBaseDelay,
		})
		if err != nil {
			app.close()
			return nil, err
		}
		options = append(options, ledger.WithEventPublisher(publisher))
	}

	clock := func() time.Time { return time.Now().UTC() }
	app.wallets, err = ledger.NewWalletService(store, clock, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("wallet service init: %w", err)
	}
	app.reservations, err = ledger.NewReservationService(app.wallets, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("reservation service init: %w", err)
	}
	app.checkout, err = ledger.NewCheckoutService(app.wallets, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("checkout service init: %w", err)
	}

	var locker worker.Locker = worker.LocalLocker{}
	if cfg.Worker.RedisAddr != "" {
		client, err := worker.NewRedisClient(ctx, cfg.Worker)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) error { return client.Close() })
		locker = worker.NewRedisLocker(client, cfg.Worker.LockKeyPrefix)
	}
	app.runner, err = worker.NewRunner(cfg.Worker, app.reservations, app.wallets, app.checkout, locker, app.metrics, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("worker init: %w", err)
	}
	return app, nil
}

// close releases resources in reverse acquisition order.
func (app *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var closeErr error
	for index := len(app.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, app.closers[index](ctx))
	}
	app.closers = nil
	if closeErr != nil {
		app.logger.Warn("shutdown cleanup failed", zap.Error(closeErr))
	}
	_ = app.logger.Sync()
}
