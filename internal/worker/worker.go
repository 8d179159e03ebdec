// Package worker runs the ledger's periodic jobs: reservation expiry, wallet
// reconciliation and checkout backfill.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	lockKeySweep     = "sweep"
	lockKeyReconcile = "reconcile"
	lockKeyBackfill  = "backfill"
)

// ErrLockHeld is returned by one-shot runs when another replica holds the job lock.
var ErrLockHeld = errors.New("worker: lock held by another replica")

// Expirer expires reservations past their deadline.
type Expirer interface {
	ExpireReservations(ctx context.Context, limit int) (int, error)
}

// WalletReconciler compares cached balances against the ledger.
type WalletReconciler interface {
	WalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]ledger.UserID, error)
	Reconcile(ctx context.Context, userID ledger.UserID, repair bool) (ledger.DriftReport, error)
}

// Backfiller finalizes completed checkouts that never produced a payment.
type Backfiller interface {
	Backfill(ctx context.Context, limit int) (ledger.BackfillReport, error)
}

// Observer receives job results, typically *telemetry.Metrics.
type Observer interface {
	ObserveSweep(expired int, elapsed time.Duration, err error)
	ObserveReconcile(report ledger.DriftReport)
}

type nopObserver struct{}

func (nopObserver) ObserveSweep(int, time.Duration, error) {}
func (nopObserver) ObserveReconcile(ledger.DriftReport)    {}

// ReconcileSummary aggregates one reconciliation pass.
type ReconcileSummary struct {
	Checked  int
	Drifted  []ledger.DriftReport
	Failures int
}

// Runner schedules the jobs and guards each run with a Locker.
type Runner struct {
	cfg        Config
	expirer    Expirer
	reconciler WalletReconciler
	backfiller Backfiller
	locker     Locker
	observer   Observer
	logger     *zap.Logger
}

// NewRunner validates cfg. A nil locker runs unguarded; a nil observer discards results.
func NewRunner(cfg Config, expirer Expirer, reconciler WalletReconciler, backfiller Backfiller, locker Locker, observer Observer, logger *zap.Logger) (*Runner, error) {
	if expirer == nil || reconciler == nil || backfiller == nil {
		return nil, fmt.Errorf("worker: services are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		expirer:    expirer,
		reconciler: reconciler,
		backfiller: backfiller,
		locker:     locker,
		observer:   observer,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is cancelled, firing each job on its own interval.
func (runner *Runner) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(runner.cfg.SweepInterval)
	defer sweepTicker.Stop()
	reconcileTicker := time.NewTicker(runner.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	if runner.cfg.BackfillOnStart {
		runner.logResult("backfill", func() error {
			_, err := runner.Backfill(ctx)
			return err
		})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			runner.logResult("sweep", func() error {
				_, err := runner.Sweep(ctx)
				return err
			})
		case <-reconcileTicker.C:
			runner.logResult("reconcile", func() error {
				_, err := runner.Reconcile(ctx)
				return err
			})
		}
	}
}

func (runner *Runner) logResult(job string, run func() error) {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, ErrLockHeld):
		runner.logger.Debug("worker job skipped", zap.String("job", job))
	case errors.Is(err, context.Canceled):
	default:
		runner.logger.Error("worker job failed", zap.String("job", job), zap.Error(err))
	}
}

// Sweep expires one batch of overdue reservations.
func (runner *Runner) Sweep(ctx context.Context) (int, error) {
	var expired int
	err := runner.withLock(ctx, lockKeySweep, func(ctx context.Context) error {
		startedAt := time.Now()
		var sweepErr error
		expired, sweepErr = runner.expirer.ExpireReservations(ctx, runner.cfg.SweepBatchSize)
		runner.observer.ObserveSweep(expired, time.Since(startedAt), sweepErr)
		if expired > 0 {
			runner.logger.Info("reservations expired", zap.Int("count", expired))
		}
		return sweepErr
	})
	return expired, err
}

// Reconcile walks every wallet in user id order. Per-wallet failures are
// counted and logged without stopping the pass.
func (runner *Runner) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	err := runner.withLock(ctx, lockKeyReconcile, func(ctx context.Context) error {
		pageSize := ledger.NormalizeListLimit(runner.cfg.ReconcileBatchSize)
		after := ""
		for {
			userIDs, err := runner.reconciler.WalletUserIDs(ctx, after, pageSize)
			if err != nil {
				return err
			}
			for _, userID := range userIDs {
				if err := ctx.Err(); err != nil {
					return err
				}
				report, err := runner.reconciler.Reconcile(ctx, userID, runner.cfg.ReconcileRepair)
				if err != nil {
					summary.Failures++
					runner.logger.Warn("wallet reconcile failed", zap.String("user_id", userID.String()), zap.Error(err))
					continue
				}
				summary.Checked++
				runner.observer.ObserveReconcile(report)
				if report.Drift != 0 {
					summary.Drifted = append(summary.Drifted, report)
					runner.logger.Warn("wallet drift detected",
						zap.String("user_id", userID.String()),
						zap.Int64("ledger_sum", report.LedgerSum),
						zap.Int64("wallet_balance", report.WalletBalance.Int64()),
						zap.Int64("drift", report.Drift),
						zap.Bool("repaired", report.Repaired),
					)
				}
			}
			if len(userIDs) < pageSize {
				return nil
			}
			after = userIDs[len(userIDs)-1].String()
		}
	})
	return summary, err
}

// Backfill finalizes one batch of completed checkouts missing a payment.
func (runner *Runner) Backfill(ctx context.Context) (ledger.BackfillReport, error) {
	var report ledger.BackfillReport
	err := runner.withLock(ctx, lockKeyBackfill, func(ctx context.Context) error {
		var backfillErr error
		report, backfillErr = runner.backfiller.Backfill(ctx, runner.cfg.SweepBatchSize)
		if backfillErr != nil {
			return backfillErr
		}
		for _, failure := range report.Failures {
			runner.logger.Warn("checkout backfill failed", zap.Int64("intent_id", failure.IntentID), zap.Error(failure.Err))
		}
		if created := report.Created(); created > 0 {
			runner.logger.Info("checkouts backfilled", zap.Int("created", created))
		}
		return nil
	})
	return report, err
}

func (runner *Runner) withLock(ctx context.Context, key string, run func(ctx context.Context) error) error {
	release, acquired, err := runner.locker.TryLock(ctx, key, runner.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			runner.logger.Warn("worker lock release failed", zap.String("job", key), zap.Error(releaseErr))
		}
	}()
	return run(ctx)
}
