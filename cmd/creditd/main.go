package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagRepair = "repair"
	flagUser   = "user"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and reservation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	registerFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API, the gRPC ledger service and the periodic jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire overdue reservations once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
					expired, err := app.runner.Sweep(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "expired=%d\n", expired)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "backfill",
			Short: "Finalize completed checkouts that have no payment",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
					report, err := app.runner.Backfill(ctx)
					if err != nil {
						return err
					}
					for _, failure := range report.Failures {
						fmt.Fprintf(cmd.ErrOrStderr(), "intent %d: %v\n", failure.IntentID, failure.Err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "created=%d already_finalized=%d failed=%d\n", report.Created(), report.AlreadyFinalized(), len(report.Failures))
					return nil
				})
			},
		},
		newReconcileCommand(cfg),
	)
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare cached balances with the ledger sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, err := cmd.Flags().GetBool(flagRepair)
			if err != nil {
				return err
			}
			rawUserID, err := cmd.Flags().GetString(flagUser)
			if err != nil {
				return err
			}
			cfg.Worker.ReconcileRepair = repair
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				if rawUserID == "" {
					summary, err := app.runner.Reconcile(ctx)
					if err != nil {
						return err
					}
					for _, report := range summary.Drifted {
						printDrift(cmd, report)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "checked=%d drifted=%d failed=%d\n", summary.Checked, len(summary.Drifted), summary.Failures)
					return nil
				}
				userID, err := ledger.NewUserID(rawUserID)
				if err != nil {
					return err
				}
				report, err := app.wallets.Reconcile(ctx, userID, repair)
				if err != nil {
					return err
				}
				app.metrics.ObserveReconcile(report)
				printDrift(cmd, report)
				return nil
			})
		},
	}
	cmd.Flags().Bool(flagRepair, false, "rewrite drifted balances to the ledger sum")
	cmd.Flags().String(flagUser, "", "reconcile a single user instead of every wallet")
	return cmd
}

func printDrift(cmd *cobra.Command, report ledger.DriftReport) {
	fmt.Fprintf(cmd.OutOrStdout(), "user=%s wallet=%d ledger=%d drift=%d repaired=%t\n",
		report.UserID.String(), report.WalletBalance.Int64(), report.LedgerSum, report.Drift, report.Repaired)
}

func withApplication(cmd *cobra.Command, cfg *runtimeConfig, run func(ctx context.Context, app *application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	return run(ctx, app)
}

func runServe(cmd *cobra.Command, cfg *runtimeConfig) error {
	return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ledgerService, err := grpcserver.NewLedgerService(app.wallets, app.reservations, app.checkout)
		if err != nil {
			return err
		}
		grpcServer := grpcserver.New(app.store, 0, app.logger)
		grpcServer.RegisterLedger(ledgerService)
		components := map[string]func(ctx context.Context) error{
			"http": func(ctx context.Context) error {
				return httpapi.Run(ctx, cfg.HTTP, httpapi.Dependencies{
					Wallets:      app.wallets,
					Reservations: app.reservations,
					Checkout:     app.checkout,
					Jobs:         app.runner,
					Health:       app.store,
					Metrics:      app.metrics,
					Gatherer:     app.registry,
					Logger:       app.logger,
				})
			},
			"grpc": func(ctx context.Context) error {
				return grpcServer.ListenAndServe(ctx, cfg.GRPCAddr)
			},
			"worker": app.runner.Run,
		}

		errCh := make(chan error, len(components))
		for name, component := range components {
			go func() {
				err := component(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					app.logger.Error("component stopped", zap.String("component", name), zap.Error(err))
					errCh <- fmt.Errorf("%s: %w", name, err)
				} else {
					errCh <- nil
				}
				cancel()
			}()
		}

		var firstErr error
		for range components {
			if err := <-errCh; err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
