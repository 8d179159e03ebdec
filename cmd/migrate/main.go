package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditledger/migrations"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL      = "database-url"
	configKeyDatabaseURL = "database_url"
	driverPostgres       = "postgres"
)

var supportedCommands = map[string]bool{
	"up":        true,
	"up-by-one": true,
	"up-to":     true,
	"down":      true,
	"down-to":   true,
	"redo":      true,
	"reset":     true,
	"status":    true,
	"version":   true,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:           "migrate [up|up-by-one|up-to|down|down-to|redo|reset|status|version] [version]",
		Short:         "Apply the ledger's Postgres migrations",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			v := viper.New()
			if err := v.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
				return err
			}
			if err := v.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
				return err
			}
			databaseURL = strings.TrimSpace(v.GetString(configKeyDatabaseURL))
			if databaseURL == "" {
				return fmt.Errorf("database url is required")
			}
			if !supportedCommands[args[0]] {
				return fmt.Errorf("unsupported command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			db, err := sql.Open(driverPostgres, databaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("database ping: %w", err)
			}
			return migrations.Run(ctx, db, args[0], args[1:]...)
		},
	}
	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL connection string (or DATABASE_URL)")
	return cmd
}
