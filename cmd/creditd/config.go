package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/worker"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL     = "database-url"
	flagStore           = "store"
	flagMigrate         = "migrate"
	flagHTTPAddr        = "http-addr"
	flagGRPCAddr        = "grpc-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagAdminSigningKey = "admin-signing-key"
	flagAdminIssuer     = "admin-issuer"
	flagWelcomeCredits  = "welcome-credits"
	flagReservationTTL  = "reservation-ttl"
	flagLogLevel        = "log-level"
	flagLogDevelopment  = "log-development"
	flagOTLPEndpoint    = "otlp-endpoint"
	flagEnvFile         = "env-file"

	envPrefix             = "LEDGER"
	defaultDatabaseURL    = "sqlite:///tmp/ledger.db"
	defaultStore          = storeKindGorm
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultLogLevel       = "info"
	defaultEnvFile        = ".env"

	storeKindGorm = "gorm"
	storeKindPgx  = "pgx"
)

// env names outside the LEDGER_ prefix that operators already set.
var legacyEnvBindings = map[string]string{
	flagDatabaseURL:  "DATABASE_URL",
	flagGRPCAddr:     "GRPC_LISTEN_ADDR",
	flagOTLPEndpoint: "OTEL_EXPORTER_OTLP_ENDPOINT",
}

type runtimeConfig struct {
	DatabaseURL    string
	Store          string
	Migrate        bool
	GRPCAddr       string
	LogLevel       string
	LogDevelopment bool
	OTLPEndpoint   string
	HTTP           httpapi.Config
	Worker         worker.Config
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL (postgres://, mysql://, sqlite:// or a sqlite path)")
	flags.String(flagStore, defaultStore, "store implementation: gorm or pgx")
	flags.Bool(flagMigrate, false, "apply schema migrations before starting")
	flags.String(flagHTTPAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCAddr, defaultGRPCListenAddr, "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagAdminSigningKey, "", "HS256 key for operator tokens; empty disables admin routes")
	flags.String(flagAdminIssuer, "", "expected operator token issuer")
	flags.Int64(flagWelcomeCredits, int64(ledger.DefaultWelcomeCredits), "credits granted once per user")
	flags.Duration(flagReservationTTL, ledger.DefaultReservationTTL, "default reservation lifetime")
	flags.String(flagLogLevel, defaultLogLevel, "log level: debug, info, warn, error")
	flags.Bool(flagLogDevelopment, false, "human-readable development logs")
	flags.String(flagOTLPEndpoint, "", "OTLP gRPC endpoint for traces; empty disables tracing")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, envName := range legacyEnvBindings {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), envName); err != nil {
			return err
		}
	}
	for _, flagName := range []string{flagDatabaseURL, flagStore, flagMigrate, flagHTTPAddr, flagGRPCAddr, flagAllowedOrigins, flagAdminSigningKey, flagAdminIssuer, flagWelcomeCredits, flagReservationTTL, flagLogLevel, flagLogDevelopment, flagOTLPEndpoint} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Store = strings.ToLower(strings.TrimSpace(v.GetString(flagStore)))
	cfg.Migrate = v.GetBool(flagMigrate)
	cfg.GRPCAddr = strings.TrimSpace(v.GetString(flagGRPCAddr))
	cfg.LogLevel = strings.TrimSpace(v.GetString(flagLogLevel))
	cfg.LogDevelopment = v.GetBool(flagLogDevelopment)
	cfg.OTLPEndpoint = strings.TrimSpace(v.GetString(flagOTLPEndpoint))
	cfg.HTTP = httpapi.Config{
		ListenAddr:      strings.TrimSpace(v.GetString(flagHTTPAddr)),
		AllowedOrigins:  httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		AdminSigningKey: v.GetString(flagAdminSigningKey),
		AdminIssuer:     strings.TrimSpace(v.GetString(flagAdminIssuer)),
		WelcomeCredits:  ledger.Credits(v.GetInt64(flagWelcomeCredits)),
		ReservationTTL:  v.GetDuration(flagReservationTTL),
	}

	workerCfg, err := worker.ParseEnv()
	if err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	cfg.Worker = workerCfg

	return cfg.Validate()
}

func (cfg *runtimeConfig) Validate() error {
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.Store == "" {
		cfg.Store = defaultStore
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = defaultGRPCListenAddr
	}
	switch cfg.Store {
	case storeKindGorm:
	case storeKindPgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store %s requires a postgres database url", storeKindPgx)
		}
	default:
		return fmt.Errorf("unsupported store %q", cfg.Store)
	}
	if cfg.HTTP.ReservationTTL < 0 || cfg.HTTP.ReservationTTL > ledger.MaxReservationTTL {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidTTL, cfg.HTTP.ReservationTTL)
	}
	return cfg.HTTP.Validate()
}

// loadEnvFile applies a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
