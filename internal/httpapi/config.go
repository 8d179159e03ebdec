package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultAdminIssuer    = "creditledger"
	defaultRequestTimeout = 5 * time.Second
	defaultAdminRole      = "admin"
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	AdminSigningKey string
	AdminIssuer     string
	AdminRole       string
	WelcomeCredits  ledger.Credits
	ReservationTTL  time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
// An empty AdminSigningKey disables the admin routes.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.AdminIssuer = defaultIfEmpty(cfg.AdminIssuer, defaultAdminIssuer)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if cfg.WelcomeCredits == 0 {
		cfg.WelcomeCredits = ledger.DefaultWelcomeCredits
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = ledger.DefaultReservationTTL
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.WelcomeCredits < 0 {
		return fmt.Errorf("welcome credits must not be negative")
	}
	if cfg.ReservationTTL < 0 || cfg.ReservationTTL > ledger.MaxReservationTTL {
		return fmt.Errorf("reservation ttl must be between 0 and %s", ledger.MaxReservationTTL)
	}
	return nil
}

// AdminEnabled reports whether admin routes are mounted.
func (cfg Config) AdminEnabled() bool {
	return strings.TrimSpace(cfg.AdminSigningKey) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
