// Package config loads relay configuration from the environment. A .env file
// in DATA_DIR is read first; real environment variables always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	relayerrors "github.com/shorelink/shorelink/internal/errors"
)

// Config holds all relay configuration.
type Config struct {
	// Environment
	Env     string // NODE_ENV: "production" tightens tunnel URL rules
	DataDir string // .app-uuid, keys, journal, prefs

	// SignalK upstream
	SignalKURL           string
	SignalKToken         string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Pipeline timing
	UpdateInterval     time.Duration // batch tick
	AISRefreshInterval time.Duration

	// Cloud relay tunnel (disabled when VPSHost is empty)
	VPSHost              string
	VPSPort              int
	VPSPath              string
	VPSPingInterval      time.Duration
	VPSConnectionTimeout time.Duration
	VPSReconnectInterval time.Duration
	VPSMaxRetries        int

	// Auth: TokenSecret present selects JWT auth, absent selects keypair auth
	TokenSecret string
	TokenExpiry time.Duration

	// Local clients
	DirectWSPort int

	// Identity
	BoatID string // overrides the app UUID when set

	// Units
	UnitPreset    string
	UnitPrefsFile string

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	MetricsPort int

	// Patch journal
	JournalEnabled   bool
	JournalRetention time.Duration

	// Host stats producer
	HostStatsInterval time.Duration

	// Anchor derivation tuning
	MinBreadcrumbInterval time.Duration
	MaxHistoryEntries     int
	FenceHistoryWindow    time.Duration
	FenceHistoryInterval  time.Duration
}

// Load reads configuration from the environment, applying defaults and
// validating required values.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", ".")

	// Best effort; a missing .env is the normal case.
	if err := godotenv.Load(filepath.Join(dataDir, ".env")); err == nil {
		log.Debug().Str("dir", dataDir).Msg("Loaded .env file")
	}

	cfg := &Config{
		Env:     getEnv("NODE_ENV", "development"),
		DataDir: dataDir,

		SignalKURL:           os.Getenv("SIGNALK_URL"),
		SignalKToken:         os.Getenv("SIGNALK_TOKEN"),
		ReconnectDelay:       getEnvMillis("RECONNECT_DELAY", 5000),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),

		UpdateInterval:     getEnvMillis("UPDATE_INTERVAL", 1000),
		AISRefreshInterval: getEnvMillis("AIS_REFRESH_INTERVAL", 10000),

		VPSHost:              os.Getenv("VPS_HOST"),
		VPSPort:              getEnvInt("VPS_WS_PORT", 443),
		VPSPath:              getEnv("VPS_PATH", "/ws"),
		VPSPingInterval:      getEnvMillis("VPS_PING_INTERVAL", 25000),
		VPSConnectionTimeout: getEnvMillis("VPS_CONNECTION_TIMEOUT", 30000),
		VPSReconnectInterval: getEnvMillis("VPS_RECONNECT_INTERVAL", 5000),
		VPSMaxRetries:        getEnvInt("VPS_MAX_RETRIES", 10),

		TokenSecret: os.Getenv("TOKEN_SECRET"),
		TokenExpiry: getEnvDuration("TOKEN_EXPIRY", 24*time.Hour),

		DirectWSPort: getEnvInt("DIRECT_WS_PORT", 3009),

		BoatID: os.Getenv("BOAT_ID"),

		UnitPreset:    getEnv("UNIT_PRESET", "METRIC"),
		UnitPrefsFile: getEnv("UNIT_PREFS_FILE", filepath.Join(dataDir, "unit-preferences.json")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "auto"),

		MetricsPort: getEnvInt("METRICS_PORT", 0),

		JournalEnabled:   getEnvBool("JOURNAL_ENABLED", true),
		JournalRetention: time.Duration(getEnvInt("JOURNAL_RETENTION_HOURS", 72)) * time.Hour,

		HostStatsInterval: getEnvMillis("HOST_STATS_INTERVAL", 60000),

		MinBreadcrumbInterval: getEnvMillis("MIN_BREADCRUMB_INTERVAL_MS", 30000),
		MaxHistoryEntries:     getEnvInt("MAX_HISTORY_ENTRIES", 1000),
		FenceHistoryWindow:    getEnvMillis("FENCE_HISTORY_WINDOW_MS", 2*60*60*1000),
		FenceHistoryInterval:  getEnvMillis("FENCE_HISTORY_INTERVAL_MS", 30000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SignalKURL) == "" {
		return relayerrors.NewConfigMissing("load_config", "SIGNALK_URL is required")
	}
	if c.UpdateInterval <= 0 {
		return relayerrors.NewConfigMissing("load_config", "UPDATE_INTERVAL must be positive")
	}
	if c.TunnelEnabled() && c.IsProduction() {
		if c.VPSPort != 80 && c.VPSPort != 443 {
			return relayerrors.NewConfigMissing("load_config",
				fmt.Sprintf("VPS_WS_PORT %d not allowed in production (use 80 or 443)", c.VPSPort))
		}
	}
	return nil
}

// IsProduction reports whether NODE_ENV selects production rules.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// TunnelEnabled reports whether the upstream tunnel should run.
func (c *Config) TunnelEnabled() bool {
	return strings.TrimSpace(c.VPSHost) != ""
}

// UseTokenAuth reports whether the tunnel authenticates with a JWT instead of
// the RSA keypair.
func (c *Config) UseTokenAuth() bool {
	return c.TokenSecret != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

// getEnvMillis reads a millisecond count, matching the source system's
// millisecond-valued environment contract.
func getEnvMillis(key string, fallbackMS int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMS)) * time.Millisecond
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return b
}
