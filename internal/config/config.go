// Package config defines the top-level configuration for the dashboard
// backend and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BITDASH_* environment variables.
type Config struct {
	Bitget    BitgetConfig    `toml:"bitget"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BitgetConfig holds Bitget futures API endpoints and credentials.
type BitgetConfig struct {
	BaseURL     string   `toml:"base_url"`
	WsURL       string   `toml:"ws_url"`
	ApiKey      string   `toml:"api_key"`
	ApiSecret   string   `toml:"api_secret"`
	Passphrase  string   `toml:"passphrase"`
	ProductType string   `toml:"product_type"`
	MarginCoin  string   `toml:"margin_coin"`
	Timeout     duration `toml:"timeout"`
	// RateLimit is the maximum REST calls per RateWindow across the process.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// FeedEnabled turns on the public ticker websocket feed.
	FeedEnabled bool `toml:"feed_enabled"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ReconcileConfig holds the reconciliation loop parameters. The drift and
// liquidation thresholds are deliberately configurable rather than hardcoded.
type ReconcileConfig struct {
	PollInterval duration `toml:"poll_interval"`
	// MaxConcurrentFetches bounds the per-cycle fan-out across symbols so a
	// large open set cannot stampede the rate-limited gateway.
	MaxConcurrentFetches int `toml:"max_concurrent_fetches"`
	// EntryDriftThreshold is the absolute deviation between the stored entry
	// price and the exchange average open price above which a correction
	// write is issued.
	EntryDriftThreshold float64 `toml:"entry_drift_threshold"`
	// NearLiquidationPct flags a position when the relative distance between
	// current price and liquidation price falls below this fraction.
	NearLiquidationPct float64  `toml:"near_liquidation_pct"`
	LockTTL            duration `toml:"lock_ttl"`
}

// ArchiveConfig holds the closed-position export parameters.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects every endpoint except /api/health; empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit caps requests per client per RateWindow; 0 disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "2m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bitget: BitgetConfig{
			BaseURL:     "https://api.bitget.com",
			WsURL:       "wss://ws.bitget.com/v2/ws/public",
			ProductType: "USDT-FUTURES",
			MarginCoin:  "USDT",
			Timeout:     duration{10 * time.Second},
			RateLimit:   18,
			RateWindow:  duration{time.Second},
			FeedEnabled: true,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bitdash",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bitdash-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Reconcile: ReconcileConfig{
			PollInterval:         duration{5 * time.Second},
			MaxConcurrentFetches: 4,
			EntryDriftThreshold:  1e-4,
			NearLiquidationPct:   0.10,
			LockTTL:              duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Prefix:   "closed-positions",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"position_closed", "close_inconsistent", "near_liquidation", "missing_protection"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Bitget.BaseURL == "" {
		errs = append(errs, "bitget: base_url must be set")
	}
	// Closes go through the signed API; monitor mode can run unauthenticated
	// against public endpoints only when the feed is the sole data source,
	// so credentials are required for every mode that reconciles.
	if c.Mode == "full" || c.Mode == "monitor" {
		if c.Bitget.ApiKey == "" || c.Bitget.ApiSecret == "" || c.Bitget.Passphrase == "" {
			errs = append(errs, "bitget: api_key, api_secret and passphrase must be set for mode "+c.Mode)
		}
	}
	if c.Bitget.RateLimit <= 0 {
		errs = append(errs, "bitget: rate_limit must be positive")
	}
	if c.Bitget.RateWindow.Duration <= 0 {
		errs = append(errs, "bitget: rate_window must be positive")
	}

	if c.Database.DSN == "" && c.Database.Host == "" {
		errs = append(errs, "database: either dsn or host must be set")
	}
	if c.Database.PoolMaxConns < c.Database.PoolMinConns {
		errs = append(errs, fmt.Sprintf("database: pool_max_conns (%d) must be >= pool_min_conns (%d)",
			c.Database.PoolMaxConns, c.Database.PoolMinConns))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must be set")
	}

	if c.Reconcile.PollInterval.Duration <= 0 {
		errs = append(errs, "reconcile: poll_interval must be positive")
	}
	if c.Reconcile.MaxConcurrentFetches <= 0 {
		errs = append(errs, "reconcile: max_concurrent_fetches must be positive")
	}
	if c.Reconcile.EntryDriftThreshold <= 0 {
		errs = append(errs, "reconcile: entry_drift_threshold must be positive")
	}
	if c.Reconcile.NearLiquidationPct <= 0 || c.Reconcile.NearLiquidationPct >= 1 {
		errs = append(errs, "reconcile: near_liquidation_pct must be in (0, 1)")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "archive: s3 bucket must be set when archiving is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
