package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BITDASH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BITDASH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bitget ──
	setStr(&cfg.Bitget.BaseURL, "BITDASH_BITGET_BASE_URL")
	setStr(&cfg.Bitget.WsURL, "BITDASH_BITGET_WS_URL")
	setStr(&cfg.Bitget.ApiKey, "BITDASH_BITGET_API_KEY")
	setStr(&cfg.Bitget.ApiSecret, "BITDASH_BITGET_API_SECRET")
	setStr(&cfg.Bitget.Passphrase, "BITDASH_BITGET_PASSPHRASE")
	setStr(&cfg.Bitget.ProductType, "BITDASH_BITGET_PRODUCT_TYPE")
	setStr(&cfg.Bitget.MarginCoin, "BITDASH_BITGET_MARGIN_COIN")
	setDuration(&cfg.Bitget.Timeout, "BITDASH_BITGET_TIMEOUT")
	setInt(&cfg.Bitget.RateLimit, "BITDASH_BITGET_RATE_LIMIT")
	setDuration(&cfg.Bitget.RateWindow, "BITDASH_BITGET_RATE_WINDOW")
	setBool(&cfg.Bitget.FeedEnabled, "BITDASH_BITGET_FEED_ENABLED")

	// ── Database ──
	setStr(&cfg.Database.DSN, "BITDASH_DATABASE_DSN")
	setStr(&cfg.Database.Host, "BITDASH_DATABASE_HOST")
	setInt(&cfg.Database.Port, "BITDASH_DATABASE_PORT")
	setStr(&cfg.Database.Database, "BITDASH_DATABASE_NAME")
	setStr(&cfg.Database.User, "BITDASH_DATABASE_USER")
	setStr(&cfg.Database.Password, "BITDASH_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "BITDASH_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "BITDASH_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "BITDASH_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "BITDASH_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BITDASH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BITDASH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BITDASH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BITDASH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BITDASH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BITDASH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BITDASH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BITDASH_S3_REGION")
	setStr(&cfg.S3.Bucket, "BITDASH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BITDASH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BITDASH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BITDASH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BITDASH_S3_FORCE_PATH_STYLE")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.PollInterval, "BITDASH_RECONCILE_POLL_INTERVAL")
	setInt(&cfg.Reconcile.MaxConcurrentFetches, "BITDASH_RECONCILE_MAX_CONCURRENT_FETCHES")
	setFloat64(&cfg.Reconcile.EntryDriftThreshold, "BITDASH_RECONCILE_ENTRY_DRIFT_THRESHOLD")
	setFloat64(&cfg.Reconcile.NearLiquidationPct, "BITDASH_RECONCILE_NEAR_LIQUIDATION_PCT")
	setDuration(&cfg.Reconcile.LockTTL, "BITDASH_RECONCILE_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BITDASH_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "BITDASH_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "BITDASH_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BITDASH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BITDASH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BITDASH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BITDASH_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BITDASH_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BITDASH_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BITDASH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BITDASH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BITDASH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BITDASH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BITDASH_MODE")
	setStr(&cfg.LogLevel, "BITDASH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
