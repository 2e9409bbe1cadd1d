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
// built-in defaults, applies BRACKETBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BRACKETBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "BRACKETBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.AuthURL, "BRACKETBOT_BROKER_AUTH_URL")
	setStr(&cfg.Broker.AccountID, "BRACKETBOT_BROKER_ACCOUNT_ID")
	setStr(&cfg.Broker.Symbol, "BRACKETBOT_BROKER_SYMBOL")
	setStr(&cfg.Broker.ClientID, "BRACKETBOT_BROKER_CLIENT_ID")
	setStr(&cfg.Broker.ClientSecret, "BRACKETBOT_BROKER_CLIENT_SECRET")
	setStr(&cfg.Broker.RefreshToken, "BRACKETBOT_BROKER_REFRESH_TOKEN")
	setStr(&cfg.Broker.SealedTokenPath, "BRACKETBOT_BROKER_SEALED_TOKEN_PATH")
	setStr(&cfg.Broker.TokenPassphrase, "BRACKETBOT_TOKEN_PASSPHRASE")
	setDuration(&cfg.Broker.RefreshEarly, "BRACKETBOT_BROKER_REFRESH_EARLY")
	setDuration(&cfg.Broker.Timeout, "BRACKETBOT_BROKER_TIMEOUT")
	setFloat64(&cfg.Broker.RequestsPerSec, "BRACKETBOT_BROKER_REQUESTS_PER_SEC")

	// ── Sizing ──
	setInt(&cfg.Sizing.FixedQuantity, "BRACKETBOT_SIZING_FIXED_QUANTITY")
	setFloat64(&cfg.Sizing.MaxRiskAmount, "BRACKETBOT_SIZING_MAX_RISK_AMOUNT")
	setFloat64(&cfg.Sizing.PointValue, "BRACKETBOT_SIZING_POINT_VALUE")
	setInt(&cfg.Sizing.MaxQuantity, "BRACKETBOT_SIZING_MAX_QUANTITY")

	// ── Tracker ──
	setDuration(&cfg.Tracker.PollInterval, "BRACKETBOT_TRACKER_POLL_INTERVAL")
	setDuration(&cfg.Tracker.BreakevenInterval, "BRACKETBOT_TRACKER_BREAKEVEN_INTERVAL")
	setFloat64(&cfg.Tracker.BreakevenTrigger, "BRACKETBOT_TRACKER_BREAKEVEN_TRIGGER")
	setFloat64(&cfg.Tracker.TickSize, "BRACKETBOT_TRACKER_TICK_SIZE")
	setDuration(&cfg.Tracker.MaxSignalAge, "BRACKETBOT_TRACKER_MAX_SIGNAL_AGE")

	// ── Session ──
	setStr(&cfg.Session.Timezone, "BRACKETBOT_SESSION_TIMEZONE")
	setStr(&cfg.Session.MarketOpen, "BRACKETBOT_SESSION_MARKET_OPEN")
	setStr(&cfg.Session.EntryCutoff, "BRACKETBOT_SESSION_ENTRY_CUTOFF")
	setStr(&cfg.Session.FlattenAt, "BRACKETBOT_SESSION_FLATTEN_AT")

	// ── Compliance ──
	setBool(&cfg.Compliance.Enabled, "BRACKETBOT_COMPLIANCE_ENABLED")
	setFloat64(&cfg.Compliance.StartingBalance, "BRACKETBOT_COMPLIANCE_STARTING_BALANCE")
	setInt(&cfg.Compliance.MaxLossesPerDay, "BRACKETBOT_COMPLIANCE_MAX_LOSSES_PER_DAY")
	setFloat64(&cfg.Compliance.DailyLossLimit, "BRACKETBOT_COMPLIANCE_DAILY_LOSS_LIMIT")
	setInt(&cfg.Compliance.MaxContracts, "BRACKETBOT_COMPLIANCE_MAX_CONTRACTS")
	setFloat64(&cfg.Compliance.TrailingDrawdown, "BRACKETBOT_COMPLIANCE_TRAILING_DRAWDOWN")

	// ── Store ──
	setStr(&cfg.Store.Backend, "BRACKETBOT_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BRACKETBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BRACKETBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BRACKETBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BRACKETBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BRACKETBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BRACKETBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BRACKETBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BRACKETBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BRACKETBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BRACKETBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BRACKETBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BRACKETBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BRACKETBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BRACKETBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BRACKETBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BRACKETBOT_REDIS_TLS_ENABLED")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "BRACKETBOT_SQLITE_PATH")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BRACKETBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BRACKETBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BRACKETBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BRACKETBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BRACKETBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BRACKETBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BRACKETBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveEvery, "BRACKETBOT_S3_ARCHIVE_EVERY")
	setDuration(&cfg.S3.RetainClosed, "BRACKETBOT_S3_RETAIN_CLOSED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BRACKETBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BRACKETBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "BRACKETBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "BRACKETBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "BRACKETBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BRACKETBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BRACKETBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BRACKETBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BRACKETBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BRACKETBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BRACKETBOT_MODE")
	setStr(&cfg.LogLevel, "BRACKETBOT_LOG_LEVEL")
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
