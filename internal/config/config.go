// Package config defines the top-level configuration for the bracket bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BRACKETBOT_* environment variables.
type Config struct {
	Broker     BrokerConfig     `toml:"broker"`
	Sizing     SizingConfig     `toml:"sizing"`
	Tracker    TrackerConfig    `toml:"tracker"`
	Session    SessionConfig    `toml:"session"`
	Compliance ComplianceConfig `toml:"compliance"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Setups toggles individual setups on or off. Setups that are not listed
	// are enabled.
	Setups   map[string]bool `toml:"setups"`
	Mode     string          `toml:"mode"`
	LogLevel string          `toml:"log_level"`
}

// BrokerConfig holds brokerage API endpoints and OAuth credentials.
type BrokerConfig struct {
	BaseURL         string   `toml:"base_url"`
	AuthURL         string   `toml:"auth_url"`
	AccountID       string   `toml:"account_id"`
	Symbol          string   `toml:"symbol"`
	ClientID        string   `toml:"client_id"`
	ClientSecret    string   `toml:"client_secret"`
	RefreshToken    string   `toml:"refresh_token"`
	SealedTokenPath string   `toml:"sealed_token_path"`
	TokenPassphrase string   `toml:"token_passphrase"`
	RefreshEarly    duration `toml:"refresh_early"`
	Timeout         duration `toml:"timeout"`
	RequestsPerSec  float64  `toml:"requests_per_sec"`
}

// SizingConfig selects fixed or risk-based position sizing. A positive
// FixedQuantity wins over the risk-based fields.
type SizingConfig struct {
	FixedQuantity int     `toml:"fixed_quantity"`
	MaxRiskAmount float64 `toml:"max_risk_amount"`
	PointValue    float64 `toml:"point_value"`
	MaxQuantity   int     `toml:"max_quantity"`
}

// TrackerConfig holds state machine and reconciliation parameters.
type TrackerConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	BreakevenInterval duration `toml:"breakeven_interval"`
	BreakevenTrigger  float64  `toml:"breakeven_trigger"`
	TickSize          float64  `toml:"tick_size"`
	MaxSignalAge      duration `toml:"max_signal_age"`
}

// SessionConfig holds the trading session clock, in the session time zone.
type SessionConfig struct {
	Timezone    string `toml:"timezone"`
	MarketOpen  string `toml:"market_open"`
	EntryCutoff string `toml:"entry_cutoff"`
	FlattenAt   string `toml:"flatten_at"`
}

// ComplianceConfig holds account-level risk limits checked before every entry.
type ComplianceConfig struct {
	Enabled          bool    `toml:"enabled"`
	StartingBalance  float64 `toml:"starting_balance"`
	MaxLossesPerDay  int     `toml:"max_losses_per_day"`
	DailyLossLimit   float64 `toml:"daily_loss_limit"`
	MaxContracts     int     `toml:"max_contracts"`
	TrailingDrawdown float64 `toml:"trailing_drawdown"`
}

// StoreConfig selects the PositionRepository backend.
type StoreConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. An empty Addr disables every
// Redis-backed component.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// SQLiteConfig holds the embedded store location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables the closed-position archive.
type S3Config struct {
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveEvery   duration `toml:"archive_every"`
	// RetainClosed prunes archived CLOSED records older than this from the
	// position store. Zero keeps them.
	RetainClosed duration `toml:"retain_closed"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit caps requests per client IP per RateWindow. It only applies
	// when Redis is configured.
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:        "https://sim-api.tradestation.com/v3",
			AuthURL:        "https://signin.tradestation.com",
			Symbol:         "MESZ26",
			RefreshEarly:   duration{5 * time.Minute},
			Timeout:        duration{10 * time.Second},
			RequestsPerSec: 4,
		},
		Sizing: SizingConfig{
			MaxRiskAmount: 300,
			PointValue:    5.0,
			MaxQuantity:   60,
		},
		Tracker: TrackerConfig{
			PollInterval:      duration{30 * time.Second},
			BreakevenInterval: duration{15 * time.Second},
			BreakevenTrigger:  5.0,
			TickSize:          0.25,
			MaxSignalAge:      duration{2 * time.Minute},
		},
		Session: SessionConfig{
			Timezone:    "America/Chicago",
			MarketOpen:  "08:30",
			EntryCutoff: "15:30",
			FlattenAt:   "15:50",
		},
		Compliance: ComplianceConfig{
			Enabled:          true,
			StartingBalance:  50000,
			MaxLossesPerDay:  3,
			DailyLossLimit:   1000,
			MaxContracts:     60,
			TrailingDrawdown: 2000,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
		},
		SQLite: SQLiteConfig{
			Path: "data/bracketbot.db",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			ForcePathStyle: true,
			ArchiveEvery:   duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"escalation", "entry_failed", "position_opened", "position_closed"},
		},
		Setups:   map[string]bool{},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends enumerates the accepted values for StoreConfig.Backend.
var validBackends = map[string]bool{
	"postgres": true,
	"redis":    true,
	"sqlite":   true,
}

// SetupEnabled reports whether new positions may be opened for setup.
func (c *Config) SetupEnabled(setup string) bool {
	enabled, ok := c.Setups[setup]
	return !ok || enabled
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker credentials are only required when orders go to the real API.
	if strings.EqualFold(c.Mode, "live") {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty")
		}
		if c.Broker.AccountID == "" {
			errs = append(errs, "broker: account_id is required for mode live")
		}
		if c.Broker.ClientID == "" {
			errs = append(errs, "broker: client_id is required for mode live")
		}
		if c.Broker.RefreshToken == "" && c.Broker.SealedTokenPath == "" {
			errs = append(errs, "broker: either refresh_token or sealed_token_path must be set for mode live")
		}
		if c.Broker.SealedTokenPath != "" && c.Broker.RefreshToken == "" && c.Broker.TokenPassphrase == "" {
			errs = append(errs, "broker: token_passphrase is required when sealed_token_path is set")
		}
	}
	if c.Broker.Symbol == "" {
		errs = append(errs, "broker: symbol must not be empty")
	}
	if c.Broker.Timeout.Duration <= 0 {
		errs = append(errs, "broker: timeout must be > 0")
	}
	if c.Broker.RequestsPerSec <= 0 {
		errs = append(errs, "broker: requests_per_sec must be > 0")
	}

	if c.Sizing.FixedQuantity < 0 {
		errs = append(errs, "sizing: fixed_quantity must be >= 0")
	}
	if c.Sizing.FixedQuantity == 0 {
		if c.Sizing.MaxRiskAmount <= 0 {
			errs = append(errs, "sizing: max_risk_amount must be > 0 when fixed_quantity is unset")
		}
		if c.Sizing.PointValue <= 0 {
			errs = append(errs, "sizing: point_value must be > 0 when fixed_quantity is unset")
		}
	}
	if c.Sizing.MaxQuantity < 1 {
		errs = append(errs, "sizing: max_quantity must be >= 1")
	}

	if c.Tracker.PollInterval.Duration <= 0 {
		errs = append(errs, "tracker: poll_interval must be > 0")
	}
	if c.Tracker.BreakevenInterval.Duration <= 0 {
		errs = append(errs, "tracker: breakeven_interval must be > 0")
	}
	if c.Tracker.BreakevenTrigger <= 0 {
		errs = append(errs, "tracker: breakeven_trigger must be > 0")
	}
	if c.Tracker.TickSize <= 0 {
		errs = append(errs, "tracker: tick_size must be > 0")
	}

	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("session: unknown timezone %q", c.Session.Timezone))
	}
	for name, v := range map[string]string{
		"market_open":  c.Session.MarketOpen,
		"entry_cutoff": c.Session.EntryCutoff,
		"flatten_at":   c.Session.FlattenAt,
	} {
		if _, _, err := ParseClock(v); err != nil {
			errs = append(errs, fmt.Sprintf("session: %s: %v", name, err))
		}
	}

	if !validBackends[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, redis, sqlite)", c.Store.Backend))
	}
	switch strings.ToLower(c.Store.Backend) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr is required for store backend redis")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	}
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Bucket != "" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when bucket is set")
		}
		if c.S3.ArchiveEvery.Duration <= 0 {
			errs = append(errs, "s3: archive_every must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseClock parses a wall-clock time of the form "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
