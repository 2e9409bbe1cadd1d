package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/bracketbot/internal/blob/s3"
	"github.com/alanyoungcy/bracketbot/internal/cache/memory"
	"github.com/alanyoungcy/bracketbot/internal/cache/redis"
	"github.com/alanyoungcy/bracketbot/internal/config"
	"github.com/alanyoungcy/bracketbot/internal/crypto"
	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/feed"
	"github.com/alanyoungcy/bracketbot/internal/gateway"
	"github.com/alanyoungcy/bracketbot/internal/notify"
	"github.com/alanyoungcy/bracketbot/internal/platform/tradestation"
	"github.com/alanyoungcy/bracketbot/internal/store/postgres"
	"github.com/alanyoungcy/bracketbot/internal/store/sqlite"
)

// Dependencies bundles every concrete collaborator the trading loops need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Persistence
	Repo   domain.PositionRepository
	Closed domain.ClosedPositionLister
	Pruner s3blob.Pruner
	Audit  domain.AuditStore

	// Caches and coordination. Bus, Limiter and Locks are nil without Redis.
	Prices   domain.PriceCache
	Counters domain.CounterStore
	Bus      domain.SignalBus
	Limiter  domain.RateLimiter
	Locks    *redis.LockManager

	// Brokerage. Paper is set only in paper mode; Quotes only when broker
	// credentials are available.
	Gateway domain.OrderGateway
	Paper   *gateway.Paper
	Quotes  feed.QuoteSource

	// Archive. Nil when no bucket is configured.
	Blobs s3blob.Blobs

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Redis (optional) ---
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		c, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = c.Close() })
		redisClient = c

		deps.Prices = redis.NewPriceCache(c)
		deps.Counters = redis.NewCounterStore(c)
		deps.Bus = redis.NewSignalBus(c)
		deps.Limiter = redis.NewRateLimiter(c)
		deps.Locks = redis.NewLockManager(c)
	} else {
		deps.Prices = memory.NewPriceCache()
		deps.Counters = memory.NewCounterStore()
	}

	// --- Position repository ---
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		store := postgres.NewPositionStore(pgClient.Pool())
		deps.Repo, deps.Closed, deps.Pruner = store, store, store
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())

	case "redis":
		if redisClient == nil {
			return fail(fmt.Errorf("wire: store backend redis needs redis.addr"))
		}
		store := redis.NewPositionStore(redisClient)
		deps.Repo, deps.Closed = store, store

	default:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Repo, deps.Closed, deps.Pruner = store, store, store
	}

	// --- Brokerage ---
	client, tokens, err := brokerClient(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if client != nil {
		deps.Quotes = client
	}
	switch {
	case strings.EqualFold(cfg.Mode, "live"):
		if client == nil {
			return fail(fmt.Errorf("wire: live mode needs broker credentials"))
		}
		deps.Gateway = gateway.New(client, tokens, cfg.Broker.Timeout.Duration, logger)
	default:
		deps.Paper = gateway.NewPaper(logger)
		deps.Gateway = gateway.New(deps.Paper, nil, cfg.Broker.Timeout.Duration, logger)
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archive runs will retry",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Blobs = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// brokerClient builds the TradeStation client when credentials are present.
// It returns a nil client otherwise.
func brokerClient(cfg *config.Config, logger *slog.Logger) (*tradestation.Client, *tradestation.TokenSource, error) {
	b := cfg.Broker
	if b.ClientID == "" || (b.RefreshToken == "" && b.SealedTokenPath == "") {
		return nil, nil, nil
	}
	refresh, err := crypto.LoadRefreshToken(crypto.TokenSource{
		Raw:        b.RefreshToken,
		SealedPath: b.SealedTokenPath,
		Passphrase: b.TokenPassphrase,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: broker refresh token: %w", err)
	}
	tokens := tradestation.NewTokenSource(tradestation.TokenSourceConfig{
		AuthURL:      b.AuthURL,
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		RefreshToken: refresh,
		RefreshEarly: b.RefreshEarly.Duration,
		Timeout:      b.Timeout.Duration,
	}, logger)
	client := tradestation.NewClient(b.BaseURL, tokens, b.Timeout.Duration, b.RequestsPerSec)
	return client, tokens, nil
}
