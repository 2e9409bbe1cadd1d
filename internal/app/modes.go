package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/bracketbot/internal/blob/s3"
	"github.com/alanyoungcy/bracketbot/internal/config"
	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/executor"
	"github.com/alanyoungcy/bracketbot/internal/feed"
	"github.com/alanyoungcy/bracketbot/internal/notify"
	"github.com/alanyoungcy/bracketbot/internal/reconcile"
	"github.com/alanyoungcy/bracketbot/internal/server"
	"github.com/alanyoungcy/bracketbot/internal/server/handler"
	"github.com/alanyoungcy/bracketbot/internal/server/ws"
	"github.com/alanyoungcy/bracketbot/internal/service"
	"github.com/alanyoungcy/bracketbot/internal/sweep"
	"github.com/alanyoungcy/bracketbot/internal/tracker"
)

const (
	accountLockTTL  = 30 * time.Second
	paperMarkEvery  = time.Second
	maxQuoteAge     = time.Minute
	intakeBuffer    = 32
	shutdownTimeout = 5 * time.Second
	paperAccount    = "PAPER"
)

// LiveMode trades the configured account through the TradeStation gateway.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode", slog.String("account", a.cfg.Broker.AccountID))
	return a.trade(ctx, deps, a.cfg.Broker.AccountID)
}

// PaperMode runs the same loops against the in-process paper broker, which
// fills orders against the cached price.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	account := a.cfg.Broker.AccountID
	if account == "" {
		account = paperAccount
	}
	a.logger.InfoContext(ctx, "starting paper mode", slog.String("account", account))
	return a.trade(ctx, deps, account)
}

// trade builds the tracker and its collaborators, recovers persisted
// positions and runs every loop under one errgroup.
func (a *App) trade(ctx context.Context, deps *Dependencies, account string) error {
	cfg := a.cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	session, err := sweep.NewSession(cfg.Session)
	if err != nil {
		return fmt.Errorf("app: session: %w", err)
	}

	if deps.Locks != nil {
		lease, err := deps.Locks.AcquireLease(ctx, "account:"+account, accountLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: account %s is traded by another process: %w", account, err)
			}
			return fmt.Errorf("app: account lock: %w", err)
		}
		g.Go(func() error {
			return lease.KeepAlive(ctx, a.logger)
		})
	}

	sizing := domain.SizingPolicy{
		FixedQuantity: cfg.Sizing.FixedQuantity,
		MaxRiskAmount: cfg.Sizing.MaxRiskAmount,
		PointValue:    cfg.Sizing.PointValue,
		MaxQuantity:   cfg.Sizing.MaxQuantity,
	}

	compliance := service.NewComplianceService(service.ComplianceConfig{
		Enabled:          cfg.Compliance.Enabled,
		Account:          account,
		StartingBalance:  cfg.Compliance.StartingBalance,
		MaxLossesPerDay:  cfg.Compliance.MaxLossesPerDay,
		DailyLossLimit:   cfg.Compliance.DailyLossLimit,
		MaxContracts:     cfg.Compliance.MaxContracts,
		TrailingDrawdown: cfg.Compliance.TrailingDrawdown,
		PointValue:       cfg.Sizing.PointValue,
	}, deps.Counters, session, a.logger)

	tr := tracker.New(tracker.Config{
		Account:          account,
		Symbol:           cfg.Broker.Symbol,
		TickSize:         cfg.Tracker.TickSize,
		BreakevenTrigger: cfg.Tracker.BreakevenTrigger,
		Sizing:           sizing,
	}, tracker.NewRegistry(), deps.Gateway, deps.Repo, deps.Notifier, a.logger).WithPriceCache(deps.Prices)

	// Hooks are registered before recovery so every transition is observed.
	tr.OnEvent(a.closeHook(compliance, deps.Notifier))
	if deps.Bus != nil {
		tr.OnEvent(feed.NewPublisher(deps.Bus, a.logger).Publish)
	}
	if h, ok := deps.Audit.(interface {
		Hook(context.Context, domain.PositionEvent)
	}); ok {
		tr.OnEvent(h.Hook)
	}
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(tr.Active, a.logger)
		if deps.Bus != nil {
			hub.WithReplay(deps.Bus)
		}
		tr.OnEvent(hub.Publish)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	// The paper broker needs marks before recovered positions are flattened.
	if deps.Paper != nil {
		g.Go(func() error {
			return deps.Paper.Run(ctx, deps.Prices, cfg.Broker.Symbol, paperMarkEvery)
		})
	}
	if deps.Quotes != nil {
		quotes := feed.NewQuoteFeed(deps.Quotes, deps.Prices, cfg.Broker.Symbol, cfg.Tracker.BreakevenInterval.Duration, a.logger)
		g.Go(func() error {
			return quotes.Run(ctx)
		})
	}

	// Recovery must finish before the first reconciliation cycle.
	recovered, err := tr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "recovery complete", slog.Int("positions", recovered))

	// Fills that landed while the process was down are applied before the
	// startup sweep decides what to flatten.
	poller := reconcile.NewPoller(deps.Gateway, tr, account, cfg.Tracker.PollInterval.Duration, a.logger)
	if err := poller.Poll(ctx); err != nil {
		a.logger.WarnContext(ctx, "startup reconciliation failed", slog.String("error", err.Error()))
	}

	sweeper := sweep.NewSweeper(tr, session, a.logger)
	if n := sweeper.Startup(ctx); n > 0 {
		a.logger.WarnContext(ctx, "flattened positions at startup", slog.Int("positions", n))
	}

	g.Go(func() error {
		return poller.Run(ctx)
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	breakeven := sweep.NewBreakevenChecker(tr, deps.Prices, cfg.Broker.Symbol, cfg.Tracker.BreakevenInterval.Duration, maxQuoteAge, a.logger)
	g.Go(func() error {
		return breakeven.Run(ctx)
	})

	// Signal intake.
	signalCh := make(chan domain.TradeSignal, intakeBuffer)
	outcomeCh := make(chan domain.OutcomeEvent, intakeBuffer)
	stopCh := make(chan domain.StopUpdate, intakeBuffer)
	setups := executor.NewSetups(cfg.Setups)
	exec := executor.NewExecutor(signalCh, outcomeCh, tr, compliance, setups, deps.Notifier, executor.Config{
		Sizing:       sizing,
		MaxSignalAge: cfg.Tracker.MaxSignalAge.Duration,
	}, a.logger).WithStops(stopCh)
	g.Go(func() error {
		return exec.Run(ctx)
	})

	if deps.Bus != nil {
		feeder := feed.NewBusFeeder(deps.Bus, signalCh, outcomeCh, deps.Prices, a.logger).WithStops(stopCh)
		g.Go(func() error {
			return feeder.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "redis not configured; signals are accepted over HTTP only")
	}

	if deps.Blobs != nil {
		archiver := s3blob.NewArchiver(deps.Blobs, deps.Closed, deps.Audit, session.Location(), a.logger)
		if retain := cfg.S3.RetainClosed.Duration; retain > 0 && deps.Pruner != nil {
			archiver.WithRetention(deps.Pruner, retain)
		}
		g.Go(func() error {
			return archiver.Run(ctx, cfg.S3.ArchiveEvery.Duration)
		})
	}

	if cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, hub, handler.NewStatusHandler(
			cfg.Mode, tr, setups, compliance, config.RedactedConfig(cfg), a.logger,
		), tr, exec)
	}

	return g.Wait()
}

// closeHook records every CLOSED position with the compliance gate and sends
// the close notification.
func (a *App) closeHook(gate domain.ComplianceGate, notifier *notify.Notifier) tracker.EventHook {
	return func(ctx context.Context, ev domain.PositionEvent) {
		if ev.Type != domain.EventClosed {
			return
		}
		rec := ev.Record
		if err := gate.RecordClose(ctx, rec); err != nil {
			a.logger.ErrorContext(ctx, "record close for compliance",
				slog.String("signal_id", rec.SignalID),
				slog.String("error", err.Error()),
			)
		}

		title := fmt.Sprintf("%s %s closed", rec.SetupID, rec.Direction)
		body := fmt.Sprintf("signal %s: %d contracts, reason %s, %.2f points",
			rec.SignalID, rec.TotalQuantity, rec.CloseReason, rec.RealizedPoints())
		go func() {
			_ = notifier.Notify(context.WithoutCancel(ctx), string(domain.EventClosed), title, body)
		}()
	}
}

// startHTTPServer registers the control API and runs it until ctx is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	hub *ws.Hub,
	status *handler.StatusHandler,
	positions handler.PositionService,
	exec *executor.Executor,
) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Status:    status,
		Positions: handler.NewPositionHandler(positions, a.logger),
		Signals:   handler.NewSignalHandler(exec),
		Setups:    handler.NewSetupHandler(exec.Setups()),
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
