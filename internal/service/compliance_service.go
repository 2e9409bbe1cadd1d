package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// ComplianceConfig holds the account limits enforced before every entry.
type ComplianceConfig struct {
	Enabled          bool
	Account          string
	StartingBalance  float64
	MaxLossesPerDay  int
	DailyLossLimit   float64
	MaxContracts     int
	TrailingDrawdown float64
	PointValue       float64
}

// SessionClock answers the time-of-day questions of the compliance gate.
type SessionClock interface {
	EntryAllowed(now time.Time) bool
	TradingDate(now time.Time) string
}

// ComplianceService implements domain.ComplianceGate. Counters are kept per
// trading day; the peak balance used by the trailing drawdown only moves at
// the start of a day, from the previous day's closing balance.
type ComplianceService struct {
	cfg     ComplianceConfig
	store   domain.CounterStore
	session SessionClock
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewComplianceService creates a ComplianceService.
func NewComplianceService(cfg ComplianceConfig, store domain.CounterStore, session SessionClock, logger *slog.Logger) *ComplianceService {
	return &ComplianceService{
		cfg:     cfg,
		store:   store,
		session: session,
		logger:  logger.With(slog.String("component", "compliance")),
		now:     time.Now,
	}
}

// Allow returns an error wrapping domain.ErrBlocked when opening qty
// contracts for sig could break an account limit.
func (s *ComplianceService) Allow(ctx context.Context, sig domain.TradeSignal, qty int) error {
	if !s.cfg.Enabled {
		return nil
	}
	now := s.now()
	if !s.session.EntryAllowed(now) {
		return s.block(ctx, sig, "outside the entry window")
	}
	if s.cfg.MaxContracts > 0 && qty > s.cfg.MaxContracts {
		return s.block(ctx, sig, fmt.Sprintf("quantity %d exceeds max %d contracts", qty, s.cfg.MaxContracts))
	}

	s.mu.Lock()
	c, err := s.load(ctx, s.session.TradingDate(now))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("compliance: load counters: %w", err)
	}

	if s.cfg.MaxLossesPerDay > 0 && c.Losses >= s.cfg.MaxLossesPerDay {
		return s.block(ctx, sig, fmt.Sprintf("%d losses today, limit %d", c.Losses, s.cfg.MaxLossesPerDay))
	}
	risk, _ := decimal.NewFromFloat(sig.StopDistance).
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(decimal.NewFromFloat(s.cfg.PointValue)).
		Float64()
	if s.cfg.DailyLossLimit > 0 && c.RealizedPnL-risk < -s.cfg.DailyLossLimit {
		return s.block(ctx, sig, fmt.Sprintf("risk %.2f on day P&L %.2f breaches daily limit %.2f", risk, c.RealizedPnL, s.cfg.DailyLossLimit))
	}
	if s.cfg.TrailingDrawdown > 0 {
		floor := c.PeakBalance - s.cfg.TrailingDrawdown
		if c.Balance-risk <= floor {
			return s.block(ctx, sig, fmt.Sprintf("risk %.2f on balance %.2f reaches drawdown floor %.2f", risk, c.Balance, floor))
		}
	}
	return nil
}

func (s *ComplianceService) block(ctx context.Context, sig domain.TradeSignal, reason string) error {
	s.logger.WarnContext(ctx, "entry blocked",
		slog.String("signal_id", sig.SignalID),
		slog.String("setup_id", sig.SetupID),
		slog.String("reason", reason),
	)
	return fmt.Errorf("compliance: %w: %s", domain.ErrBlocked, reason)
}

// RecordClose adds the realized result of a CLOSED record to the counters
// of its trading day. Records whose entry never filled are not trades.
func (s *ComplianceService) RecordClose(ctx context.Context, rec domain.PositionRecord) error {
	if !rec.Closed() || rec.EntryFillPrice == nil {
		return nil
	}
	at := s.now()
	if rec.ClosedAt != nil {
		at = *rec.ClosedAt
	}
	pnl, _ := decimal.NewFromFloat(rec.RealizedPoints()).Mul(decimal.NewFromFloat(s.cfg.PointValue)).Round(2).Float64()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(ctx, s.session.TradingDate(at))
	if err != nil {
		return fmt.Errorf("compliance: load counters: %w", err)
	}
	c.Trades++
	if pnl < 0 {
		c.Losses++
	}
	c.RealizedPnL += pnl
	c.Balance += pnl
	if err := s.store.SaveCounters(ctx, s.cfg.Account, c); err != nil {
		return fmt.Errorf("compliance: save counters: %w", err)
	}

	s.logger.InfoContext(ctx, "trade recorded",
		slog.String("signal_id", rec.SignalID),
		slog.String("setup_id", rec.SetupID),
		slog.Float64("pnl", pnl),
		slog.Float64("day_pnl", c.RealizedPnL),
		slog.Float64("balance", c.Balance),
		slog.Int("losses_today", c.Losses),
	)
	return nil
}

// Counters returns today's counters.
func (s *ComplianceService) Counters(ctx context.Context) (domain.ComplianceCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, s.session.TradingDate(s.now()))
}

// load reads the counters for date, seeding a fresh account from the
// starting balance and rolling the peak forward on the first read of a day.
// Callers hold s.mu.
func (s *ComplianceService) load(ctx context.Context, date string) (domain.ComplianceCounters, error) {
	c, err := s.store.LoadCounters(ctx, s.cfg.Account, date)
	if err != nil {
		return domain.ComplianceCounters{}, err
	}
	if c.Balance == 0 && c.PeakBalance == 0 {
		c.Balance = s.cfg.StartingBalance
		c.PeakBalance = s.cfg.StartingBalance
	}
	if c.Trades == 0 && c.Balance > c.PeakBalance {
		c.PeakBalance = c.Balance
	}
	c.Date = date
	return c, nil
}

var _ domain.ComplianceGate = (*ComplianceService)(nil)
