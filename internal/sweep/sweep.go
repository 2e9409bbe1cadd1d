// Package sweep runs the time-driven exits: the end-of-period flatten, the
// startup flatten of stale or after-hours positions, and the periodic
// breakeven check.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// Close reasons recorded by the sweeper.
const (
	ReasonEndOfDay  = "end_of_day"
	ReasonStale     = "stale"
	ReasonLateStart = "started_after_flatten"
)

// Flattener is the part of the tracker the sweeper drives.
type Flattener interface {
	Active() []domain.PositionRecord
	ForceFlatten(ctx context.Context, signalID, reason string) error
}

// Sweeper flattens every tracked position at the session's flatten time.
type Sweeper struct {
	tracker Flattener
	session *Session
	logger  *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(tracker Flattener, session *Session, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		tracker: tracker,
		session: session,
		logger:  logger.With(slog.String("component", "sweep")),
		now:     time.Now,
		after:   time.After,
	}
}

// Sweep flattens every non-CLOSED record and returns how many it touched.
// A failure on one record does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context, reason string) int {
	return s.flattenWhere(ctx, reason, func(domain.PositionRecord) bool { return true })
}

// Startup flattens what a restart must not carry: records created before
// the current session opened, and everything when the process starts after
// the flatten time.
func (s *Sweeper) Startup(ctx context.Context) int {
	now := s.now()
	if s.session.PastFlatten(now) {
		return s.Sweep(ctx, ReasonLateStart)
	}
	sessionStart := s.session.OpenAt(now)
	return s.flattenWhere(ctx, ReasonStale, func(rec domain.PositionRecord) bool {
		return rec.CreatedAt.Before(sessionStart)
	})
}

func (s *Sweeper) flattenWhere(ctx context.Context, reason string, match func(domain.PositionRecord) bool) int {
	n := 0
	for _, rec := range s.tracker.Active() {
		if rec.Closed() || !match(rec) {
			continue
		}
		n++
		if err := s.tracker.ForceFlatten(ctx, rec.SignalID, reason); err != nil {
			s.logger.ErrorContext(ctx, "sweep flatten failed",
				slog.String("signal_id", rec.SignalID),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sweep complete", slog.String("reason", reason), slog.Int("positions", n))
	}
	return n
}

// Run sleeps until each flatten time and sweeps, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next := s.session.NextFlatten(s.now())
		s.logger.Info("next end-of-period sweep scheduled", slog.Time("at", next))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(s.now())):
			s.Sweep(ctx, ReasonEndOfDay)
		}
	}
}
