package sweep

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/config"
)

type clock struct{ hour, minute int }

// Session is the daily trading calendar in the session time zone.
type Session struct {
	loc     *time.Location
	open    clock
	cutoff  clock
	flatten clock
}

// NewSession parses the session settings.
func NewSession(cfg config.SessionConfig) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sweep: load timezone %q: %w", cfg.Timezone, err)
	}
	s := &Session{loc: loc}
	for _, f := range []struct {
		name string
		raw  string
		dst  *clock
	}{
		{"market_open", cfg.MarketOpen, &s.open},
		{"entry_cutoff", cfg.EntryCutoff, &s.cutoff},
		{"flatten_at", cfg.FlattenAt, &s.flatten},
	} {
		h, m, err := config.ParseClock(f.raw)
		if err != nil {
			return nil, fmt.Errorf("sweep: %s: %w", f.name, err)
		}
		*f.dst = clock{h, m}
	}
	return s, nil
}

// Location returns the session time zone.
func (s *Session) Location() *time.Location { return s.loc }

func (s *Session) on(now time.Time, c clock) time.Time {
	n := now.In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), c.hour, c.minute, 0, 0, s.loc)
}

// OpenAt returns the market open of the trading day containing now.
func (s *Session) OpenAt(now time.Time) time.Time { return s.on(now, s.open) }

// CutoffAt returns the no-new-entries instant of the trading day.
func (s *Session) CutoffAt(now time.Time) time.Time { return s.on(now, s.cutoff) }

// FlattenAt returns the sweep instant of the trading day.
func (s *Session) FlattenAt(now time.Time) time.Time { return s.on(now, s.flatten) }

// EntryAllowed reports whether new entries may be opened at now.
func (s *Session) EntryAllowed(now time.Time) bool {
	return !now.Before(s.OpenAt(now)) && now.Before(s.CutoffAt(now))
}

// PastFlatten reports whether today's sweep instant has passed.
func (s *Session) PastFlatten(now time.Time) bool {
	return !now.Before(s.FlattenAt(now))
}

// NextFlatten returns the next sweep instant strictly after now.
func (s *Session) NextFlatten(now time.Time) time.Time {
	at := s.FlattenAt(now)
	if !at.After(now) {
		n := now.In(s.loc)
		at = time.Date(n.Year(), n.Month(), n.Day()+1, s.flatten.hour, s.flatten.minute, 0, 0, s.loc)
	}
	return at
}

// TradingDate is the session-local calendar date of now, as YYYY-MM-DD.
func (s *Session) TradingDate(now time.Time) string {
	return now.In(s.loc).Format(time.DateOnly)
}
