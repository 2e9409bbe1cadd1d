package executor

import (
	"maps"
	"sync"
)

// Setups holds the per-setup enable toggles. Setups that were never toggled
// are enabled. It is safe for concurrent use.
type Setups struct {
	mu      sync.RWMutex
	toggles map[string]bool
}

// NewSetups creates Setups seeded from initial, which is copied.
func NewSetups(initial map[string]bool) *Setups {
	return &Setups{toggles: maps.Clone(initial)}
}

// Enabled reports whether new positions may be opened for setup.
func (s *Setups) Enabled(setup string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.toggles[setup]
	return !ok || enabled
}

// Set toggles setup on or off.
func (s *Setups) Set(setup string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toggles == nil {
		s.toggles = make(map[string]bool)
	}
	s.toggles[setup] = enabled
}

// Snapshot returns a copy of the explicit toggles.
func (s *Setups) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.toggles)
	if out == nil {
		out = map[string]bool{}
	}
	return out
}
