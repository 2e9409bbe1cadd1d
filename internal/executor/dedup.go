package executor

import (
	"sync"
	"time"
)

// Dedup prevents the same signal id from being executed more than once
// within a time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // signalID -> first seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a signal as a duplicate if it has
// been seen within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate returns true if signalID has been seen within the TTL window.
// Otherwise it records the id and returns false.
func (d *Dedup) IsDuplicate(signalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[signalID]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[signalID] = now
	return false
}

// Forget drops signalID so a later resubmission is evaluated again.
func (d *Dedup) Forget(signalID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, signalID)
}

// Cleanup removes entries older than the TTL. Call it periodically to keep
// the map bounded.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
