package tracker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// Registry is the active set of PositionRecords. One mutex guards the whole
// set so the one-open-position-per-setup rule is checked atomically. It also
// hands out a per-record lock that serializes order modifications without
// holding the set lock across brokerage calls.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*domain.PositionRecord
	bySetup  map[string]string   // setup id -> signal id of its open or reserved record
	byOrder  map[string]string   // order id -> signal id
	orderIDs map[string][]string // signal id -> indexed order ids
	opLocks  map[string]*sync.Mutex
}

// NewRegistry creates an empty active set.
func NewRegistry() *Registry {
	return &Registry{
		records:  make(map[string]*domain.PositionRecord),
		bySetup:  make(map[string]string),
		byOrder:  make(map[string]string),
		orderIDs: make(map[string][]string),
		opLocks:  make(map[string]*sync.Mutex),
	}
}

// Reserve claims setupID for signalID before any order is sent.
func (r *Registry) Reserve(setupID, signalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[signalID]; ok {
		return fmt.Errorf("signal %s: %w", signalID, domain.ErrAlreadyExists)
	}
	if owner, ok := r.bySetup[setupID]; ok {
		return fmt.Errorf("setup %q held by signal %s: %w", setupID, owner, domain.ErrSetupBusy)
	}
	r.bySetup[setupID] = signalID
	return nil
}

// Release drops a reservation that never turned into a record.
func (r *Registry) Release(setupID, signalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bySetup[setupID] == signalID {
		if _, ok := r.records[signalID]; !ok {
			delete(r.bySetup, setupID)
		}
	}
}

// Insert adds rec to the set. The setup must be free or reserved by rec.
func (r *Registry) Insert(rec domain.PositionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.SignalID]; ok {
		return fmt.Errorf("signal %s: %w", rec.SignalID, domain.ErrAlreadyExists)
	}
	if !rec.Closed() {
		if owner, ok := r.bySetup[rec.SetupID]; ok && owner != rec.SignalID {
			return fmt.Errorf("setup %q held by signal %s: %w", rec.SetupID, owner, domain.ErrSetupBusy)
		}
		r.bySetup[rec.SetupID] = rec.SignalID
	}
	cp := rec.Clone()
	r.records[rec.SignalID] = &cp
	r.reindex(&cp)
	return nil
}

// Snapshot returns a copy of the record for signalID.
func (r *Registry) Snapshot(signalID string) (domain.PositionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[signalID]
	if !ok {
		return domain.PositionRecord{}, false
	}
	return rec.Clone(), true
}

// Lookup resolves an order id to the signal that owns it.
func (r *Registry) Lookup(orderID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byOrder[orderID]
	return id, ok
}

// Update applies fn to the record under the set lock. fn reports whether it
// changed anything; the returned snapshot reflects the record after fn.
func (r *Registry) Update(signalID string, fn func(rec *domain.PositionRecord) bool) (domain.PositionRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[signalID]
	if !ok {
		return domain.PositionRecord{}, false, fmt.Errorf("signal %s: %w", signalID, domain.ErrNotFound)
	}
	changed := fn(rec)
	if changed {
		r.reindex(rec)
		if rec.Closed() && r.bySetup[rec.SetupID] == rec.SignalID {
			delete(r.bySetup, rec.SetupID)
		}
	}
	return rec.Clone(), changed, nil
}

// Evict removes a CLOSED record from the set.
func (r *Registry) Evict(signalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[signalID]
	if !ok || !rec.Closed() {
		return
	}
	for _, id := range r.orderIDs[signalID] {
		delete(r.byOrder, id)
	}
	delete(r.orderIDs, signalID)
	delete(r.records, signalID)
	delete(r.opLocks, signalID)
}

// Active returns copies of every record in creation order.
func (r *Registry) Active() []domain.PositionRecord {
	r.mu.Lock()
	out := make([]domain.PositionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SignalID < out[j].SignalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of records in the set.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// HasOpen reports whether setupID has an open or reserved record.
func (r *Registry) HasOpen(setupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySetup[setupID]
	return ok
}

// opLock returns the order-modification lock of signalID. Never acquire it
// while holding r.mu.
func (r *Registry) opLock(signalID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.opLocks[signalID]
	if !ok {
		l = &sync.Mutex{}
		r.opLocks[signalID] = l
	}
	return l
}

// reindex rebuilds the order index of rec. Callers hold r.mu.
func (r *Registry) reindex(rec *domain.PositionRecord) {
	for _, id := range r.orderIDs[rec.SignalID] {
		delete(r.byOrder, id)
	}
	ids := make([]string, 0, len(rec.Legs))
	for _, l := range rec.Legs {
		if l.OrderID != "" {
			r.byOrder[l.OrderID] = rec.SignalID
			ids = append(ids, l.OrderID)
		}
	}
	r.orderIDs[rec.SignalID] = ids
}
