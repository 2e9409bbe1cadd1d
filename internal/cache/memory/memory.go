// Package memory holds process-local stand-ins for the Redis-backed price
// cache and compliance counters, used when Redis is not configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

type quote struct {
	price float64
	ts    time.Time
}

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]quote
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]quote)}
}

// SetPrice stores the latest price for symbol.
func (c *PriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = quote{price: price, ts: ts}
	return nil
}

// GetPrice returns the latest price for symbol or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("memory: price %s: %w", symbol, domain.ErrNotFound)
	}
	return q.price, q.ts, nil
}

// CounterStore implements domain.CounterStore in memory. Balances carry
// across days the same way the Redis store carries them.
type CounterStore struct {
	mu       sync.Mutex
	daily    map[string]domain.ComplianceCounters
	balances map[string][2]float64 // account -> {balance, peak}
}

// NewCounterStore creates an empty CounterStore.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		daily:    make(map[string]domain.ComplianceCounters),
		balances: make(map[string][2]float64),
	}
}

// LoadCounters returns the counters of account for date.
func (s *CounterStore) LoadCounters(_ context.Context, account, date string) (domain.ComplianceCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.daily[account+"|"+date]
	if !ok {
		c = domain.ComplianceCounters{Date: date}
	}
	b := s.balances[account]
	c.Balance, c.PeakBalance = b[0], b[1]
	return c, nil
}

// SaveCounters stores c for its date.
func (s *CounterStore) SaveCounters(_ context.Context, account string, c domain.ComplianceCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[account+"|"+c.Date] = c
	s.balances[account] = [2]float64{c.Balance, c.PeakBalance}
	return nil
}

var (
	_ domain.PriceCache   = (*PriceCache)(nil)
	_ domain.CounterStore = (*CounterStore)(nil)
)
