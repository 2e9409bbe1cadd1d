package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL only if the key still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL and
// token-checked release and renewal.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Lease is a held lock that can be renewed until released.
type Lease struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration
	once  sync.Once
}

// AcquireLease takes the lock for key, or returns domain.ErrLockHeld.
func (lm *LockManager) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := lm.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return &Lease{lm: lm, key: lockKey(key), token: token, ttl: ttl}, nil
}

// Acquire implements domain.LockManager. The returned unlock function is
// safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lease, err := lm.AcquireLease(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}

// Extend renews the lease TTL. It returns domain.ErrLockHeld when the lock
// expired and was taken by someone else.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := l.lm.extendSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend lock %s: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// KeepAlive renews the lease every third of its TTL until ctx is cancelled,
// then releases it. It returns an error as soon as the lease is lost so the
// caller can stop trading.
func (l *Lease) KeepAlive(ctx context.Context, logger *slog.Logger) error {
	defer l.Release()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("account lock lost", slog.String("key", l.key), slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// Release gives the lock up. It runs on a fresh context so it succeeds even
// after the caller's context was cancelled.
func (l *Lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err()
	})
}

var _ domain.LockManager = (*LockManager)(nil)
