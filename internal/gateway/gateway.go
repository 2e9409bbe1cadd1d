// Package gateway wraps a brokerage client with the call policy every
// order-gateway caller gets: a bounded per-attempt timeout and exactly one
// retry after a credential refresh when the broker answers unauthorized.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Gateway decorates a domain.OrderGateway. It holds no position state.
type Gateway struct {
	inner     domain.OrderGateway
	refresher domain.CredentialRefresher
	timeout   time.Duration
	logger    *slog.Logger
}

var _ domain.OrderGateway = (*Gateway)(nil)

// New wraps inner. A nil refresher disables the auth retry.
func New(inner domain.OrderGateway, refresher domain.CredentialRefresher, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gateway{
		inner:     inner,
		refresher: refresher,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "gateway")),
	}
}

// Place submits a single order.
func (g *Gateway) Place(ctx context.Context, req domain.OrderRequest) (string, error) {
	return call(ctx, g, "place", func(ctx context.Context) (string, error) {
		return g.inner.Place(ctx, req)
	})
}

// Replace modifies a working order and returns its current id.
func (g *Gateway) Replace(ctx context.Context, orderID string, req domain.ReplaceRequest) (string, error) {
	return call(ctx, g, "replace", func(ctx context.Context) (string, error) {
		return g.inner.Replace(ctx, orderID, req)
	})
}

// Cancel cancels a working order.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	_, err := call(ctx, g, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Cancel(ctx, orderID)
	})
	return err
}

// ListOpenOrders returns the broker's order ledger for account.
func (g *Gateway) ListOpenOrders(ctx context.Context, account string) ([]domain.OrderReport, error) {
	return call(ctx, g, "list", func(ctx context.Context) ([]domain.OrderReport, error) {
		return g.inner.ListOpenOrders(ctx, account)
	})
}

// call runs fn under the per-attempt timeout and the reauth retry policy.
func call[R any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (R, error)) (R, error) {
	start := time.Now()
	attempt := func() (R, error) {
		actx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(actx)
	}

	var (
		res R
		err error
	)
	if g.refresher == nil {
		res, err = attempt()
	} else {
		res, err = failsafe.With[R](reauthPolicy[R](g, op)).WithContext(ctx).Get(attempt)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BrokerCallSeconds.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

// reauthPolicy retries exactly once, and only on domain.ErrUnauthorized,
// after invalidating the cached credential.
func reauthPolicy[R any](g *Gateway, op string) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return errors.Is(err, domain.ErrUnauthorized)
		}).
		WithMaxRetries(1).
		ReturnLastFailure().
		OnRetry(func(failsafe.ExecutionEvent[R]) {
			g.logger.Warn("broker rejected credential, refreshing and retrying once",
				slog.String("op", op),
			)
			g.refresher.Invalidate()
		}).
		Build()
}
