package domain

import (
	"context"
	"time"
)

// LiveViewCache holds the latest reconciled live-position views and risk
// summary so API reads never wait on exchange calls. The whole open set is
// replaced every cycle.
type LiveViewCache interface {
	SetViews(ctx context.Context, views []LivePosition) error
	// SetView upserts a single position's view, used by symbol-scoped
	// reconciliation triggered from the change bridge.
	SetView(ctx context.Context, view LivePosition) error
	GetViews(ctx context.Context) ([]LivePosition, error)
	GetView(ctx context.Context, positionID string) (LivePosition, error)
	SetRisk(ctx context.Context, risk RiskSummary) error
	GetRisk(ctx context.Context) (RiskSummary, error)
	// Remove drops one position from the cached open set, used when a close
	// completes between cycles.
	Remove(ctx context.Context, positionID string) error
	Invalidate(ctx context.Context) error
}

// PriceCache provides fast access to the latest prices per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// RateLimiter provides distributed rate limiting for outbound gateway calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between the engine, the change bridge, and any
// dashboard listeners.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
