package biz

import (
	"context"
	"time"

	"ReplyRelay/internal/model"
)

// RateLimitRepo defines the sliding-window store used by the rate limiter.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementations are in data layer (Redis sorted sets, in-process LRU).
type RateLimitRepo interface {
	// Peek prunes entries older than now-window and reports whether one more
	// request fits, without recording anything.
	Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error)

	// Hit prunes entries older than now-window and records now if fewer than
	// limit remain. Rejected hits are not recorded.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error)

	// Forget removes an entry recorded by Hit.
	Forget(ctx context.Context, key string, hit model.WindowHit) error

	// BlockedUntil returns the end of an active block, or the zero time.
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error)

	// Block rejects key until the given instant and clears its window, so the
	// key starts from an empty window once the block ends.
	Block(ctx context.Context, key string, now, until time.Time) error
}

// IdlePruner is implemented by stores that hold counters in process memory.
type IdlePruner interface {
	PruneIdle(now time.Time, idle time.Duration) int
}
