package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// BreakerEventsChannel carries every breaker transition as JSON.
const BreakerEventsChannel = "breaker:events"

// breakerStateTTL keeps a stale instance's last state from lingering forever.
const breakerStateTTL = 24 * time.Hour

// BreakerStateRepo publishes breaker transitions to Redis so other replicas
// and operators can see them. Without Redis it does nothing.
type BreakerStateRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewBreakerStateRepo creates a new breaker state repository
func NewBreakerStateRepo(d *Data, logger log.Logger) *BreakerStateRepo {
	return &BreakerStateRepo{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// SaveState stores the latest state in breaker:{dependency} and publishes the event.
func (r *BreakerStateRepo) SaveState(ctx context.Context, evt model.BreakerStateChangedEvent) error {
	if r.rdb == nil {
		return nil
	}

	key := BuildCacheKey(CacheKeyBreaker, evt.Dependency)
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker event: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":         evt.To,
		"from":          evt.From,
		"failure_count": evt.FailureCount,
		"changed_at":    evt.At.UnixMilli(),
	})
	pipe.Expire(ctx, key, breakerStateTTL)
	pipe.Publish(ctx, BreakerEventsChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}

	r.logger.Debugw("msg", "breaker state published", "dependency", evt.Dependency, "state", evt.To)
	return nil
}

// LoadState reads the last published state for a dependency. ok is false
// when nothing was published or Redis is unavailable.
func (r *BreakerStateRepo) LoadState(ctx context.Context, dependency string) (model.BreakerStateChangedEvent, bool, error) {
	if r.rdb == nil {
		return model.BreakerStateChangedEvent{}, false, nil
	}

	vals, err := r.rdb.HGetAll(ctx, BuildCacheKey(CacheKeyBreaker, dependency)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.BreakerStateChangedEvent{}, false, nil
		}
		return model.BreakerStateChangedEvent{}, false, fmt.Errorf("failed to load breaker state: %w", err)
	}
	if len(vals) == 0 {
		return model.BreakerStateChangedEvent{}, false, nil
	}

	failures, _ := strconv.Atoi(vals["failure_count"])
	changedAt, _ := strconv.ParseInt(vals["changed_at"], 10, 64)
	return model.BreakerStateChangedEvent{
		Dependency:   dependency,
		From:         vals["from"],
		To:           vals["state"],
		FailureCount: failures,
		At:           time.UnixMilli(changedAt),
	}, true, nil
}
