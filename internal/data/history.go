package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// HistoryRepo implements biz.HistoryRepo on a Redis list per user.
type HistoryRepo struct {
	rdb      *redis.Client
	maxTurns int
	ttl      time.Duration
	logger   *log.Helper
}

// NewHistoryRepo creates a Redis-backed history store keeping at most
// maxTurns turns per user for ttl after the last append.
func NewHistoryRepo(rdb *redis.Client, maxTurns int, ttl time.Duration, logger log.Logger) *HistoryRepo {
	return &HistoryRepo{rdb: rdb, maxTurns: maxTurns, ttl: ttl, logger: log.NewHelper(logger)}
}

// Recent returns up to n most recent turns, oldest first.
func (r *HistoryRepo) Recent(ctx context.Context, userID string, n int) ([]model.Turn, error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if n <= 0 {
		return nil, nil
	}

	raw, err := r.rdb.LRange(ctx, BuildCacheKey(CacheKeyHistory, userID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	turns := make([]model.Turn, 0, len(raw))
	for _, item := range raw {
		var t model.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			r.logger.Warnw("msg", "skipping malformed history entry", "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append adds turns and trims the list to maxTurns.
func (r *HistoryRepo) Append(ctx context.Context, userID string, turns ...model.Turn) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(turns) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		values = append(values, b)
	}

	key := BuildCacheKey(CacheKeyHistory, userID)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-r.maxTurns), -1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

type localHistory struct {
	turns   []model.Turn
	expires time.Time
}

// MemoryHistoryRepo implements biz.HistoryRepo in process, bounded by an LRU.
type MemoryHistoryRepo struct {
	mu       sync.Mutex
	users    *lru.Cache[string, localHistory]
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryHistoryRepo creates an in-process history store.
func NewMemoryHistoryRepo(size, maxTurns int, ttl time.Duration) (*MemoryHistoryRepo, error) {
	cache, err := lru.New[string, localHistory](size)
	if err != nil {
		return nil, err
	}
	return &MemoryHistoryRepo{users: cache, maxTurns: maxTurns, ttl: ttl, now: time.Now}, nil
}

// Recent returns up to n most recent turns, oldest first.
func (r *MemoryHistoryRepo) Recent(_ context.Context, userID string, n int) ([]model.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.users.Get(userID)
	if !ok || n <= 0 {
		return nil, nil
	}
	if r.ttl > 0 && !r.now().Before(h.expires) {
		r.users.Remove(userID)
		return nil, nil
	}
	turns := h.turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]model.Turn(nil), turns...), nil
}

// Append adds turns and trims to maxTurns.
func (r *MemoryHistoryRepo) Append(_ context.Context, userID string, turns ...model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, _ := r.users.Get(userID)
	all := append(append([]model.Turn(nil), h.turns...), turns...)
	if len(all) > r.maxTurns {
		all = all[len(all)-r.maxTurns:]
	}
	r.users.Add(userID, localHistory{turns: all, expires: r.now().Add(r.ttl)})
	return nil
}
