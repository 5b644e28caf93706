package data

import (
	"context"
	"sync"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// windowLog is one key's sliding window. Each key has its own lock.
type windowLog struct {
	mu           sync.Mutex
	hits         []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// MemoryRateLimitRepo implements biz.RateLimitRepo in process. The number
// of tracked keys is bounded by an LRU; evicting a key forgets its window.
type MemoryRateLimitRepo struct {
	logs   *lru.Cache[string, *windowLog]
	logger *log.Helper
}

// NewMemoryRateLimitRepo creates an in-process rate limit repository.
func NewMemoryRateLimitRepo(size int, logger log.Logger) (*MemoryRateLimitRepo, error) {
	cache, err := lru.New[string, *windowLog](size)
	if err != nil {
		return nil, err
	}
	return &MemoryRateLimitRepo{logs: cache, logger: log.NewHelper(logger)}, nil
}

func (r *MemoryRateLimitRepo) entry(key string) *windowLog {
	if l, ok := r.logs.Get(key); ok {
		return l
	}
	fresh := &windowLog{}
	if prev, ok, _ := r.logs.PeekOrAdd(key, fresh); ok {
		return prev
	}
	return fresh
}

// prune drops hits at or before now-window. Caller holds l.mu.
func (l *windowLog) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	l.hits = l.hits[i:]
}

// Peek reports whether key's window has room for one more request.
func (r *MemoryRateLimitRepo) Peek(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	l, ok := r.logs.Peek(key)
	if !ok {
		return model.WindowHit{Allowed: true, At: now}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now, window)
	hit := model.WindowHit{Count: int64(len(l.hits)), At: now}
	hit.Allowed = hit.Count < limit
	if len(l.hits) > 0 {
		hit.Oldest = l.hits[0]
	}
	return hit, nil
}

// Hit records one request in key's window unless the window is full.
func (r *MemoryRateLimitRepo) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	l := r.entry(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen = now
	l.prune(now, window)

	count := int64(len(l.hits))
	if count >= limit {
		return model.WindowHit{Allowed: false, Count: count, Oldest: l.hits[0], At: now}, nil
	}
	l.hits = append(l.hits, now)
	return model.WindowHit{Allowed: true, Count: count + 1, Oldest: l.hits[0], At: now}, nil
}

// Forget removes the most recent hit recorded at hit.At.
func (r *MemoryRateLimitRepo) Forget(_ context.Context, key string, hit model.WindowHit) error {
	l, ok := r.logs.Peek(key)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.hits) - 1; i >= 0; i-- {
		if l.hits[i].Equal(hit.At) {
			l.hits = append(l.hits[:i], l.hits[i+1:]...)
			return nil
		}
	}
	return nil
}

// BlockedUntil returns key's block expiry, or the zero time when not blocked.
func (r *MemoryRateLimitRepo) BlockedUntil(_ context.Context, key string, now time.Time) (time.Time, error) {
	l, ok := r.logs.Peek(key)
	if !ok {
		return time.Time{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.blockedUntil) {
		return time.Time{}, nil
	}
	return l.blockedUntil, nil
}

// Block rejects key until the given time and drops its window.
func (r *MemoryRateLimitRepo) Block(_ context.Context, key string, now, until time.Time) error {
	if !until.After(now) {
		return nil
	}
	l := r.entry(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen = now
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	l.hits = nil
	return nil
}

// PruneIdle drops keys not seen for idle and not currently blocked.
func (r *MemoryRateLimitRepo) PruneIdle(now time.Time, idle time.Duration) int {
	removed := 0
	for _, key := range r.logs.Keys() {
		l, ok := r.logs.Peek(key)
		if !ok {
			continue
		}
		l.mu.Lock()
		stale := now.Sub(l.lastSeen) >= idle && !now.Before(l.blockedUntil)
		l.mu.Unlock()
		if stale && r.logs.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (r *MemoryRateLimitRepo) Len() int {
	return r.logs.Len()
}
