package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyRepo implements biz.IdempotencyStore on Redis SETNX.
type IdempotencyRepo struct {
	cache  CacheClient
	logger *log.Helper
}

// NewIdempotencyRepo creates a Redis-backed idempotency store.
func NewIdempotencyRepo(cache CacheClient, logger log.Logger) *IdempotencyRepo {
	return &IdempotencyRepo{cache: cache, logger: log.NewHelper(logger)}
}

// Claim marks key pending if nobody holds it.
func (r *IdempotencyRepo) Claim(ctx context.Context, key string, ttl time.Duration) (bool, model.IdempotencyRecord, error) {
	cacheKey := BuildCacheKey(CacheKeyIdempotency, key)
	ok, err := r.cache.SetNX(ctx, cacheKey, model.IdempotencyRecord{State: model.IdempotencyPending}, ttl)
	if err != nil {
		return false, model.IdempotencyRecord{}, err
	}
	if ok {
		return true, model.IdempotencyRecord{}, nil
	}

	var rec model.IdempotencyRecord
	if err := r.cache.Get(ctx, cacheKey, &rec); err != nil {
		if errors.Is(err, ErrCacheNotFound) {
			// Expired between SETNX and GET; treat as held to stay on the safe side.
			return false, model.IdempotencyRecord{State: model.IdempotencyPending}, nil
		}
		return false, model.IdempotencyRecord{}, err
	}
	return false, rec, nil
}

// Complete records the provider message id for key.
func (r *IdempotencyRepo) Complete(ctx context.Context, key, messageID string, ttl time.Duration) error {
	return r.cache.Set(ctx, BuildCacheKey(CacheKeyIdempotency, key),
		model.IdempotencyRecord{State: model.IdempotencyDone, MessageID: messageID}, ttl)
}

// Release drops the claim on key.
func (r *IdempotencyRepo) Release(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, BuildCacheKey(CacheKeyIdempotency, key))
}

type localClaim struct {
	rec     model.IdempotencyRecord
	expires time.Time
}

// MemoryIdempotencyRepo implements biz.IdempotencyStore in process, bounded by an LRU.
type MemoryIdempotencyRepo struct {
	mu     sync.Mutex
	claims *lru.Cache[string, localClaim]
	now    func() time.Time
}

// NewMemoryIdempotencyRepo creates an in-process idempotency store.
func NewMemoryIdempotencyRepo(size int) (*MemoryIdempotencyRepo, error) {
	cache, err := lru.New[string, localClaim](size)
	if err != nil {
		return nil, err
	}
	return &MemoryIdempotencyRepo{claims: cache, now: time.Now}, nil
}

// Claim marks key pending if nobody holds it.
func (r *MemoryIdempotencyRepo) Claim(_ context.Context, key string, ttl time.Duration) (bool, model.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if c, ok := r.claims.Get(key); ok && now.Before(c.expires) {
		return false, c.rec, nil
	}
	r.claims.Add(key, localClaim{rec: model.IdempotencyRecord{State: model.IdempotencyPending}, expires: now.Add(ttl)})
	return true, model.IdempotencyRecord{}, nil
}

// Complete records the provider message id for key.
func (r *MemoryIdempotencyRepo) Complete(_ context.Context, key, messageID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims.Add(key, localClaim{
		rec:     model.IdempotencyRecord{State: model.IdempotencyDone, MessageID: messageID},
		expires: r.now().Add(ttl),
	})
	return nil
}

// Release drops the claim on key.
func (r *MemoryIdempotencyRepo) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims.Remove(key)
	return nil
}
