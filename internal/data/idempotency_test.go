package data

import (
	"context"
	"testing"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, model.IdempotencyRecord, error)
	Complete(ctx context.Context, key, messageID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

func idempotencyStores(t *testing.T) map[string]idempotencyStore {
	rdb, _ := setupTestRedis(t)
	mem, err := NewMemoryIdempotencyRepo(64)
	require.NoError(t, err)
	return map[string]idempotencyStore{
		"redis":  NewIdempotencyRepo(NewCacheClient(rdb), log.DefaultLogger),
		"memory": mem,
	}
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	for name, store := range idempotencyStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, _, err := store.Claim(ctx, "reply:wamid.1", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, rec, err := store.Claim(ctx, "reply:wamid.1", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, model.IdempotencyPending, rec.State)

			require.NoError(t, store.Complete(ctx, "reply:wamid.1", "wamid.out", time.Hour))
			ok, rec, err = store.Claim(ctx, "reply:wamid.1", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, model.IdempotencyDone, rec.State)
			assert.Equal(t, "wamid.out", rec.MessageID)

			require.NoError(t, store.Release(ctx, "reply:wamid.1"))
			ok, _, err = store.Claim(ctx, "reply:wamid.1", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestIdempotencyRepo_Expiry(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	store := NewIdempotencyRepo(NewCacheClient(rdb), log.DefaultLogger)
	ctx := context.Background()

	ok, _, err := store.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("idem:k"))

	mr.FastForward(2 * time.Minute)
	ok, _, err = store.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIdempotencyRepo_Expiry(t *testing.T) {
	store, err := NewMemoryIdempotencyRepo(8)
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _, _ := store.Claim(ctx, "k", time.Minute)
	require.True(t, ok)

	now = now.Add(time.Minute)
	ok, _, _ = store.Claim(ctx, "k", time.Minute)
	assert.True(t, ok, "claim expires after its ttl")
}

func TestIdempotencyRepo_RedisUnavailable(t *testing.T) {
	store := NewIdempotencyRepo(NewCacheClient(nil), log.DefaultLogger)
	_, _, err := store.Claim(context.Background(), "k", time.Minute)
	assert.Error(t, err)
}
