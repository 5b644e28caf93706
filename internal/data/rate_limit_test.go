package data

import (
	"context"
	"testing"
	"time"

	"ReplyRelay/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

type windowRepo interface {
	Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error)
	Forget(ctx context.Context, key string, hit model.WindowHit) error
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error)
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error)
	Block(ctx context.Context, key string, now, until time.Time) error
}

func windowRepos(t *testing.T) map[string]windowRepo {
	rdb, _ := setupTestRedis(t)
	mem, err := NewMemoryRateLimitRepo(128, log.DefaultLogger)
	require.NoError(t, err)
	return map[string]windowRepo{
		"redis":  NewRateLimitRepo(rdb, log.DefaultLogger),
		"memory": mem,
	}
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestWindowRepo_SlidingWindow(t *testing.T) {
	for name, repo := range windowRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			window := 10 * time.Second

			for i := 0; i < 3; i++ {
				hit, err := repo.Hit(ctx, "ip:10.0.0.1", t0.Add(time.Duration(i)*time.Second), window, 3)
				require.NoError(t, err)
				assert.True(t, hit.Allowed)
				assert.EqualValues(t, i+1, hit.Count)
				assert.True(t, hit.Oldest.Equal(t0), "oldest is the first hit")
			}

			hit, err := repo.Hit(ctx, "ip:10.0.0.1", t0.Add(5*time.Second), window, 3)
			require.NoError(t, err)
			assert.False(t, hit.Allowed)
			assert.EqualValues(t, 3, hit.Count)

			// The rejected hit is not recorded, so at exactly t0+window the
			// first entry is pruned and one slot opens.
			hit, err = repo.Hit(ctx, "ip:10.0.0.1", t0.Add(window), window, 3)
			require.NoError(t, err)
			assert.True(t, hit.Allowed)
			assert.EqualValues(t, 3, hit.Count)

			// Other keys are independent
			hit, err = repo.Hit(ctx, "ip:10.0.0.2", t0.Add(5*time.Second), window, 3)
			require.NoError(t, err)
			assert.True(t, hit.Allowed)
			assert.EqualValues(t, 1, hit.Count)
		})
	}
}

func TestWindowRepo_Block(t *testing.T) {
	for name, repo := range windowRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := t0.Add(time.Minute)

			got, err := repo.BlockedUntil(ctx, "user:alice", t0)
			require.NoError(t, err)
			assert.True(t, got.IsZero())

			require.NoError(t, repo.Block(ctx, "user:alice", t0, until))

			got, err = repo.BlockedUntil(ctx, "user:alice", t0.Add(30*time.Second))
			require.NoError(t, err)
			assert.True(t, got.Equal(until))

			// At exactly until the block no longer applies
			got, err = repo.BlockedUntil(ctx, "user:alice", until)
			require.NoError(t, err)
			assert.True(t, got.IsZero())

			// A block in the past is a no-op
			require.NoError(t, repo.Block(ctx, "user:bob", t0, t0.Add(-time.Second)))
			got, err = repo.BlockedUntil(ctx, "user:bob", t0)
			require.NoError(t, err)
			assert.True(t, got.IsZero())
		})
	}
}

func TestWindowRepo_PeekDoesNotRecord(t *testing.T) {
	for name, repo := range windowRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			peek, err := repo.Peek(ctx, "ip:10.0.0.5", t0, time.Minute, 1)
			require.NoError(t, err)
			assert.True(t, peek.Allowed)
			assert.EqualValues(t, 0, peek.Count)

			hit, err := repo.Hit(ctx, "ip:10.0.0.5", t0, time.Minute, 1)
			require.NoError(t, err)
			require.True(t, hit.Allowed)

			peek, err = repo.Peek(ctx, "ip:10.0.0.5", t0.Add(time.Second), time.Minute, 1)
			require.NoError(t, err)
			assert.False(t, peek.Allowed)
			assert.EqualValues(t, 1, peek.Count)

			require.NoError(t, repo.Forget(ctx, "ip:10.0.0.5", hit))
			peek, err = repo.Peek(ctx, "ip:10.0.0.5", t0.Add(time.Second), time.Minute, 1)
			require.NoError(t, err)
			assert.True(t, peek.Allowed, "forgotten hit frees its slot")
		})
	}
}

func TestWindowRepo_BlockClearsWindow(t *testing.T) {
	for name, repo := range windowRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			window := time.Minute

			for i := 0; i < 2; i++ {
				hit, err := repo.Hit(ctx, "ip:10.0.0.6", t0, window, 2)
				require.NoError(t, err)
				require.True(t, hit.Allowed)
			}
			require.NoError(t, repo.Block(ctx, "ip:10.0.0.6", t0, t0.Add(10*time.Second)))

			// Block ends well before the window would drain.
			hit, err := repo.Hit(ctx, "ip:10.0.0.6", t0.Add(10*time.Second), window, 2)
			require.NoError(t, err)
			assert.True(t, hit.Allowed)
			assert.EqualValues(t, 1, hit.Count)
		})
	}
}

func TestRateLimitRepo_RedisKeys(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewRateLimitRepo(rdb, log.DefaultLogger)
	ctx := context.Background()

	_, err := repo.Hit(ctx, "endpoint:/webhook", t0, time.Minute, 10)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ratelimit:endpoint:/webhook"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:endpoint:/webhook"))

	require.NoError(t, repo.Block(ctx, "endpoint:/webhook", t0, t0.Add(2*time.Minute)))
	assert.True(t, mr.Exists("ratelimit:block:endpoint:/webhook"))
	assert.False(t, mr.Exists("ratelimit:endpoint:/webhook"), "block drops the window")
	assert.Equal(t, 2*time.Minute, mr.TTL("ratelimit:block:endpoint:/webhook"))
}

func TestRateLimitRepo_NilClient(t *testing.T) {
	repo := NewRateLimitRepo(nil, log.DefaultLogger)
	ctx := context.Background()

	_, err := repo.Hit(ctx, "ip:x", t0, time.Minute, 1)
	assert.Error(t, err)
	_, err = repo.BlockedUntil(ctx, "ip:x", t0)
	assert.Error(t, err)
	assert.Error(t, repo.Block(ctx, "ip:x", t0, t0.Add(time.Minute)))
}

func TestRateLimitRepo_RedisDown(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewRateLimitRepo(rdb, log.DefaultLogger)
	mr.Close()

	_, err := repo.Hit(context.Background(), "ip:x", t0, time.Minute, 1)
	assert.Error(t, err)
}

func TestMemoryRateLimitRepo_PruneIdle(t *testing.T) {
	repo, err := NewMemoryRateLimitRepo(128, log.DefaultLogger)
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = repo.Hit(ctx, "ip:idle", t0, time.Minute, 10)
	_, _ = repo.Hit(ctx, "ip:active", t0.Add(9*time.Minute), time.Minute, 10)
	_, _ = repo.Hit(ctx, "ip:blocked", t0, time.Minute, 10)
	require.NoError(t, repo.Block(ctx, "ip:blocked", t0, t0.Add(time.Hour)))
	require.Equal(t, 3, repo.Len())

	removed := repo.PruneIdle(t0.Add(10*time.Minute), 5*time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, repo.Len())
}

func TestMemoryRateLimitRepo_Bounded(t *testing.T) {
	repo, err := NewMemoryRateLimitRepo(2, log.DefaultLogger)
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"ip:a", "ip:b", "ip:c"} {
		_, err := repo.Hit(ctx, k, t0, time.Minute, 10)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, repo.Len())
}
