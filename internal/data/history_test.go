package data

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyStore interface {
	Recent(ctx context.Context, userID string, n int) ([]model.Turn, error)
	Append(ctx context.Context, userID string, turns ...model.Turn) error
}

func historyStores(t *testing.T) map[string]historyStore {
	rdb, _ := setupTestRedis(t)
	mem, err := NewMemoryHistoryRepo(16, 4, time.Hour)
	require.NoError(t, err)
	return map[string]historyStore{
		"redis":  NewHistoryRepo(rdb, 4, time.Hour, log.DefaultLogger),
		"memory": mem,
	}
}

func TestHistoryStore_TrimAndRecent(t *testing.T) {
	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, store.Append(ctx, "alice",
					model.Turn{Role: model.RoleUser, Text: fmt.Sprintf("q%d", i)},
					model.Turn{Role: model.RoleAssistant, Text: fmt.Sprintf("a%d", i)}))
			}

			turns, err := store.Recent(ctx, "alice", 10)
			require.NoError(t, err)
			require.Len(t, turns, 4, "trimmed to max turns")
			assert.Equal(t, "q1", turns[0].Text)
			assert.Equal(t, "a2", turns[3].Text)

			turns, err = store.Recent(ctx, "alice", 2)
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, "q2", turns[0].Text)

			turns, err = store.Recent(ctx, "bob", 2)
			require.NoError(t, err)
			assert.Empty(t, turns)
		})
	}
}

func TestHistoryRepo_TTL(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	store := NewHistoryRepo(rdb, 4, time.Hour, log.DefaultLogger)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "alice", model.Turn{Role: model.RoleUser, Text: "hi"}))
	assert.Equal(t, time.Hour, mr.TTL("history:alice"))

	mr.FastForward(2 * time.Hour)
	turns, err := store.Recent(ctx, "alice", 4)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryHistoryRepo_TTL(t *testing.T) {
	store, err := NewMemoryHistoryRepo(4, 4, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "alice", model.Turn{Text: "hi"}))
	now = now.Add(2 * time.Minute)
	turns, err := store.Recent(ctx, "alice", 4)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
