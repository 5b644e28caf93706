package data

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStateRepo_SaveAndLoad(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewBreakerStateRepo(&Data{redisClient: rdb}, log.DefaultLogger)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, BreakerEventsChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.UnixMilli(1760000000123)
	evt := model.BreakerStateChangedEvent{Dependency: "whatsapp", From: "CLOSED", To: "OPEN", FailureCount: 5, At: at}
	require.NoError(t, repo.SaveState(ctx, evt))

	assert.Equal(t, "OPEN", mr.HGet("breaker:whatsapp", "state"))
	assert.True(t, mr.TTL("breaker:whatsapp") > 0)

	got, ok, err := repo.LoadState(ctx, "whatsapp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "CLOSED", got.From)
	assert.Equal(t, "OPEN", got.To)
	assert.Equal(t, 5, got.FailureCount)
	assert.True(t, at.Equal(got.At))

	select {
	case msg := <-sub.Channel():
		var published model.BreakerStateChangedEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &published))
		assert.Equal(t, "whatsapp", published.Dependency)
		assert.Equal(t, "OPEN", published.To)
	case <-time.After(2 * time.Second):
		t.Fatal("breaker event was not published")
	}

	_, ok, err = repo.LoadState(ctx, "llm")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerStateRepo_NoRedis(t *testing.T) {
	repo := NewBreakerStateRepo(&Data{}, log.DefaultLogger)
	ctx := context.Background()

	assert.NoError(t, repo.SaveState(ctx, model.BreakerStateChangedEvent{Dependency: "llm", To: "OPEN"}))
	_, ok, err := repo.LoadState(ctx, "llm")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerStateRepo_RedisDown(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewBreakerStateRepo(&Data{redisClient: rdb}, log.DefaultLogger)
	mr.Close()

	err := repo.SaveState(context.Background(), model.BreakerStateChangedEvent{Dependency: "llm", To: "OPEN"})
	assert.Error(t, err)
}
