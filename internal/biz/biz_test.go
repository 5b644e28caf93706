package biz

import (
	"context"
	"testing"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/data"
	"ReplyRelay/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestData(t *testing.T, rdb *redis.Client) *data.Data {
	t.Helper()
	d, cleanup, err := data.NewData(&conf.Data{LocalCacheSize: 64}, log.DefaultLogger, rdb, data.NewCacheClient(rdb), nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return d
}

func TestStoreSelectors_WithoutRedis(t *testing.T) {
	d := newTestData(t, nil)

	rl, err := NewRateLimitStore(d, log.DefaultLogger)
	require.NoError(t, err)
	assert.IsType(t, &data.MemoryRateLimitRepo{}, rl)
	_, ok := rl.(IdlePruner)
	assert.True(t, ok)

	idem, err := NewIdempotencyStore(d, log.DefaultLogger)
	require.NoError(t, err)
	assert.IsType(t, &data.MemoryIdempotencyRepo{}, idem)

	history, err := NewHistoryStore(nil, d, log.DefaultLogger)
	require.NoError(t, err)
	assert.IsType(t, &data.MemoryHistoryRepo{}, history)
}

func TestStoreSelectors_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	d := newTestData(t, rdb)

	rl, err := NewRateLimitStore(d, log.DefaultLogger)
	require.NoError(t, err)
	assert.IsType(t, &data.RateLimitRepo{}, rl)

	idem, err := NewIdempotencyStore(d, log.DefaultLogger)
	require.NoError(t, err)
	claimed, _, err := idem.Claim(context.Background(), "reply:wamid.1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, mr.Exists("idem:reply:wamid.1"))

	history, err := NewHistoryStore(&conf.Orchestrator{HistoryTurns: 2}, d, log.DefaultLogger)
	require.NoError(t, err)
	require.NoError(t, history.Append(context.Background(), "alice",
		model.Turn{Role: model.RoleUser, Text: "a"},
		model.Turn{Role: model.RoleAssistant, Text: "b"},
		model.Turn{Role: model.RoleUser, Text: "c"}))
	turns, err := history.Recent(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestNewStrategyDeps_NilProviders(t *testing.T) {
	breakers := newTestBreakers(t, newFakeClock())
	deps := NewStrategyDeps(nil, &conf.Orchestrator{SystemPrompt: "sys"}, nil, nil, breakers)

	// typed nil providers must not leak into the interfaces
	assert.Nil(t, deps.OpenAI)
	assert.Nil(t, deps.Gemini)
	assert.Equal(t, "sys", deps.SystemPrompt)

	_, err := strategyTable[StrategySimpleLLM](deps)
	assert.ErrorIs(t, err, errProviderMissing)
}

func TestNewStrategyDeps_WrapsProviders(t *testing.T) {
	breakers := newTestBreakers(t, newFakeClock())
	openaiProvider, err := data.NewOpenAIProvider(&conf.LLM{Openai: &conf.LLM_OpenAI{ApiKey: "sk", RouterModel: "mini"}}, log.DefaultLogger)
	require.NoError(t, err)

	deps := NewStrategyDeps(&conf.LLM{Openai: &conf.LLM_OpenAI{RouterModel: "mini"}}, nil, openaiProvider, nil, breakers)
	require.NotNil(t, deps.OpenAI)
	g, ok := deps.OpenAI.(guardedProvider)
	require.True(t, ok)
	assert.Equal(t, DependencyLLM, g.dependency)
	assert.Equal(t, "mini", deps.RouterModel)
}

func TestNewAlertSinks(t *testing.T) {
	sinks, err := NewAlertSinks(nil, log.DefaultLogger)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "log", sinks[0].Name())

	sinks, err = NewAlertSinks(&conf.Alerting{Sinks: &conf.Alerting_Sinks{
		Webhook: &conf.Alerting_Webhook{Url: "https://hooks.example.com/alerts"},
		Email:   &conf.Alerting_Email{SmtpHost: "smtp.example.com", From: "relay@example.com", To: []string{"oncall@example.com"}},
	}}, log.DefaultLogger)
	require.NoError(t, err)
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"log", "webhook", "email"}, names)

	_, err = NewAlertSinks(&conf.Alerting{Sinks: &conf.Alerting_Sinks{
		Email: &conf.Alerting_Email{SmtpHost: "smtp.example.com"},
	}}, log.DefaultLogger)
	assert.Error(t, err)
}
