// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/data"
	"ReplyRelay/pkg/httputil"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewSystemClock,
	NewSignatureValidator,
	NewAlertSinks,
	NewAlertDispatcher,
	NewMonitor,
	NewBreakerEventSinks,
	NewCircuitBreakerManager,
	NewRateLimitStore,
	NewRateLimiterUseCase,
	NewStrategyDeps,
	NewOrchestrator,
	NewIdempotencyStore,
	NewHistoryStore,
	NewDeliveryDispatcher,
	NewConversationUsecase,
	NewPipeline,
	NewMaintenanceTask,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(BreakerStateRepo), new(*data.BreakerStateRepo)),
	wire.Bind(new(DeadLetterRepo), new(*data.DeadLetterRepo)),
	wire.Bind(new(DeadLetterQuery), new(*data.DeadLetterRepo)),
	wire.Bind(new(WhatsAppSender), new(*data.WhatsAppClient)),
	wire.Bind(new(InboundHandler), new(*ConversationUsecase)),
)

// NewRateLimitStore uses the Redis sliding window when Redis is up, otherwise
// the per-process LRU store.
func NewRateLimitStore(d *data.Data, logger log.Logger) (RateLimitRepo, error) {
	if rdb := d.GetRedisClient(); rdb != nil {
		return data.NewRateLimitRepo(rdb, logger), nil
	}
	return data.NewMemoryRateLimitRepo(d.LocalCacheSize(), logger)
}

// NewIdempotencyStore picks the Redis or in-process idempotency store.
func NewIdempotencyStore(d *data.Data, logger log.Logger) (IdempotencyStore, error) {
	if d.GetRedisClient() != nil {
		return data.NewIdempotencyRepo(d.GetCache(), logger), nil
	}
	return data.NewMemoryIdempotencyRepo(d.LocalCacheSize())
}

// NewHistoryStore picks the Redis or in-process conversation history store.
func NewHistoryStore(c *conf.Orchestrator, d *data.Data, logger log.Logger) (HistoryRepo, error) {
	turns := 10
	ttl := 24 * time.Hour
	if c != nil {
		if c.HistoryTurns > 0 {
			turns = int(c.HistoryTurns)
		}
		if c.HistoryTtl.AsDuration() > 0 {
			ttl = c.HistoryTtl.AsDuration()
		}
	}
	if rdb := d.GetRedisClient(); rdb != nil {
		return data.NewHistoryRepo(rdb, turns, ttl, logger), nil
	}
	return data.NewMemoryHistoryRepo(d.LocalCacheSize(), turns, ttl)
}

// NewAlertSinks builds the configured alert destinations. The log sink is
// always present.
func NewAlertSinks(c *conf.Alerting, logger log.Logger) ([]AlertSink, error) {
	sinks := []AlertSink{data.NewLogAlertSink(logger)}
	if c == nil || c.Sinks == nil {
		return sinks, nil
	}

	if wh := c.Sinks.Webhook; wh != nil && wh.Url != "" {
		timeout := 10 * time.Second
		if c.Sinks.DispatchTimeout.AsDuration() > 0 {
			timeout = c.Sinks.DispatchTimeout.AsDuration()
		}
		client, err := httputil.NewClient("", timeout)
		if err != nil {
			return nil, err
		}
		sink, err := data.NewWebhookAlertSink(wh, client)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if em := c.Sinks.Email; em != nil && em.SmtpHost != "" {
		sink, err := data.NewEmailAlertSink(em)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// NewStrategyDeps wraps the configured LLM providers in their dependency
// breakers. Unconfigured providers stay nil so their strategies are skipped.
func NewStrategyDeps(lc *conf.LLM, oc *conf.Orchestrator, openaiProvider *data.OpenAIProvider, geminiProvider *data.GeminiProvider, breakers *CircuitBreakerManager) StrategyDeps {
	deps := StrategyDeps{}
	// 注意: typed nil 指针赋给接口不是 nil，必须显式判断
	if openaiProvider != nil {
		deps.OpenAI = guardedProvider{breakers: breakers, dependency: DependencyLLM, provider: openaiProvider}
	}
	if geminiProvider != nil {
		deps.Gemini = guardedProvider{breakers: breakers, dependency: DependencyGemini, provider: geminiProvider}
	}
	if lc != nil && lc.Openai != nil {
		deps.RouterModel = lc.Openai.RouterModel
	}
	if oc != nil {
		deps.SystemPrompt = oc.SystemPrompt
		deps.Specialists = oc.Specialists
		deps.FAQs = FAQsFromConf(oc.Faqs)
	}
	return deps
}
