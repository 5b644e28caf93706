package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// MockLLMProvider is a mock implementation of LLMProvider for testing.
type MockLLMProvider struct {
	mock.Mock
}

func (m *MockLLMProvider) Generate(ctx context.Context, prompt model.Prompt) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

const fallbackText = "Thanks for your message, we will get back to you shortly."

func orchestratorConf(strategies ...string) *conf.Orchestrator {
	return &conf.Orchestrator{
		Strategies:      strategies,
		StrategyTimeout: durationpb.New(time.Second),
		FallbackMessage: fallbackText,
		SystemPrompt:    "You are a helpful assistant.",
	}
}

func newTestOrchestrator(t *testing.T, c *conf.Orchestrator, deps StrategyDeps) (*Orchestrator, *CircuitBreakerManager, *Monitor) {
	t.Helper()
	clock := newFakeClock()
	monitor, _, _ := newTestMonitor(t, clock)
	breakers := newTestBreakers(t, clock)
	o, err := NewOrchestrator(c, deps, breakers, monitor, nil, clock, log.DefaultLogger)
	require.NoError(t, err)
	return o, breakers, monitor
}

func outcomes(r StrategyResult) []AttemptOutcome {
	out := make([]AttemptOutcome, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func failureCount(m *CircuitBreakerManager, dep string) int {
	for _, s := range m.Snapshot() {
		if s.Dependency == dep {
			return s.Failures
		}
	}
	return -1
}

func TestGenerateReply_FirstFailsSecondSucceeds(t *testing.T) {
	openai := new(MockLLMProvider)
	gemini := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("503 from upstream"))
	gemini.On("Generate", mock.Anything, mock.Anything).Return("  Hello from Gemini  ", nil)

	o, breakers, monitor := newTestOrchestrator(t, orchestratorConf("simple_llm", "advanced_llm"),
		StrategyDeps{OpenAI: openai, Gemini: gemini})

	res := o.GenerateReply(context.Background(), ConversationContext{RequestID: "r1", Text: "hi"})

	assert.True(t, res.Success)
	assert.False(t, res.Degraded)
	assert.Equal(t, StrategyAdvancedLLM, res.Strategy)
	assert.Equal(t, "Hello from Gemini", res.Reply)
	assert.Equal(t, []AttemptOutcome{AttemptFailure, AttemptSuccess}, outcomes(res))
	assert.Equal(t, 1, failureCount(breakers, "llm:simple_llm"))
	assert.Equal(t, 0, failureCount(breakers, "llm:advanced_llm"))
	assert.Equal(t, int64(1), monitor.Counter(MetricStrategyAttempt, map[string]string{"strategy": "simple_llm", "outcome": "failure"}))
}

func TestGenerateReply_AllFailReturnsFallback(t *testing.T) {
	openai := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("boom"))

	o, _, _ := newTestOrchestrator(t, orchestratorConf("simple_llm", "hybrid"), StrategyDeps{OpenAI: openai})
	res := o.GenerateReply(context.Background(), ConversationContext{Text: "what are your prices?"})

	assert.True(t, res.Degraded)
	assert.False(t, res.Success)
	assert.Equal(t, StrategyFallback, res.Strategy)
	assert.Equal(t, fallbackText, res.Reply)
	assert.Equal(t, []AttemptOutcome{AttemptFailure, AttemptFailure}, outcomes(res))
	assert.Contains(t, res.Error, "boom")
	assert.Contains(t, res.Error, ReasonStrategyFailed)
	assert.Contains(t, res.Attempts[0].Error, "strategy simple_llm failed")
}

func TestGenerateReply_EmptyReplyIsFailure(t *testing.T) {
	openai := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.Anything).Return("   ", nil)

	o, breakers, _ := newTestOrchestrator(t, orchestratorConf("simple_llm"), StrategyDeps{OpenAI: openai})
	res := o.GenerateReply(context.Background(), ConversationContext{Text: "hi"})

	assert.True(t, res.Degraded)
	assert.Equal(t, []AttemptOutcome{AttemptFailure}, outcomes(res))
	assert.Equal(t, 1, failureCount(breakers, "llm:simple_llm"))
}

func TestGenerateReply_OpenBreakerIsSkipped(t *testing.T) {
	openai := new(MockLLMProvider)
	gemini := new(MockLLMProvider)
	gemini.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)

	o, breakers, _ := newTestOrchestrator(t, orchestratorConf("simple_llm", "advanced_llm"),
		StrategyDeps{OpenAI: openai, Gemini: gemini})
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), breakers, "llm:simple_llm", fail)
	}

	res := o.GenerateReply(context.Background(), ConversationContext{Text: "hi"})
	assert.Equal(t, []AttemptOutcome{AttemptSkipped, AttemptSuccess}, outcomes(res))
	openai.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerateReply_StrategyTimeout(t *testing.T) {
	openai := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.Anything).Return("late", nil).
		WaitUntil(time.After(200 * time.Millisecond))

	c := orchestratorConf("simple_llm")
	c.StrategyTimeout = durationpb.New(20 * time.Millisecond)
	o, _, _ := newTestOrchestrator(t, c, StrategyDeps{OpenAI: openai})

	res := o.GenerateReply(context.Background(), ConversationContext{Text: "hi"})
	assert.True(t, res.Degraded)
	assert.Equal(t, []AttemptOutcome{AttemptTimeout}, outcomes(res))
}

func TestNewOrchestrator_Strategies(t *testing.T) {
	clock := newFakeClock()
	breakers := newTestBreakers(t, clock)

	_, err := NewOrchestrator(orchestratorConf("simple_llm", "telepathy"), StrategyDeps{}, breakers, nil, nil, clock, log.DefaultLogger)
	assert.Error(t, err)

	o, err := NewOrchestrator(orchestratorConf("advanced_llm", "simple_llm", "hybrid"), StrategyDeps{OpenAI: new(MockLLMProvider)},
		breakers, nil, nil, clock, log.DefaultLogger)
	require.NoError(t, err)
	assert.Equal(t, []StrategyID{StrategySimpleLLM, StrategyHybrid}, o.Strategies(), "gemini strategy dropped without a key")
	assert.Equal(t, time.Second, breakers.Get("llm:simple_llm").Config().CallTimeout)
}

func TestHybridStrategy_FAQFirst(t *testing.T) {
	openai := new(MockLLMProvider)
	s := &hybridStrategy{
		faqs:     FAQsFromConf([]*conf.Orchestrator_FAQ{{Keywords: []string{"Opening Hours", "open"}, Answer: "We are open 9-18."}}),
		provider: openai,
	}

	reply, err := s.Generate(context.Background(), ConversationContext{Text: "What are your OPENING HOURS?"})
	require.NoError(t, err)
	assert.Equal(t, "We are open 9-18.", reply)
	openai.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

	openai.On("Generate", mock.Anything, mock.Anything).Return("llm answer", nil)
	reply, err = s.Generate(context.Background(), ConversationContext{Text: "do you deliver?"})
	require.NoError(t, err)
	assert.Equal(t, "llm answer", reply)
}

func TestMultiAgentStrategy_RoutesToSpecialist(t *testing.T) {
	openai := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.MatchedBy(func(p model.Prompt) bool { return p.JSON })).
		Return("Sure: {\"intent\": \"Booking\", \"confidence\": 0.9, \"response\": \"\"}", nil)
	openai.On("Generate", mock.Anything, mock.MatchedBy(func(p model.Prompt) bool { return p.System == "booking specialist" })).
		Return("Your slot is booked.", nil)

	s := &multiAgentStrategy{
		provider:    openai,
		routerModel: "gpt-4o-mini",
		specialists: map[string]string{"booking": "booking specialist"},
	}
	reply, err := s.Generate(context.Background(), ConversationContext{Text: "book me for 3pm"})
	require.NoError(t, err)
	assert.Equal(t, "Your slot is booked.", reply)
	openai.AssertNumberOfCalls(t, "Generate", 2)
}

func TestMultiAgentStrategy_RouterAnswersDirectly(t *testing.T) {
	openai := new(MockLLMProvider)
	openai.On("Generate", mock.Anything, mock.Anything).
		Return(`{"intent": "general", "confidence": 0.95, "response": "Hi there!"}`, nil).Once()

	s := &multiAgentStrategy{provider: openai, specialists: map[string]string{}}
	reply, err := s.Generate(context.Background(), ConversationContext{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply)
}

func TestParseRouterDecision_Invalid(t *testing.T) {
	_, err := parseRouterDecision("no json here")
	assert.Error(t, err)
	_, err = parseRouterDecision("{intent: booking}")
	assert.Error(t, err)
}
