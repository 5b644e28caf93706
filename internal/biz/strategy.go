package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
)

// StrategyID names a reply strategy in configuration.
type StrategyID string

const (
	StrategySimpleLLM   StrategyID = "simple_llm"
	StrategyAdvancedLLM StrategyID = "advanced_llm"
	StrategyMultiAgent  StrategyID = "multi_agent"
	StrategyHybrid      StrategyID = "hybrid"
	// StrategyFallback marks a reply served from the configured fallback message.
	StrategyFallback StrategyID = "fallback"
)

// ConversationContext is the input of one reply generation.
type ConversationContext struct {
	RequestID  string
	MessageID  string
	UserID     string
	Text       string
	History    []model.Turn
	ReceivedAt time.Time
}

// Strategy produces a reply for a conversation.
type Strategy interface {
	ID() StrategyID
	Generate(ctx context.Context, cc ConversationContext) (string, error)
}

// LLMProvider is a text completion backend.
type LLMProvider interface {
	Generate(ctx context.Context, prompt model.Prompt) (string, error)
}

// guardedProvider routes provider calls through a dependency breaker.
type guardedProvider struct {
	breakers   *CircuitBreakerManager
	dependency string
	provider   LLMProvider
}

func (g guardedProvider) Generate(ctx context.Context, prompt model.Prompt) (string, error) {
	return Call(ctx, g.breakers, g.dependency, func(ctx context.Context) (string, error) {
		return g.provider.Generate(ctx, prompt)
	})
}

// StrategyDeps are the collaborators strategies are built from. A nil
// provider means that backend is not configured.
type StrategyDeps struct {
	OpenAI       LLMProvider
	Gemini       LLMProvider
	SystemPrompt string
	RouterModel  string
	Specialists  map[string]string
	FAQs         []FAQ
}

type strategyFactory func(d StrategyDeps) (Strategy, error)

var errProviderMissing = errors.New("provider not configured")

// strategyTable maps every known id to its constructor.
var strategyTable = map[StrategyID]strategyFactory{
	StrategySimpleLLM: func(d StrategyDeps) (Strategy, error) {
		if d.OpenAI == nil {
			return nil, errProviderMissing
		}
		return &simpleLLMStrategy{provider: d.OpenAI, system: d.SystemPrompt}, nil
	},
	StrategyAdvancedLLM: func(d StrategyDeps) (Strategy, error) {
		if d.Gemini == nil {
			return nil, errProviderMissing
		}
		return &advancedLLMStrategy{provider: d.Gemini, system: d.SystemPrompt}, nil
	},
	StrategyMultiAgent: func(d StrategyDeps) (Strategy, error) {
		if d.OpenAI == nil {
			return nil, errProviderMissing
		}
		return &multiAgentStrategy{
			provider:    d.OpenAI,
			routerModel: d.RouterModel,
			system:      d.SystemPrompt,
			specialists: d.Specialists,
		}, nil
	},
	StrategyHybrid: func(d StrategyDeps) (Strategy, error) {
		return &hybridStrategy{faqs: d.FAQs, provider: d.OpenAI, system: d.SystemPrompt}, nil
	},
}

// ParseStrategyID rejects ids that have no entry in the strategy table.
func ParseStrategyID(s string) (StrategyID, error) {
	id := StrategyID(s)
	if _, ok := strategyTable[id]; !ok {
		known := make([]string, 0, len(strategyTable))
		for k := range strategyTable {
			known = append(known, string(k))
		}
		sort.Strings(known)
		return "", fmt.Errorf("unknown strategy %q (known: %s)", s, strings.Join(known, ", "))
	}
	return id, nil
}

// simpleLLMStrategy is a single chat completion on the OpenAI-compatible backend.
type simpleLLMStrategy struct {
	provider LLMProvider
	system   string
}

func (s *simpleLLMStrategy) ID() StrategyID { return StrategySimpleLLM }

func (s *simpleLLMStrategy) Generate(ctx context.Context, cc ConversationContext) (string, error) {
	return s.provider.Generate(ctx, model.Prompt{System: s.system, History: cc.History, User: cc.Text})
}

// advancedLLMStrategy uses Gemini.
type advancedLLMStrategy struct {
	provider LLMProvider
	system   string
}

func (s *advancedLLMStrategy) ID() StrategyID { return StrategyAdvancedLLM }

func (s *advancedLLMStrategy) Generate(ctx context.Context, cc ConversationContext) (string, error) {
	return s.provider.Generate(ctx, model.Prompt{System: s.system, History: cc.History, User: cc.Text})
}

const routerPrompt = `You route WhatsApp customer messages for a small business.
Classify the latest user message. Known intents: %s, general.
Reply with JSON only:
{"intent": "<intent>", "confidence": 0.0-1.0, "response": "<short reply if no specialist is needed, else empty>"}`

// RouterDecision is the JSON answer of the router call.
type RouterDecision struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Response   string  `json:"response"`
}

// multiAgentStrategy classifies intent with a router call and answers with a
// specialist prompt.
type multiAgentStrategy struct {
	provider    LLMProvider
	routerModel string
	system      string
	specialists map[string]string
}

func (s *multiAgentStrategy) ID() StrategyID { return StrategyMultiAgent }

func (s *multiAgentStrategy) Generate(ctx context.Context, cc ConversationContext) (string, error) {
	intents := make([]string, 0, len(s.specialists))
	for intent := range s.specialists {
		intents = append(intents, intent)
	}
	sort.Strings(intents)

	raw, err := s.provider.Generate(ctx, model.Prompt{
		Model:   s.routerModel,
		System:  fmt.Sprintf(routerPrompt, strings.Join(intents, ", ")),
		History: cc.History,
		User:    cc.Text,
		JSON:    true,
	})
	if err != nil {
		return "", fmt.Errorf("router: %w", err)
	}
	decision, err := parseRouterDecision(raw)
	if err != nil {
		return "", err
	}

	if specialist, ok := s.specialists[decision.Intent]; ok {
		return s.provider.Generate(ctx, model.Prompt{System: specialist, History: cc.History, User: cc.Text})
	}
	if strings.TrimSpace(decision.Response) != "" {
		return decision.Response, nil
	}
	return s.provider.Generate(ctx, model.Prompt{System: s.system, History: cc.History, User: cc.Text})
}

// parseRouterDecision extracts the outermost JSON object from raw.
func parseRouterDecision(raw string) (RouterDecision, error) {
	var d RouterDecision
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end < start {
		return d, fmt.Errorf("router returned no JSON object")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return d, fmt.Errorf("router returned invalid JSON: %w", err)
	}
	d.Intent = strings.ToLower(strings.TrimSpace(d.Intent))
	return d, nil
}

// FAQ is a canned answer matched by keywords.
type FAQ struct {
	Keywords []string
	Answer   string
}

// FAQsFromConf lowercases configured keywords.
func FAQsFromConf(faqs []*conf.Orchestrator_FAQ) []FAQ {
	out := make([]FAQ, 0, len(faqs))
	for _, f := range faqs {
		if f == nil || f.Answer == "" || len(f.Keywords) == 0 {
			continue
		}
		kws := make([]string, 0, len(f.Keywords))
		for _, k := range f.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		out = append(out, FAQ{Keywords: kws, Answer: f.Answer})
	}
	return out
}

// hybridStrategy answers from the FAQ table and falls back to the LLM.
type hybridStrategy struct {
	faqs     []FAQ
	provider LLMProvider
	system   string
}

func (s *hybridStrategy) ID() StrategyID { return StrategyHybrid }

func (s *hybridStrategy) Generate(ctx context.Context, cc ConversationContext) (string, error) {
	if answer, ok := matchFAQ(s.faqs, cc.Text); ok {
		return answer, nil
	}
	if s.provider == nil {
		return "", fmt.Errorf("no FAQ matched and %w", errProviderMissing)
	}
	return s.provider.Generate(ctx, model.Prompt{System: s.system, History: cc.History, User: cc.Text})
}

// matchFAQ returns the answer of the first FAQ with a keyword in text.
func matchFAQ(faqs []FAQ, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, f := range faqs {
		for _, k := range f.Keywords {
			if strings.Contains(lower, k) {
				return f.Answer, true
			}
		}
	}
	return "", false
}
