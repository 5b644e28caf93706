package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	"ReplyRelay/pkg/httputil"
	"ReplyRelay/pkg/openai"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultLLMTimeout    = 30 * time.Second
)

// OpenAIProvider generates replies through an OpenAI-compatible chat API.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature *float32
	logger      *log.Helper
}

// NewOpenAIProvider returns nil when no API key is configured.
func NewOpenAIProvider(c *conf.LLM, logger log.Logger) (*OpenAIProvider, error) {
	if c == nil || c.Openai == nil || c.Openai.ApiKey == "" {
		return nil, nil
	}
	oc := c.Openai

	baseURL := defaultOpenAIBaseURL
	if oc.BaseUrl != "" {
		baseURL = oc.BaseUrl
	}
	modelName := defaultOpenAIModel
	if oc.Model != "" {
		modelName = oc.Model
	}
	timeout := defaultLLMTimeout
	if oc.Timeout != nil && oc.Timeout.AsDuration() > 0 {
		timeout = oc.Timeout.AsDuration()
	}

	httpClient, err := httputil.NewClient(oc.ProxyUrl, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build openai http client: %w", err)
	}

	p := &OpenAIProvider{
		client:    openai.NewClient(baseURL, oc.ApiKey, httpClient),
		model:     modelName,
		maxTokens: int(oc.MaxTokens),
		logger:    log.NewHelper(logger),
	}
	if oc.Temperature > 0 {
		t := oc.Temperature
		p.temperature = &t
	}
	return p, nil
}

// Generate runs one chat completion for prompt.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt model.Prompt) (string, error) {
	req := openai.ChatRequest{
		Model:       p.model,
		Messages:    toOpenAIMessages(prompt),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	if prompt.Model != "" {
		req.Model = prompt.Model
	}
	if prompt.JSON {
		req.ResponseFormat = &openai.ResponseFormat{Type: "json_object"}
	}

	resp, err := p.client.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	content, err := resp.Content()
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", openai.ErrEmptyResponse
	}

	p.logger.Debugw("msg", "openai completion",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return content, nil
}

func toOpenAIMessages(prompt model.Prompt) []openai.Message {
	msgs := make([]openai.Message, 0, len(prompt.History)+2)
	if prompt.System != "" {
		msgs = append(msgs, openai.Message{Role: openai.RoleSystem, Content: prompt.System})
	}
	for _, turn := range prompt.History {
		role := openai.RoleUser
		if turn.Role == model.RoleAssistant {
			role = openai.RoleAssistant
		}
		msgs = append(msgs, openai.Message{Role: role, Content: turn.Text})
	}
	return append(msgs, openai.Message{Role: openai.RoleUser, Content: prompt.User})
}
