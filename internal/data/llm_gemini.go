package data

import (
	"context"
	"fmt"
	"strings"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GeminiProvider generates replies with Google Gemini.
type GeminiProvider struct {
	client *genai.Client
	model  string
	logger *log.Helper
}

// NewGeminiProvider returns nil when no API key is configured.
func NewGeminiProvider(c *conf.LLM, logger log.Logger) (*GeminiProvider, func(), error) {
	if c == nil || c.Gemini == nil || c.Gemini.ApiKey == "" {
		return nil, func() {}, nil
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(c.Gemini.ApiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	modelName := defaultGeminiModel
	if c.Gemini.Model != "" {
		modelName = c.Gemini.Model
	}

	helper := log.NewHelper(logger)
	cleanup := func() {
		if err := client.Close(); err != nil {
			helper.Errorf("failed to close gemini client: %v", err)
		}
	}
	return &GeminiProvider{client: client, model: modelName, logger: helper}, cleanup, nil
}

// Generate sends prompt as a chat session seeded with the conversation history.
func (p *GeminiProvider) Generate(ctx context.Context, prompt model.Prompt) (string, error) {
	name := p.model
	if prompt.Model != "" {
		name = prompt.Model
	}

	// GenerativeModel 不是并发安全的，每次调用单独创建
	gm := p.client.GenerativeModel(name)
	if prompt.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(prompt.System)}}
	}
	if prompt.JSON {
		gm.ResponseMIMEType = "application/json"
	}

	cs := gm.StartChat()
	cs.History = toGeminiHistory(prompt.History)

	resp, err := cs.SendMessage(ctx, genai.Text(prompt.User))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text := geminiText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}

func toGeminiHistory(turns []model.Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := "user"
		if turn.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(turn.Text)}})
	}
	return history
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}
