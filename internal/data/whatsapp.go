package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/pkg/httputil"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultWhatsAppBaseURL    = "https://graph.facebook.com"
	defaultWhatsAppAPIVersion = "v19.0"
	defaultWhatsAppTimeout    = 8 * time.Second
)

// WhatsAppAPIError is a non-2xx response from the Cloud API.
type WhatsAppAPIError struct {
	StatusCode int
	Code       int
	Message    string
	TraceID    string
}

func (e *WhatsAppAPIError) Error() string {
	return fmt.Sprintf("whatsapp: HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether a retry can succeed: throttling and server errors.
func (e *WhatsAppAPIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type whatsAppText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type whatsAppSendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

type whatsAppSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type whatsAppErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// WhatsAppClient sends text messages through the WhatsApp Cloud API.
// Retries and breaker handling belong to the caller.
type WhatsAppClient struct {
	endpoint    string
	accessToken string
	http        *http.Client
	logger      *pkglog.LogHelper
}

// NewWhatsAppClient creates a Cloud API client for the configured phone number.
func NewWhatsAppClient(c *conf.WhatsApp, logger log.Logger) (*WhatsAppClient, error) {
	if c == nil || c.PhoneNumberId == "" {
		return nil, fmt.Errorf("whatsapp phone_number_id is required")
	}
	if c.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp access_token is required")
	}

	baseURL := defaultWhatsAppBaseURL
	if c.BaseUrl != "" {
		baseURL = strings.TrimSuffix(c.BaseUrl, "/")
	}
	version := defaultWhatsAppAPIVersion
	if c.ApiVersion != "" {
		version = c.ApiVersion
	}
	timeout := defaultWhatsAppTimeout
	if c.Timeout != nil && c.Timeout.AsDuration() > 0 {
		timeout = c.Timeout.AsDuration()
	}

	client, err := httputil.NewClient(c.ProxyUrl, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build whatsapp http client: %w", err)
	}

	return &WhatsAppClient{
		endpoint:    fmt.Sprintf("%s/%s/%s/messages", baseURL, version, c.PhoneNumberId),
		accessToken: c.AccessToken,
		http:        client,
		logger:      pkglog.NewLogHelper(logger),
	}, nil
}

// SendText sends one text message and returns the upstream message id.
// The idempotency key travels as X-Idempotency-Key.
func (c *WhatsAppClient) SendText(ctx context.Context, recipient, text, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(whatsAppSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             whatsAppText{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal whatsapp message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read whatsapp response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &WhatsAppAPIError{StatusCode: resp.StatusCode, Message: string(body)}
		var errResp whatsAppErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
			apiErr.TraceID = errResp.Error.FBTraceID
		}
		c.logger.Warnw("msg", "whatsapp send rejected",
			"recipient", recipient,
			"status", resp.StatusCode,
			"code", apiErr.Code,
			"fbtrace_id", apiErr.TraceID)
		return "", apiErr
	}

	var out whatsAppSendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("invalid whatsapp response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("whatsapp response has no message id")
	}

	c.logger.Debugw("msg", "whatsapp message accepted",
		"recipient", recipient,
		"message_id", out.Messages[0].ID,
		"duration_ms", time.Since(start).Milliseconds())
	return out.Messages[0].ID, nil
}
