package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// alertPayload is the JSON body posted to webhook sinks.
type alertPayload struct {
	ID            string    `json:"id"`
	Rule          string    `json:"rule"`
	Severity      string    `json:"severity"`
	Metric        string    `json:"metric"`
	Value         float64   `json:"value"`
	Threshold     float64   `json:"threshold"`
	Message       string    `json:"message"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

func newAlertPayload(evt model.AlertEvent) alertPayload {
	return alertPayload{
		ID:            evt.ID,
		Rule:          evt.Rule,
		Severity:      string(evt.Severity),
		Metric:        evt.Metric,
		Value:         evt.Value,
		Threshold:     evt.Threshold,
		Message:       evt.Message,
		Source:        evt.Source,
		Timestamp:     evt.Timestamp,
		CooldownUntil: evt.CooldownUntil,
	}
}

// LogAlertSink writes alerts to the alert log category. It is always enabled.
type LogAlertSink struct {
	logger *pkglog.LogHelper
}

// NewLogAlertSink 创建日志告警通道
func NewLogAlertSink(logger log.Logger) *LogAlertSink {
	return &LogAlertSink{logger: pkglog.NewLogHelper(logger)}
}

func (s *LogAlertSink) Name() string { return "log" }

func (s *LogAlertSink) Send(_ context.Context, evt model.AlertEvent) error {
	s.logger.Alert(evt.Message,
		"alert_id", evt.ID,
		"rule", evt.Rule,
		"severity", string(evt.Severity),
		"metric", evt.Metric,
		"value", evt.Value,
		"threshold", evt.Threshold,
		"source", evt.Source)
	return nil
}

// WebhookAlertSink posts alerts as JSON to an operator endpoint.
type WebhookAlertSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookAlertSink 创建 Webhook 告警通道
func NewWebhookAlertSink(c *conf.Alerting_Webhook, client *http.Client) (*WebhookAlertSink, error) {
	if c == nil || c.Url == "" {
		return nil, fmt.Errorf("alert webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAlertSink{url: c.Url, headers: c.Headers, client: client}, nil
}

func (s *WebhookAlertSink) Name() string { return "webhook" }

func (s *WebhookAlertSink) Send(ctx context.Context, evt model.AlertEvent) error {
	body, err := json.Marshal(newAlertPayload(evt))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailAlertSink mails alerts over SMTP.
type EmailAlertSink struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail sendMailFunc
}

// NewEmailAlertSink 创建邮件告警通道
func NewEmailAlertSink(c *conf.Alerting_Email) (*EmailAlertSink, error) {
	if c == nil || c.SmtpHost == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if c.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if len(c.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	port := c.SmtpPort
	if port == 0 {
		port = 587
	}

	var auth smtp.Auth
	if c.Username != "" {
		auth = smtp.PlainAuth("", c.Username, c.Password, c.SmtpHost)
	}
	return &EmailAlertSink{
		addr:     fmt.Sprintf("%s:%d", c.SmtpHost, port),
		auth:     auth,
		from:     c.From,
		to:       c.To,
		sendMail: smtp.SendMail,
	}, nil
}

func (s *EmailAlertSink) Name() string { return "email" }

// Send 发送告警邮件。smtp.SendMail 不支持 context，超时前已取消则直接返回
func (s *EmailAlertSink) Send(ctx context.Context, evt model.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from, s.to, s.buildMessage(evt))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send alert email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EmailAlertSink) buildMessage(evt model.AlertEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] ReplyRelay alert: %s\r\n", evt.Severity, evt.Rule)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", evt.Message)
	fmt.Fprintf(&b, "Alert ID:  %s\r\n", evt.ID)
	fmt.Fprintf(&b, "Metric:    %s\r\n", evt.Metric)
	fmt.Fprintf(&b, "Value:     %.2f\r\n", evt.Value)
	fmt.Fprintf(&b, "Threshold: %.2f\r\n", evt.Threshold)
	fmt.Fprintf(&b, "Source:    %s\r\n", evt.Source)
	fmt.Fprintf(&b, "Time:      %s\r\n", evt.Timestamp.UTC().Format(time.RFC3339))
	return []byte(b.String())
}
