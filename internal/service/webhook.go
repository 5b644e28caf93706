package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ReplyRelay/internal/biz"
	"ReplyRelay/internal/conf"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultWebhookPath = "/webhook"

// WebhookPayload is the Meta WhatsApp Business webhook body.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []WebhookMessage `json:"messages"`
	// Statuses are delivery receipts for our own replies; acknowledged and ignored.
	Statuses []json.RawMessage `json:"statuses"`
}

type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// messages flattens every message across entries and changes.
func (p *WebhookPayload) messages() []WebhookMessage {
	var out []WebhookMessage
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			out = append(out, c.Value.Messages...)
		}
	}
	return out
}

// WebhookRequest is a received webhook delivery before parsing.
type WebhookRequest struct {
	Body      []byte
	Signature string
	ClientIP  string
	Path      string
}

// WebhookReply is returned to Meta on acceptance.
type WebhookReply struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Ignored  int    `json:"ignored"`
}

// VerifyRequest is the GET handshake sent when the webhook is registered.
type VerifyRequest struct {
	Mode        string
	VerifyToken string
	Challenge   string
}

// ErrVerifyFailed is returned when the handshake token does not match.
var ErrVerifyFailed = errors.New("webhook verification failed")

// WebhookService authenticates, rate limits and queues inbound messages.
type WebhookService struct {
	path        string
	verifyToken string
	maxBody     int64
	validator   *biz.SignatureValidator
	limiter     *biz.RateLimiterUseCase
	pipeline    *biz.Pipeline
	monitor     *biz.Monitor
	log         *pkglog.LogHelper
}

// NewWebhookService creates the webhook service.
func NewWebhookService(c *conf.Webhook, validator *biz.SignatureValidator, limiter *biz.RateLimiterUseCase,
	pipeline *biz.Pipeline, monitor *biz.Monitor, logger log.Logger) *WebhookService {
	s := &WebhookService{
		path:      defaultWebhookPath,
		maxBody:   1 << 20,
		validator: validator,
		limiter:   limiter,
		pipeline:  pipeline,
		monitor:   monitor,
		log:       pkglog.NewLogHelper(logger),
	}
	if c != nil {
		if c.Path != "" {
			s.path = c.Path
		}
		if c.MaxBodyBytes > 0 {
			s.maxBody = c.MaxBodyBytes
		}
		s.verifyToken = c.VerifyToken
	}
	return s
}

// Path is the route the webhook is served on.
func (s *WebhookService) Path() string { return s.path }

// MaxBodyBytes bounds the request body read by the transport.
func (s *WebhookService) MaxBodyBytes() int64 { return s.maxBody }

// Receive handles one POST delivery. Signature failures are 401, bad JSON
// is 400 and rate limiting is 429. Everything else is acknowledged.
func (s *WebhookService) Receive(ctx context.Context, req *WebhookRequest) (*WebhookReply, error) {
	if !s.validator.Verify(req.Body, req.Signature) {
		s.monitor.Record("webhook.rejected", 1, map[string]string{"reason": "signature"})
		return nil, biz.NewAuthenticationError()
	}

	var payload WebhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		s.monitor.Record("webhook.rejected", 1, map[string]string{"reason": "payload"})
		return nil, biz.NewPayloadError(err)
	}
	msgs := payload.messages()

	values := biz.ScopeValues{IP: req.ClientIP, Endpoint: req.Path}
	if len(msgs) > 0 {
		values.UserID = msgs[0].From
	}
	if err := s.limiter.Check(ctx, values).Err(); err != nil {
		return nil, err
	}

	requestID := pkglog.GetRequestID(ctx)
	// kratos 的请求 Context 在响应后会被复用，异步处理只携带 Request ID 和 IP
	msgCtx := pkglog.WithRequestContext(context.Background(), requestID, req.ClientIP)
	reply := &WebhookReply{Status: "received"}
	for _, m := range msgs {
		if m.Type != "text" || m.Text == nil || m.ID == "" || m.From == "" {
			reply.Ignored++
			s.log.Webhook("non-text message ignored", "message_id", m.ID, "message_type", m.Type)
			continue
		}

		inbound := biz.InboundMessage{
			RequestID: requestID,
			MessageID: m.ID,
			From:      m.From,
			Text:      m.Text.Body,
			Type:      m.Type,
			Timestamp: parseUnix(m.Timestamp),
		}
		if err := s.pipeline.Enqueue(msgCtx, inbound); err != nil {
			// 已入队的消息会被幂等键去重，Meta 重投时不会重复回复
			s.log.Errorw("msg", "failed to enqueue inbound message",
				"message_id", m.ID,
				"sender", m.From,
				"accepted", reply.Accepted,
				"error", err)
			s.monitor.Record("webhook.backpressure", 1, nil)
			return nil, biz.NewBackpressureError(err)
		}
		reply.Accepted++
	}

	s.monitor.Record("webhook.received", float64(len(msgs)), nil)
	s.log.Webhook(fmt.Sprintf("[%s] webhook accepted", requestID),
		"accepted", reply.Accepted,
		"ignored", reply.Ignored,
		"statuses", countStatuses(&payload))
	return reply, nil
}

// Verify answers the subscription handshake, echoing the challenge when the
// verify token matches.
func (s *WebhookService) Verify(_ context.Context, req *VerifyRequest) (string, error) {
	if req.Mode != "subscribe" || s.verifyToken == "" || req.VerifyToken != s.verifyToken {
		s.log.Security("webhook verification rejected", "mode", req.Mode)
		return "", ErrVerifyFailed
	}
	s.log.Webhook("webhook verified")
	return req.Challenge, nil
}

func countStatuses(p *WebhookPayload) int {
	n := 0
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			n += len(c.Value.Statuses)
		}
	}
	return n
}

func parseUnix(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
