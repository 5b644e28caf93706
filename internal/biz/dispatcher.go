package biz

import (
	"context"
	"errors"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Dead-letter reasons.
const (
	DeadLetterExhausted    = "exhausted"
	DeadLetterNonRetryable = "non_retryable"
	DeadLetterAmbiguous    = "ambiguous"
	DeadLetterCanceled     = "canceled"
)

// OutboundMessage is one reply to deliver.
type OutboundMessage struct {
	Recipient      string
	Text           string
	IdempotencyKey string
}

// DeliveryResult describes what Send did.
type DeliveryResult struct {
	MessageID    string
	Accepted     bool
	Duplicate    bool
	Attempts     int
	DeadLettered bool
}

// ReplyIdempotencyKey derives the outbound key from an inbound message id.
func ReplyIdempotencyKey(inboundID string) string {
	return "reply:" + inboundID
}

// WhatsAppSender sends a text message and returns the provider message id.
type WhatsAppSender interface {
	SendText(ctx context.Context, recipient, text, idempotencyKey string) (string, error)
}

// IdempotencyStore claims keys so a message is acted on at most once.
type IdempotencyStore interface {
	// Claim marks key pending. If the key is already held it returns
	// claimed=false and the stored record.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, model.IdempotencyRecord, error)
	// Complete records the result of a claimed key.
	Complete(ctx context.Context, key, messageID string, ttl time.Duration) error
	// Release drops a claim so the key can be retried.
	Release(ctx context.Context, key string) error
}

// DeadLetterRepo persists undeliverable replies.
type DeadLetterRepo interface {
	Save(ctx context.Context, dl model.DeadLetter) error
}

// DeadLetterQuery lists dead letters for operators, newest first.
type DeadLetterQuery interface {
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// DeliveryDispatcher sends replies with retries, idempotency and dead letters.
type DeliveryDispatcher struct {
	sender             WhatsAppSender
	idem               IdempotencyStore
	deadLetters        DeadLetterRepo
	breakers           *CircuitBreakerManager
	policy             *RetryPolicy
	idempotencyTTL     time.Duration
	idempotentUpstream bool

	monitor *Monitor
	audit   AuditLogger
	clock   Clock
	log     *pkglog.LogHelper
}

// NewDeliveryDispatcher creates a dispatcher from the delivery configuration.
func NewDeliveryDispatcher(c *conf.Delivery, wa *conf.WhatsApp, sender WhatsAppSender, idem IdempotencyStore, deadLetters DeadLetterRepo,
	breakers *CircuitBreakerManager, monitor *Monitor, audit AuditLogger, clock Clock, logger log.Logger) (*DeliveryDispatcher, error) {
	if c == nil {
		return nil, errors.New("delivery configuration is required")
	}
	if c.MaxRetries < 0 {
		return nil, errors.New("delivery.max_retries must not be negative")
	}
	ttl := c.IdempotencyTtl.AsDuration()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DeliveryDispatcher{
		sender:             sender,
		idem:               idem,
		deadLetters:        deadLetters,
		breakers:           breakers,
		policy:             NewRetryPolicy(int(c.MaxRetries), c.BaseDelay.AsDuration(), c.MaxDelay.AsDuration()),
		idempotencyTTL:     ttl,
		idempotentUpstream: wa != nil && wa.IdempotentUpstream,
		monitor:            monitor,
		audit:              audit,
		clock:              clock,
		log:                pkglog.NewLogHelper(logger),
	}, nil
}

// temporary is implemented by transport errors that know whether a retry may help.
type temporary interface {
	Temporary() bool
}

func retryable(err error) bool {
	if IsDependencyUnavailable(err) || IsDependencyTimeout(err) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Send delivers msg at most once per idempotency key. A reply that cannot be
// delivered is dead-lettered and a DeliveryFailure error is returned.
func (d *DeliveryDispatcher) Send(ctx context.Context, msg OutboundMessage) (DeliveryResult, error) {
	var res DeliveryResult

	owned := false
	if msg.IdempotencyKey != "" {
		claimed, existing, err := d.idem.Claim(ctx, msg.IdempotencyKey, d.idempotencyTTL)
		switch {
		case err != nil:
			d.log.Warnw("msg", "idempotency store unavailable, sending without claim",
				"idempotency_key", msg.IdempotencyKey, "error", err)
		case !claimed:
			res.Duplicate = true
			res.MessageID = existing.MessageID
			d.log.Delivery("duplicate reply suppressed",
				"idempotency_key", msg.IdempotencyKey,
				"state", existing.State,
				"message_id", existing.MessageID)
			d.record(res)
			return res, nil
		default:
			owned = true
		}
	}

	var lastErr error
	reason := DeadLetterExhausted
	for attempt := 0; attempt <= d.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.clock.Sleep(ctx, d.policy.Delay(attempt-1)); err != nil {
				lastErr, reason = err, DeadLetterCanceled
				break
			}
		}
		res.Attempts++

		id, err := Call(ctx, d.breakers, DependencyWhatsApp, func(ctx context.Context) (string, error) {
			return d.sender.SendText(ctx, msg.Recipient, msg.Text, msg.IdempotencyKey)
		})
		if err == nil {
			res.Accepted = true
			res.MessageID = id
			if owned {
				if err := d.idem.Complete(ctx, msg.IdempotencyKey, id, d.idempotencyTTL); err != nil {
					d.log.Warnw("msg", "failed to complete idempotency key",
						"idempotency_key", msg.IdempotencyKey, "error", err)
				}
			}
			d.log.Delivery("reply delivered",
				"recipient", msg.Recipient,
				"message_id", id,
				"attempts", res.Attempts)
			d.record(res)
			return res, nil
		}

		lastErr = err
		d.log.Delivery("send attempt failed",
			"recipient", msg.Recipient,
			"attempt", res.Attempts,
			"error", err)

		if ctx.Err() != nil {
			reason = DeadLetterCanceled
			break
		}
		// Without upstream deduplication a timed-out send may have landed.
		if (IsDependencyTimeout(err) || isTimeout(err)) && !d.idempotentUpstream {
			reason = DeadLetterAmbiguous
			break
		}
		if !retryable(err) {
			reason = DeadLetterNonRetryable
			break
		}
	}

	if owned && reason != DeadLetterAmbiguous {
		if err := d.idem.Release(context.WithoutCancel(ctx), msg.IdempotencyKey); err != nil {
			d.log.Warnw("msg", "failed to release idempotency key",
				"idempotency_key", msg.IdempotencyKey, "error", err)
		}
	}

	d.deadLetter(ctx, msg, res.Attempts, reason, lastErr)
	res.DeadLettered = true
	d.record(res)
	return res, NewDeliveryFailureError(res.Attempts, lastErr)
}

func (d *DeliveryDispatcher) deadLetter(ctx context.Context, msg OutboundMessage, attempts int, reason string, cause error) {
	dl := model.DeadLetter{
		ID:             uuid.NewString(),
		IdempotencyKey: msg.IdempotencyKey,
		Recipient:      msg.Recipient,
		Body:           msg.Text,
		Attempts:       attempts,
		Reason:         reason,
		CreatedAt:      d.clock.Now(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	if dl.IdempotencyKey == "" {
		dl.IdempotencyKey = "dl:" + dl.ID
	}

	// Persist even when the message context is already done.
	saveCtx := context.WithoutCancel(ctx)
	_, err := Call(saveCtx, d.breakers, DependencyDatabase, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.deadLetters.Save(ctx, dl)
	})
	if err != nil {
		d.log.DeadLetter("failed to persist dead letter",
			"dead_letter_id", dl.ID,
			"recipient", dl.Recipient,
			"reason", reason,
			"error", err)
	} else {
		d.log.DeadLetter("reply dead-lettered",
			"dead_letter_id", dl.ID,
			"recipient", dl.Recipient,
			"attempts", attempts,
			"reason", reason,
			"last_error", dl.LastError)
	}

	if d.audit != nil {
		d.audit.LogDeadLettered(saveCtx, dl)
	}
	if d.monitor != nil {
		d.monitor.Raise(model.AlertEvent{
			Rule:     "delivery_failed",
			Severity: model.SeverityHigh,
			Metric:   "delivery.failed",
			Value:    float64(attempts),
			Message:  "reply could not be delivered and was dead-lettered (" + reason + ")",
			Source:   "delivery",
		})
	}
}

func (d *DeliveryDispatcher) record(res DeliveryResult) {
	if d.monitor != nil {
		d.monitor.RecordDelivery(res)
	}
}
