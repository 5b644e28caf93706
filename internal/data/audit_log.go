package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AuditLog is the GORM model for replyrelay_audit_logs table
type AuditLog struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	EventType string    `gorm:"column:event_type;type:varchar(50);not null;index"`
	Subject   string    `gorm:"column:subject;type:varchar(191);not null;index"` // dependency, strategy or idempotency key
	Details   string    `gorm:"column:details;type:json"`                       // JSON string
	Operator  string    `gorm:"column:operator;type:varchar(64);default:'system';not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "replyrelay_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger with an async buffered writer.
// Without a database the records go to the audit log category only.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *pkglog.LogHelper

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuditLogger creates a new audit logger with async channel. The cleanup
// drains queued records before returning.
func NewAuditLogger(d *Data, logger log.Logger) (*AuditLoggerImpl, func(), error) {
	al := &AuditLoggerImpl{
		db:      d.GetDB(),
		logChan: make(chan *AuditLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  pkglog.NewLogHelper(logger),
		done:    make(chan struct{}),
	}

	go al.start()

	return al, al.Close, nil
}

// start processes audit log events from channel
func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for event := range a.logChan {
		if a.db == nil {
			a.logger.Audit(event.EventType, "subject", event.Subject, "details", event.Details, "operator", event.Operator)
			continue
		}
		if err := a.db.WithContext(context.Background()).Create(event).Error; err != nil {
			a.logger.Errorw("msg", "failed to write audit log",
				"event_type", event.EventType,
				"subject", event.Subject,
				"error", err)
		}
	}
}

// Close stops accepting records and waits for the queue to drain.
func (a *AuditLoggerImpl) Close() {
	a.closeOnce.Do(func() {
		close(a.logChan)
		<-a.done
		a.logger.Info("audit logger flushed")
	})
}

// enqueue sends to channel (non-blocking)
func (a *AuditLoggerImpl) enqueue(eventType, subject, operator string, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("msg", "failed to marshal audit log details", "error", err)
		return
	}
	event := &AuditLog{
		EventType: eventType,
		Subject:   subject,
		Details:   string(detailsJSON),
		Operator:  operator,
	}

	defer func() {
		// Close raced with a late event; drop it.
		if recover() != nil {
			a.logger.Warnw("msg", "audit logger closed, dropping event", "event_type", eventType)
		}
	}()
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("msg", "audit log channel full, dropping event",
			"event_type", eventType,
			"subject", subject)
	}
}

// LogBreakerStateChanged logs a circuit breaker transition
func (a *AuditLoggerImpl) LogBreakerStateChanged(_ context.Context, evt model.BreakerStateChangedEvent) {
	a.enqueue(model.AuditEventBreakerStateChanged, evt.Dependency, "system", map[string]interface{}{
		"from":          evt.From,
		"to":            evt.To,
		"failure_count": evt.FailureCount,
		"at":            evt.At.Format(time.RFC3339Nano),
	})
}

// LogBreakerReset logs a manual breaker reset
func (a *AuditLoggerImpl) LogBreakerReset(_ context.Context, dependency, operator string) {
	if operator == "" {
		operator = "system"
	}
	a.enqueue(model.AuditEventBreakerReset, dependency, operator, map[string]interface{}{})
}

// LogStrategyAttempt logs one reply strategy attempt
func (a *AuditLoggerImpl) LogStrategyAttempt(_ context.Context, evt model.StrategyAttemptEvent) {
	a.enqueue(model.AuditEventStrategyAttempt, evt.Strategy, "system", map[string]interface{}{
		"request_id": evt.RequestID,
		"outcome":    evt.Outcome,
		"latency_ms": evt.Latency.Milliseconds(),
		"error":      evt.Error,
	})
}

// LogDeadLettered logs a reply moved to the dead-letter table
func (a *AuditLoggerImpl) LogDeadLettered(_ context.Context, dl model.DeadLetter) {
	a.enqueue(model.AuditEventDeadLettered, dl.IdempotencyKey, "system", map[string]interface{}{
		"dead_letter_id": dl.ID,
		"attempts":       dl.Attempts,
		"reason":         dl.Reason,
	})
}
