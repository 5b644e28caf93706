package biz

import (
	"context"

	"ReplyRelay/internal/model"
)

// AuditLogger defines the interface for audit logging. Implementations must
// not block the caller.
type AuditLogger interface {
	// LogBreakerStateChanged logs a circuit breaker transition
	LogBreakerStateChanged(ctx context.Context, evt model.BreakerStateChangedEvent)

	// LogBreakerReset logs a manual breaker reset
	LogBreakerReset(ctx context.Context, dependency, operator string)

	// LogStrategyAttempt logs one reply strategy attempt
	LogStrategyAttempt(ctx context.Context, evt model.StrategyAttemptEvent)

	// LogDeadLettered logs a reply moved to the dead-letter table
	LogDeadLettered(ctx context.Context, dl model.DeadLetter)
}

// auditBreakerSink forwards breaker transitions to the audit log.
type auditBreakerSink struct {
	audit AuditLogger
}

func (s auditBreakerSink) OnBreakerStateChanged(ctx context.Context, evt model.BreakerStateChangedEvent) {
	s.audit.LogBreakerStateChanged(ctx, evt)
}
