package model

// Audit event type constants
const (
	AuditEventBreakerStateChanged = "BREAKER_STATE_CHANGED"
	AuditEventBreakerReset        = "BREAKER_RESET"
	AuditEventStrategyAttempt     = "STRATEGY_ATTEMPT"
	AuditEventDeadLettered        = "DEAD_LETTERED"
)
