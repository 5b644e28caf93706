package model

import "time"

// BreakerStateChangedEvent is emitted on every circuit breaker transition.
type BreakerStateChangedEvent struct {
	Dependency   string
	From         string
	To           string
	FailureCount int
	At           time.Time
}

// StrategyAttemptEvent records a single strategy invocation inside a reply generation.
type StrategyAttemptEvent struct {
	RequestID string
	Strategy  string
	Outcome   string
	Latency   time.Duration
	Error     string
	At        time.Time
}

// RateLimitViolationEvent is emitted when a request is rejected by a scope.
type RateLimitViolationEvent struct {
	Scope      string
	Key        string
	RetryAfter time.Duration
	At         time.Time
}
