package model

import "time"

// Severity orders alerts from LOW to CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps a configured severity name to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// AlertEvent is a fired alert as delivered to the sinks.
type AlertEvent struct {
	ID            string
	Rule          string
	Severity      Severity
	Metric        string
	Value         float64
	Threshold     float64
	Message       string
	Source        string
	Timestamp     time.Time
	CooldownUntil time.Time
}
