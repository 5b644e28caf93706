// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "replyrelay"

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeDegraded labels replies served from the fallback message.
	OutcomeDegraded = "degraded"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Inbound messages processed by the pipeline, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_seconds",
			Help:      "End-to-end latency from dequeue to delivery.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	strategyAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_attempts_total",
			Help:      "Reply strategy attempts, partitioned by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	strategyDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_seconds",
			Help:      "Reply strategy latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"strategy"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes, partitioned by dependency and target state.",
		},
		[]string{"dependency", "to"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{"dependency"},
	)

	rateLimitViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_violations_total",
			Help:      "Requests rejected by the rate limiter, partitioned by scope.",
		},
		[]string{"scope"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound WhatsApp deliveries, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	deadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Replies moved to the dead-letter table.",
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts dispatched, partitioned by severity.",
		},
		[]string{"severity"},
	)
)

// Register attaches ReplyRelay collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	all := []prometheus.Collector{
		messagesTotal,
		pipelineDurationSeconds,
		strategyAttemptsTotal,
		strategyDurationSeconds,
		breakerTransitionsTotal,
		breakerState,
		rateLimitViolationsTotal,
		deliveriesTotal,
		deadLettersTotal,
		alertsTotal,
	}

	for _, collector := range all {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry carrying the process collectors and ours.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func clamp(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// ObserveMessage records one processed inbound message.
func ObserveMessage(duration time.Duration, outcome string) {
	messagesTotal.WithLabelValues(outcome).Inc()
	pipelineDurationSeconds.Observe(clamp(duration))
}

// ObserveStrategyAttempt records a strategy invocation. Skipped attempts carry no latency.
func ObserveStrategyAttempt(strategy, outcome string, duration time.Duration) {
	strategyAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	if outcome != "skipped" {
		strategyDurationSeconds.WithLabelValues(strategy).Observe(clamp(duration))
	}
}

// ObserveBreakerTransition records a breaker moving into state `to`.
func ObserveBreakerTransition(dependency, to string) {
	breakerTransitionsTotal.WithLabelValues(dependency, to).Inc()
	var v float64
	switch to {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 2
	}
	breakerState.WithLabelValues(dependency).Set(v)
}

// ObserveRateLimitViolation counts a rejected request.
func ObserveRateLimitViolation(scope string) {
	rateLimitViolationsTotal.WithLabelValues(scope).Inc()
}

// ObserveDelivery counts a delivery outcome; dead letters are also counted separately.
func ObserveDelivery(outcome string, deadLettered bool) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
	if deadLettered {
		deadLettersTotal.Inc()
	}
}

// ObserveAlert counts a dispatched alert.
func ObserveAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}
