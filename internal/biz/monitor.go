package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/metrics"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// Metric names recorded by the pipeline and referenced by alert rules.
const (
	MetricPipelineLatency    = "pipeline.latency_ms"
	MetricPipelineError      = "pipeline.error"
	MetricPipelineAvailable  = "pipeline.available"
	MetricStrategyAttempt    = "strategy.attempt"
	MetricStrategyLatency    = "strategy.latency_ms"
	MetricRateLimitViolation = "ratelimit.violation"
	MetricDeliveryAttempts   = "delivery.attempts"
	MetricDeadLetter         = "delivery.dead_letter"
	MetricBreakerTransition  = "breaker.transition"
)

// Aggregates understood by Monitor.Aggregate.
const (
	AggregateP50   = "p50"
	AggregateP95   = "p95"
	AggregateMean  = "mean"
	AggregateRate  = "rate" // percentage of samples with a non-zero value
	AggregateCount = "count"
	AggregateSum   = "sum"
	AggregateMax   = "max"
)

const defaultSeriesCapacity = 4096

type sample struct {
	at    time.Time
	value float64
}

// ring is a fixed-size sample buffer; the oldest sample is overwritten.
type ring struct {
	samples []sample
	head    int
	size    int
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	r.samples[(r.head+r.size)%len(r.samples)] = s
	if r.size < len(r.samples) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.samples)
}

func (r *ring) since(cutoff time.Time) []float64 {
	out := make([]float64, 0, r.size)
	for i := 0; i < r.size; i++ {
		s := r.samples[(r.head+i)%len(r.samples)]
		if !s.at.Before(cutoff) {
			out = append(out, s.value)
		}
	}
	return out
}

// Monitor keeps rolling aggregates and business counters, mirrors them to
// Prometheus and evaluates alert thresholds.
type Monitor struct {
	mu       sync.Mutex
	series   map[string]*ring
	counters map[string]int64
	window   time.Duration
	capacity int

	rules      []AlertRule
	cooldown   time.Duration
	alertMu    sync.Mutex
	quietUntil map[string]time.Time
	dispatcher *AlertDispatcher

	clock Clock
	log   *pkglog.LogHelper
}

// NewMonitor creates a monitor from the alerting configuration.
func NewMonitor(c *conf.Alerting, dispatcher *AlertDispatcher, clock Clock, logger log.Logger) (*Monitor, error) {
	if c == nil {
		return nil, errors.New("alerting configuration is required")
	}
	rules, err := NewAlertRules(c.Rules)
	if err != nil {
		return nil, err
	}
	window := c.Window.AsDuration()
	if window <= 0 {
		return nil, fmt.Errorf("alerting.window must be positive, got %s", window)
	}
	return &Monitor{
		series:     make(map[string]*ring),
		counters:   make(map[string]int64),
		window:     window,
		capacity:   defaultSeriesCapacity,
		rules:      rules,
		cooldown:   c.Cooldown.AsDuration(),
		quietUntil: make(map[string]time.Time),
		dispatcher: dispatcher,
		clock:      clock,
		log:        pkglog.NewLogHelper(logger),
	}, nil
}

// Record appends a sample to the named series and bumps the tagged counter.
func (m *Monitor) Record(name string, value float64, tags map[string]string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.series[name]
	if !ok {
		r = newRing(m.capacity)
		m.series[name] = r
	}
	r.push(sample{at: now, value: value})
	m.counters[counterKey(name, tags)]++
}

func counterKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Counter returns how many times name was recorded with exactly tags.
func (m *Monitor) Counter(name string, tags map[string]string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey(name, tags)]
}

// Counters returns a copy of every business counter.
func (m *Monitor) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Aggregate computes agg over the samples of name inside the rolling window.
// It also returns the number of samples considered.
func (m *Monitor) Aggregate(name, agg string) (float64, int) {
	cutoff := m.clock.Now().Add(-m.window)
	m.mu.Lock()
	r, ok := m.series[name]
	var values []float64
	if ok {
		values = r.since(cutoff)
	}
	m.mu.Unlock()

	return aggregate(values, agg), len(values)
}

func aggregate(values []float64, agg string) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case AggregateCount:
		return float64(len(values))
	case AggregateSum, AggregateMean, AggregateRate:
		var sum, nonZero float64
		for _, v := range values {
			sum += v
			if v != 0 {
				nonZero++
			}
		}
		switch agg {
		case AggregateSum:
			return sum
		case AggregateMean:
			return sum / float64(len(values))
		}
		return nonZero / float64(len(values)) * 100
	case AggregateMax:
		hi := values[0]
		for _, v := range values[1:] {
			if v > hi {
				hi = v
			}
		}
		return hi
	case AggregateP50:
		return percentile(values, 0.50)
	case AggregateP95:
		return percentile(values, 0.95)
	}
	return 0
}

// percentile uses the nearest-rank method.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// RecordPipeline records the end-to-end outcome of one inbound message.
func (m *Monitor) RecordPipeline(latency time.Duration, outcome string) {
	m.Record(MetricPipelineLatency, float64(latency.Milliseconds()), nil)
	failed := 0.0
	if outcome == metrics.OutcomeError {
		failed = 1
	}
	m.Record(MetricPipelineError, failed, nil)
	m.Record(MetricPipelineAvailable, 1-failed, nil)
	m.mu.Lock()
	m.counters[counterKey("messages.processed", map[string]string{"outcome": outcome})]++
	m.mu.Unlock()
	metrics.ObserveMessage(latency, outcome)
}

// RecordStrategyAttempt records strategy usage.
func (m *Monitor) RecordStrategyAttempt(a StrategyAttempt) {
	m.Record(MetricStrategyAttempt, 1, map[string]string{
		"strategy": string(a.Strategy),
		"outcome":  string(a.Outcome),
	})
	if a.Outcome != AttemptSkipped {
		m.Record(MetricStrategyLatency, float64(a.Latency.Milliseconds()), map[string]string{
			"strategy": string(a.Strategy),
		})
	}
	metrics.ObserveStrategyAttempt(string(a.Strategy), string(a.Outcome), a.Latency)
}

// RecordRateLimitViolation records a rejected request.
func (m *Monitor) RecordRateLimitViolation(evt model.RateLimitViolationEvent) {
	m.Record(MetricRateLimitViolation, 1, map[string]string{"scope": evt.Scope})
	metrics.ObserveRateLimitViolation(evt.Scope)
}

// RecordDelivery records the outcome of one outbound send. The dead-letter
// series holds one sample per delivery so its rate is a percentage.
func (m *Monitor) RecordDelivery(res DeliveryResult) {
	outcome := metrics.OutcomeSuccess
	if !res.Accepted && !res.Duplicate {
		outcome = metrics.OutcomeError
	}
	deadLettered := 0.0
	if res.DeadLettered {
		deadLettered = 1
	}
	m.Record(MetricDeliveryAttempts, float64(res.Attempts), map[string]string{"outcome": outcome})
	m.Record(MetricDeadLetter, deadLettered, nil)
	metrics.ObserveDelivery(outcome, res.DeadLettered)
}

// OnBreakerStateChanged implements BreakerEventSink. Opening raises a HIGH
// alert; closing after an outage sends a LOW recovery notification.
func (m *Monitor) OnBreakerStateChanged(_ context.Context, evt model.BreakerStateChangedEvent) {
	m.Record(MetricBreakerTransition, 1, map[string]string{"dependency": evt.Dependency, "to": evt.To})
	metrics.ObserveBreakerTransition(evt.Dependency, evt.To)

	switch {
	case evt.To == StateOpen.String():
		m.Raise(model.AlertEvent{
			Rule:      "breaker_open",
			Severity:  model.SeverityHigh,
			Metric:    "breaker." + evt.Dependency,
			Value:     float64(evt.FailureCount),
			Message:   fmt.Sprintf("circuit breaker for %s opened after %d failures", evt.Dependency, evt.FailureCount),
			Source:    "circuit_breaker",
			Timestamp: evt.At,
		})
	case evt.To == StateClosed.String() && evt.From != StateClosed.String():
		m.Raise(model.AlertEvent{
			Rule:      "breaker_recovered",
			Severity:  model.SeverityLow,
			Metric:    "breaker." + evt.Dependency,
			Message:   fmt.Sprintf("circuit breaker for %s recovered", evt.Dependency),
			Source:    "circuit_breaker",
			Timestamp: evt.At,
		})
	}
}
