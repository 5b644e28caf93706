package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/metrics"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Comparators understood by alert rules.
const (
	ComparatorGT  = ">"
	ComparatorGTE = ">="
	ComparatorLT  = "<"
	ComparatorLTE = "<="
)

// AlertRule fires when Aggregate(Metric) compared to Threshold holds.
type AlertRule struct {
	Name       string
	Metric     string
	Aggregate  string
	Comparator string
	Threshold  float64
	Severity   model.Severity
	MinSamples int
}

func (r AlertRule) violated(v float64) bool {
	switch r.Comparator {
	case ComparatorGT:
		return v > r.Threshold
	case ComparatorGTE:
		return v >= r.Threshold
	case ComparatorLT:
		return v < r.Threshold
	case ComparatorLTE:
		return v <= r.Threshold
	}
	return false
}

// NewAlertRules validates configured rules.
func NewAlertRules(rules []*conf.Alerting_Rule) ([]AlertRule, error) {
	out := make([]AlertRule, 0, len(rules))
	for i, r := range rules {
		if r == nil || r.Metric == "" {
			return nil, fmt.Errorf("alert rule %d: metric is required", i)
		}
		switch r.Aggregate {
		case AggregateP50, AggregateP95, AggregateMean, AggregateRate, AggregateCount, AggregateSum, AggregateMax:
		default:
			return nil, fmt.Errorf("alert rule %q: unknown aggregate %q", r.Name, r.Aggregate)
		}
		switch r.Comparator {
		case ComparatorGT, ComparatorGTE, ComparatorLT, ComparatorLTE:
		default:
			return nil, fmt.Errorf("alert rule %q: unknown comparator %q", r.Name, r.Comparator)
		}
		severity, ok := model.ParseSeverity(r.Severity)
		if !ok {
			return nil, fmt.Errorf("alert rule %q: unknown severity %q", r.Name, r.Severity)
		}
		minSamples := int(r.MinSamples)
		if minSamples < 1 {
			minSamples = 1
		}
		name := r.Name
		if name == "" {
			name = r.Metric + "_" + r.Aggregate
		}
		out = append(out, AlertRule{
			Name:       name,
			Metric:     r.Metric,
			Aggregate:  r.Aggregate,
			Comparator: r.Comparator,
			Threshold:  r.Threshold,
			Severity:   severity,
			MinSamples: minSamples,
		})
	}
	return out, nil
}

// AlertSink delivers alerts to one destination.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, evt model.AlertEvent) error
}

// AlertDispatcher fans alerts out to every sink without blocking the caller.
type AlertDispatcher struct {
	sinks   []AlertSink
	timeout time.Duration
	log     *pkglog.LogHelper

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAlertDispatcher creates a dispatcher over sinks.
func NewAlertDispatcher(c *conf.Alerting, sinks []AlertSink, logger log.Logger) *AlertDispatcher {
	timeout := 10 * time.Second
	if c != nil && c.Sinks != nil && c.Sinks.DispatchTimeout != nil {
		timeout = c.Sinks.DispatchTimeout.AsDuration()
	}
	return &AlertDispatcher{sinks: sinks, timeout: timeout, log: pkglog.NewLogHelper(logger)}
}

// Dispatch sends evt to every sink in the background. Failures are logged.
// After Close the alert is only logged.
func (d *AlertDispatcher) Dispatch(evt model.AlertEvent) {
	metrics.ObserveAlert(string(evt.Severity))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warnw("msg", "alert dropped, dispatcher closed",
			"alert_id", evt.ID,
			"metric", evt.Metric,
			"severity", string(evt.Severity))
		return
	}
	d.wg.Add(len(d.sinks))
	d.mu.Unlock()

	for _, sink := range d.sinks {
		go func(s AlertSink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Send(ctx, evt); err != nil {
				d.log.Errorw("msg", "alert sink failed",
					"sink", s.Name(),
					"alert_id", evt.ID,
					"metric", evt.Metric,
					"error", err)
			}
		}(sink)
	}
}

// Wait blocks until in-flight dispatches finish.
func (d *AlertDispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting alerts and waits for in-flight dispatches.
func (d *AlertDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Raise fires a component alert through the cooldown gate. It reports
// whether the alert was dispatched.
func (m *Monitor) Raise(evt model.AlertEvent) bool {
	if !m.admit(&evt) {
		return false
	}
	m.log.Alert(evt.Message,
		"alert_id", evt.ID,
		"severity", string(evt.Severity),
		"metric", evt.Metric,
		"value", evt.Value)
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(evt)
	}
	return true
}

// admit applies the per metric+severity cooldown and stamps the event.
func (m *Monitor) admit(evt *model.AlertEvent) bool {
	now := m.clock.Now()
	key := evt.Metric + "|" + string(evt.Severity)

	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	if until, ok := m.quietUntil[key]; ok && now.Before(until) {
		return false
	}
	until := now.Add(m.cooldown)
	m.quietUntil[key] = until

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	evt.CooldownUntil = until
	return true
}

// EvaluateThresholds checks every rule against the rolling aggregates and
// returns the alerts that passed the cooldown gate.
func (m *Monitor) EvaluateThresholds() []model.AlertEvent {
	var fired []model.AlertEvent
	for _, rule := range m.rules {
		value, n := m.Aggregate(rule.Metric, rule.Aggregate)
		if n < rule.MinSamples || !rule.violated(value) {
			continue
		}
		evt := model.AlertEvent{
			Rule:      rule.Name,
			Severity:  rule.Severity,
			Metric:    rule.Metric,
			Value:     value,
			Threshold: rule.Threshold,
			Message: fmt.Sprintf("%s %s(%s)=%.2f %s %.2f",
				rule.Name, rule.Aggregate, rule.Metric, value, rule.Comparator, rule.Threshold),
			Source: "threshold",
		}
		if !m.admit(&evt) {
			continue
		}
		m.log.Alert(evt.Message, "alert_id", evt.ID, "severity", string(evt.Severity), "samples", n)
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(evt)
		}
		fired = append(fired, evt)
	}
	return fired
}
