package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// recordingSink captures dispatched alerts.
type recordingSink struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, evt model.AlertEvent) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Events() []model.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AlertEvent(nil), s.events...)
}

func testAlertingConf(rules ...*conf.Alerting_Rule) *conf.Alerting {
	return &conf.Alerting{
		Interval: durationpb.New(30 * time.Second),
		Cooldown: durationpb.New(10 * time.Minute),
		Window:   durationpb.New(5 * time.Minute),
		Rules:    rules,
		Sinks:    &conf.Alerting_Sinks{DispatchTimeout: durationpb.New(time.Second)},
	}
}

// newTestMonitor builds a monitor whose alerts land in the returned sink.
func newTestMonitor(t *testing.T, clock Clock, rules ...*conf.Alerting_Rule) (*Monitor, *AlertDispatcher, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	c := testAlertingConf(rules...)
	dispatcher := NewAlertDispatcher(c, []AlertSink{sink}, log.DefaultLogger)
	m, err := NewMonitor(c, dispatcher, clock, log.DefaultLogger)
	require.NoError(t, err)
	return m, dispatcher, sink
}

func testBreakerConf() *conf.Breakers_Config {
	return &conf.Breakers_Config{
		FailureThreshold: 3,
		FailureWindow:    durationpb.New(time.Minute),
		OpenDuration:     durationpb.New(30 * time.Second),
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
		CallTimeout:      durationpb.New(time.Second),
	}
}

func newTestBreakers(t *testing.T, clock Clock, sinks ...BreakerEventSink) *CircuitBreakerManager {
	t.Helper()
	m, err := NewCircuitBreakerManager(&conf.Breakers{Default: testBreakerConf()}, clock, sinks, nil, log.DefaultLogger)
	require.NoError(t, err)
	return m
}

// memoryWindowRepo is a minimal RateLimitRepo for use-case tests.
type memoryWindowRepo struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	blocks map[string]time.Time
}

func newMemoryWindowRepo() *memoryWindowRepo {
	return &memoryWindowRepo{hits: map[string][]time.Time{}, blocks: map[string]time.Time{}}
}

func (r *memoryWindowRepo) prune(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, ts := range r.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.hits[key] = kept
	return kept
}

func (r *memoryWindowRepo) Peek(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.prune(key, now, window)
	return model.WindowHit{Allowed: int64(len(kept)) < limit, Count: int64(len(kept)), At: now}, nil
}

func (r *memoryWindowRepo) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.prune(key, now, window)
	if int64(len(kept)) >= limit {
		return model.WindowHit{Allowed: false, Count: int64(len(kept)), At: now}, nil
	}
	r.hits[key] = append(kept, now)
	return model.WindowHit{Allowed: true, Count: int64(len(kept) + 1), At: now}, nil
}

func (r *memoryWindowRepo) Forget(_ context.Context, key string, hit model.WindowHit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hits := r.hits[key]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(hit.At) {
			r.hits[key] = append(hits[:i], hits[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memoryWindowRepo) BlockedUntil(_ context.Context, key string, _ time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks[key], nil
}

func (r *memoryWindowRepo) Block(_ context.Context, key string, _, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[key] = until
	delete(r.hits, key)
	return nil
}

func (r *memoryWindowRepo) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits[key])
}
