package biz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// Dependencies guarded by a breaker from startup.
const (
	DependencyWhatsApp = "whatsapp"
	DependencyLLM      = "llm"
	DependencyDatabase = "database"
	DependencyGemini   = "gemini"
)

// StrategyDependency names the breaker isolating one reply strategy.
func StrategyDependency(id StrategyID) string {
	return "llm:" + string(id)
}

// BreakerState is the state of a single circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the thresholds of one breaker.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
	CallTimeout      time.Duration
}

// Validate rejects configurations a breaker cannot operate with.
func (c BreakerConfig) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	case c.FailureWindow <= 0:
		return fmt.Errorf("failure_window must be positive, got %s", c.FailureWindow)
	case c.OpenDuration <= 0:
		return fmt.Errorf("open_duration must be positive, got %s", c.OpenDuration)
	case c.HalfOpenMaxCalls < 1:
		return fmt.Errorf("half_open_max_calls must be >= 1, got %d", c.HalfOpenMaxCalls)
	case c.SuccessThreshold < 1 || c.SuccessThreshold > c.HalfOpenMaxCalls:
		return fmt.Errorf("success_threshold must be within [1, half_open_max_calls=%d], got %d",
			c.HalfOpenMaxCalls, c.SuccessThreshold)
	case c.CallTimeout <= 0:
		return fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

func breakerConfigFromConf(c *conf.Breakers_Config) BreakerConfig {
	if c == nil {
		return BreakerConfig{}
	}
	return BreakerConfig{
		FailureThreshold: int(c.FailureThreshold),
		FailureWindow:    c.FailureWindow.AsDuration(),
		OpenDuration:     c.OpenDuration.AsDuration(),
		HalfOpenMaxCalls: int(c.HalfOpenMaxCalls),
		SuccessThreshold: int(c.SuccessThreshold),
		CallTimeout:      c.CallTimeout.AsDuration(),
	}
}

type callOutcome int

const (
	outcomeSuccess callOutcome = iota
	outcomeFailure
	outcomeTimeout
	// outcomeNeutral is neither success nor failure: the caller gave up, a
	// nested breaker short-circuited, or the dependency refused this request.
	outcomeNeutral
)

// admission is handed out by allow and returned to record. A ticket issued
// before a state change no longer affects the breaker.
type admission struct {
	generation uint64
	trial      bool
}

var errShortCircuit = errors.New("circuit open")

// CircuitBreaker guards one dependency.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	clock    Clock
	onChange func(model.BreakerStateChangedEvent)

	mu           sync.Mutex
	state        BreakerState
	generation   uint64
	failures     int
	firstFailure time.Time
	lastFailure  time.Time
	openedAt     time.Time
	trials       int // admitted in the current HALF_OPEN episode
	successes    int // successful trials in the current HALF_OPEN episode
}

func newCircuitBreaker(name string, cfg BreakerConfig, clock Clock, onChange func(model.BreakerStateChangedEvent)) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, clock: clock, onChange: onChange}
}

// Name returns the guarded dependency.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the breaker thresholds.
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.cfg }

// State returns the current state, applying the OPEN → HALF_OPEN timeout.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	events := cb.refresh(cb.clock.Now())
	state := cb.state
	cb.mu.Unlock()

	cb.emit(events)
	return state
}

func (cb *CircuitBreaker) allow() (admission, error) {
	cb.mu.Lock()
	events := cb.refresh(cb.clock.Now())

	var (
		adm admission
		err error
	)
	switch cb.state {
	case StateClosed:
		adm = admission{generation: cb.generation}
	case StateOpen:
		err = errShortCircuit
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxCalls {
			err = errShortCircuit
		} else {
			cb.trials++
			adm = admission{generation: cb.generation, trial: true}
		}
	}
	cb.mu.Unlock()

	cb.emit(events)
	return adm, err
}

func (cb *CircuitBreaker) record(adm admission, outcome callOutcome) {
	cb.mu.Lock()
	now := cb.clock.Now()
	events := cb.refresh(now)

	if adm.generation == cb.generation {
		switch outcome {
		case outcomeNeutral:
			if adm.trial && cb.trials > 0 {
				cb.trials--
			}
		case outcomeSuccess:
			switch cb.state {
			case StateClosed:
				cb.failures = 0
			case StateHalfOpen:
				cb.successes++
				if cb.successes >= cb.cfg.SuccessThreshold {
					events = append(events, cb.transition(StateClosed, now))
				}
			}
		case outcomeFailure, outcomeTimeout:
			cb.lastFailure = now
			switch cb.state {
			case StateClosed:
				if cb.failures == 0 || now.Sub(cb.firstFailure) > cb.cfg.FailureWindow {
					cb.failures = 0
					cb.firstFailure = now
				}
				cb.failures++
				if cb.failures >= cb.cfg.FailureThreshold {
					events = append(events, cb.transition(StateOpen, now))
				}
			case StateHalfOpen:
				cb.failures++
				events = append(events, cb.transition(StateOpen, now))
			}
		}
	}
	cb.mu.Unlock()

	cb.emit(events)
}

// reset returns the breaker to CLOSED with clean counters.
func (cb *CircuitBreaker) reset() {
	cb.mu.Lock()
	var events []model.BreakerStateChangedEvent
	if cb.state != StateClosed {
		events = append(events, cb.transition(StateClosed, cb.clock.Now()))
	} else {
		cb.generation++
		cb.failures = 0
	}
	cb.mu.Unlock()

	cb.emit(events)
}

// refresh applies the time-based OPEN → HALF_OPEN transition. Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) []model.BreakerStateChangedEvent {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.OpenDuration {
		return []model.BreakerStateChangedEvent{cb.transition(StateHalfOpen, now)}
	}
	return nil
}

// transition moves to state to. Caller holds mu.
func (cb *CircuitBreaker) transition(to BreakerState, now time.Time) model.BreakerStateChangedEvent {
	evt := model.BreakerStateChangedEvent{
		Dependency:   cb.name,
		From:         cb.state.String(),
		To:           to.String(),
		FailureCount: cb.failures,
		At:           now,
	}

	cb.state = to
	cb.generation++
	cb.trials = 0
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = 0
		cb.firstFailure = time.Time{}
	}
	return evt
}

func (cb *CircuitBreaker) emit(events []model.BreakerStateChangedEvent) {
	if cb.onChange == nil {
		return
	}
	for _, evt := range events {
		cb.onChange(evt)
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Dependency  string    `json:"dependency"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
}

func (cb *CircuitBreaker) snapshot() BreakerSnapshot {
	cb.mu.Lock()
	events := cb.refresh(cb.clock.Now())
	s := BreakerSnapshot{
		Dependency:  cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
	if cb.state != StateClosed {
		s.OpenedAt = cb.openedAt
	}
	cb.mu.Unlock()

	cb.emit(events)
	return s
}

// BreakerEventSink receives breaker transitions.
type BreakerEventSink interface {
	OnBreakerStateChanged(ctx context.Context, evt model.BreakerStateChangedEvent)
}

// CircuitBreakerManager owns one breaker per dependency.
type CircuitBreakerManager struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig

	clock Clock
	sinks []BreakerEventSink
	audit AuditLogger
	log   *pkglog.LogHelper
}

// NewCircuitBreakerManager validates the breaker configuration and creates
// the whatsapp, llm and database breakers.
func NewCircuitBreakerManager(c *conf.Breakers, clock Clock, sinks []BreakerEventSink, audit AuditLogger, logger log.Logger) (*CircuitBreakerManager, error) {
	if c == nil {
		return nil, errors.New("breakers configuration is required")
	}
	m := &CircuitBreakerManager{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  breakerConfigFromConf(c.Default),
		overrides: make(map[string]BreakerConfig, len(c.Overrides)),
		clock:     clock,
		sinks:     sinks,
		audit:     audit,
		log:       pkglog.NewLogHelper(logger),
	}
	if err := m.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("breakers.default: %w", err)
	}
	for dep, oc := range c.Overrides {
		cfg := breakerConfigFromConf(oc)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("breakers.overrides.%s: %w", dep, err)
		}
		m.overrides[dep] = cfg
	}

	for _, dep := range []string{DependencyWhatsApp, DependencyLLM, DependencyDatabase} {
		m.Get(dep)
	}
	return m, nil
}

// ConfigFor resolves the thresholds for dependency: exact override, then the
// override of its family ("llm" for "llm:hybrid"), then the default.
func (m *CircuitBreakerManager) ConfigFor(dependency string) BreakerConfig {
	if cfg, ok := m.overrides[dependency]; ok {
		return cfg
	}
	if family, _, found := strings.Cut(dependency, ":"); found {
		if cfg, ok := m.overrides[family]; ok {
			return cfg
		}
	}
	return m.defaults
}

// Get returns the breaker for dependency, creating it on first use.
func (m *CircuitBreakerManager) Get(dependency string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[dependency]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[dependency]; ok {
		return cb
	}
	cb = newCircuitBreaker(dependency, m.ConfigFor(dependency), m.clock, m.publish)
	m.breakers[dependency] = cb
	return cb
}

// Register installs a breaker with explicit thresholds, replacing any
// existing one. Used at startup for per-strategy breakers.
func (m *CircuitBreakerManager) Register(dependency string, cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", dependency, err)
	}
	cb := newCircuitBreaker(dependency, cfg, m.clock, m.publish)
	m.mu.Lock()
	m.breakers[dependency] = cb
	m.mu.Unlock()
	return cb, nil
}

// State returns the state of dependency's breaker.
func (m *CircuitBreakerManager) State(dependency string) BreakerState {
	return m.Get(dependency).State()
}

// Reset closes dependency's breaker and writes an audit record.
func (m *CircuitBreakerManager) Reset(ctx context.Context, dependency, operator string) {
	m.Get(dependency).reset()
	m.log.Audit("circuit breaker reset", "dependency", dependency, "operator", operator)
	if m.audit != nil {
		m.audit.LogBreakerReset(ctx, dependency, operator)
	}
}

// Snapshot returns every breaker ordered by dependency name.
func (m *CircuitBreakerManager) Snapshot() []BreakerSnapshot {
	m.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		all = append(all, cb)
	}
	m.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

func (m *CircuitBreakerManager) publish(evt model.BreakerStateChangedEvent) {
	m.log.Breaker("circuit breaker state changed",
		"dependency", evt.Dependency,
		"from", evt.From,
		"to", evt.To,
		"failures", evt.FailureCount)

	ctx := context.Background()
	for _, sink := range m.sinks {
		sink.OnBreakerStateChanged(ctx, evt)
	}
}

// Call runs op guarded by dependency's breaker. An open breaker returns
// DependencyUnavailable without running op. Otherwise op runs under the
// breaker's call timeout and its outcome is recorded exactly once.
//
// Cancellation of ctx by the caller is recorded as neither success nor
// failure, and so is a permanent rejection such as a 400 for a bad recipient. The breaker's deadline and any timeout reported by op itself (an
// HTTP client timeout, for one) count as a timeout.
func Call[T any](ctx context.Context, m *CircuitBreakerManager, dependency string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cb := m.Get(dependency)

	adm, err := cb.allow()
	if err != nil {
		return zero, NewDependencyUnavailableError(dependency)
	}

	timeout := cb.cfg.CallTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		select {
		case res = <-done:
		default:
			if ctx.Err() != nil {
				cb.record(adm, outcomeNeutral)
				return zero, ctx.Err()
			}
			cb.record(adm, outcomeTimeout)
			return zero, NewDependencyTimeoutError(dependency, timeout)
		}
	}

	switch {
	case res.err == nil:
		cb.record(adm, outcomeSuccess)
		return res.val, nil
	case ctx.Err() != nil:
		cb.record(adm, outcomeNeutral)
		return zero, res.err
	case isTimeout(res.err):
		cb.record(adm, outcomeTimeout)
		return zero, NewDependencyTimeoutError(dependency, timeout)
	case IsDependencyUnavailable(res.err):
		// A nested breaker refused the call; this dependency did not fail.
		cb.record(adm, outcomeNeutral)
		return zero, res.err
	case rejectedRequest(res.err):
		cb.record(adm, outcomeNeutral)
		return zero, res.err
	default:
		cb.record(adm, outcomeFailure)
		return zero, res.err
	}
}

// isTimeout reports whether err is a deadline expiry or a net.Error timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rejectedRequest reports whether the dependency answered and refused the
// request for good. Transport errors never qualify.
func rejectedRequest(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return false
	}
	var t temporary
	return errors.As(err, &t) && !t.Temporary()
}
