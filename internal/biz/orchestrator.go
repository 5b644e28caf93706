package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// AttemptOutcome classifies one strategy attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
	AttemptSkipped AttemptOutcome = "skipped"
	AttemptTimeout AttemptOutcome = "timeout"
)

// StrategyAttempt is the record of one strategy invocation.
type StrategyAttempt struct {
	Strategy StrategyID
	Outcome  AttemptOutcome
	Latency  time.Duration
	Error    string
}

// StrategyResult is the outcome of GenerateReply.
type StrategyResult struct {
	Strategy StrategyID
	Reply    string
	Latency  time.Duration
	Success  bool
	Error    string
	// Degraded is set when every strategy failed and the fallback was used.
	Degraded bool
	Attempts []StrategyAttempt
}

var errEmptyReply = errors.New("strategy returned an empty reply")

// Orchestrator runs strategies in priority order, each behind its own breaker.
type Orchestrator struct {
	strategies []Strategy
	breakers   *CircuitBreakerManager
	fallback   string
	monitor    *Monitor
	audit      AuditLogger
	clock      Clock
	log        *pkglog.LogHelper
}

// NewOrchestrator builds the configured strategies in order. An unknown id is
// a startup error; a strategy whose provider is not configured is dropped.
func NewOrchestrator(c *conf.Orchestrator, deps StrategyDeps, breakers *CircuitBreakerManager, monitor *Monitor, audit AuditLogger, clock Clock, logger log.Logger) (*Orchestrator, error) {
	if c == nil {
		return nil, errors.New("orchestrator configuration is required")
	}
	helper := pkglog.NewLogHelper(logger)
	timeout := c.StrategyTimeout.AsDuration()
	if timeout <= 0 {
		return nil, fmt.Errorf("orchestrator.strategy_timeout must be positive, got %s", timeout)
	}
	if strings.TrimSpace(c.FallbackMessage) == "" {
		return nil, errors.New("orchestrator.fallback_message is required")
	}

	o := &Orchestrator{
		breakers: breakers,
		fallback: c.FallbackMessage,
		monitor:  monitor,
		audit:    audit,
		clock:    clock,
		log:      helper,
	}
	seen := make(map[StrategyID]bool)
	for _, raw := range c.Strategies {
		id, err := ParseStrategyID(raw)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		s, err := strategyTable[id](deps)
		if errors.Is(err, errProviderMissing) {
			helper.Warnw("msg", "strategy disabled, provider not configured", "strategy", string(id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", id, err)
		}

		// The strategy timeout is enforced by the strategy's breaker so that
		// an overrun counts against that strategy.
		dep := StrategyDependency(id)
		cfg := breakers.ConfigFor(dep)
		cfg.CallTimeout = timeout
		if _, err := breakers.Register(dep, cfg); err != nil {
			return nil, err
		}
		o.strategies = append(o.strategies, s)
	}
	if len(o.strategies) == 0 {
		helper.Warnw("msg", "no reply strategy is available, every reply will be the fallback message")
	}
	return o, nil
}

// Strategies returns the active strategy ids in priority order.
func (o *Orchestrator) Strategies() []StrategyID {
	ids := make([]StrategyID, 0, len(o.strategies))
	for _, s := range o.strategies {
		ids = append(ids, s.ID())
	}
	return ids
}

// GenerateReply returns the first successful strategy reply, or the fallback
// message with Degraded set. It never returns an error.
func (o *Orchestrator) GenerateReply(ctx context.Context, cc ConversationContext) StrategyResult {
	start := o.clock.Now()
	result := StrategyResult{}
	var lastErr string

	for _, s := range o.strategies {
		id := s.ID()
		attemptStart := o.clock.Now()
		reply, err := Call(ctx, o.breakers, StrategyDependency(id), func(ctx context.Context) (string, error) {
			r, err := s.Generate(ctx, cc)
			if err == nil && strings.TrimSpace(r) == "" {
				return "", errEmptyReply
			}
			return r, err
		})

		attempt := StrategyAttempt{Strategy: id, Latency: o.clock.Now().Sub(attemptStart)}
		switch {
		case err == nil:
			attempt.Outcome = AttemptSuccess
		case IsDependencyUnavailable(err):
			attempt.Outcome = AttemptSkipped
			attempt.Latency = 0
		case IsDependencyTimeout(err):
			attempt.Outcome = AttemptTimeout
		default:
			attempt.Outcome = AttemptFailure
			err = NewStrategyFailureError(id, err)
		}
		if err != nil {
			attempt.Error = err.Error()
			lastErr = attempt.Error
		}
		o.record(ctx, cc, attempt)
		result.Attempts = append(result.Attempts, attempt)

		if err == nil {
			result.Strategy = id
			result.Reply = strings.TrimSpace(reply)
			result.Success = true
			result.Latency = o.clock.Now().Sub(start)
			return result
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Strategy = StrategyFallback
	result.Reply = o.fallback
	result.Degraded = true
	result.Error = lastErr
	result.Latency = o.clock.Now().Sub(start)
	o.log.Strategy("all strategies failed, using fallback reply",
		"request_id", cc.RequestID,
		"attempts", len(result.Attempts),
		"last_error", lastErr)
	return result
}

func (o *Orchestrator) record(ctx context.Context, cc ConversationContext, a StrategyAttempt) {
	o.log.Strategy("strategy attempt",
		"request_id", cc.RequestID,
		"strategy", string(a.Strategy),
		"outcome", string(a.Outcome),
		"latency_ms", a.Latency.Milliseconds(),
		"error", a.Error)
	if o.monitor != nil {
		o.monitor.RecordStrategyAttempt(a)
	}
	if o.audit != nil {
		o.audit.LogStrategyAttempt(ctx, model.StrategyAttemptEvent{
			RequestID: cc.RequestID,
			Strategy:  string(a.Strategy),
			Outcome:   string(a.Outcome),
			Latency:   a.Latency,
			Error:     a.Error,
			At:        o.clock.Now(),
		})
	}
}
