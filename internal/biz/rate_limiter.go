package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// RateLimitScope identifies what a rule counts against.
type RateLimitScope string

const (
	ScopeIP       RateLimitScope = "ip"
	ScopeUser     RateLimitScope = "user"
	ScopeEndpoint RateLimitScope = "endpoint"
	ScopeGlobal   RateLimitScope = "global"
)

// RateLimitRule is one sliding-window limit.
type RateLimitRule struct {
	Scope         RateLimitScope
	Window        time.Duration
	MaxRequests   int64
	BlockDuration time.Duration
	// FailOpen lets requests through this scope when the store errors.
	FailOpen bool
}

// Validate enforces max >= 1, window > 0 and block >= 0.
func (r RateLimitRule) Validate() error {
	switch r.Scope {
	case ScopeIP, ScopeUser, ScopeEndpoint, ScopeGlobal:
	default:
		return fmt.Errorf("unknown rate limit scope %q", r.Scope)
	}
	if r.MaxRequests < 1 {
		return fmt.Errorf("rate limit %s: max_requests must be >= 1, got %d", r.Scope, r.MaxRequests)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate limit %s: window must be positive, got %s", r.Scope, r.Window)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("rate limit %s: block_duration must not be negative, got %s", r.Scope, r.BlockDuration)
	}
	return nil
}

func (r RateLimitRule) block() time.Duration {
	if r.BlockDuration == 0 {
		return r.Window
	}
	return r.BlockDuration
}

// ScopeValues carries the keys of one request. Empty values skip their scope.
type ScopeValues struct {
	IP       string
	UserID   string
	Endpoint string
}

func (v ScopeValues) key(scope RateLimitScope) string {
	switch scope {
	case ScopeIP:
		return v.IP
	case ScopeUser:
		return v.UserID
	case ScopeEndpoint:
		return v.Endpoint
	case ScopeGlobal:
		return "all"
	}
	return ""
}

// RateLimitDecision is the result of Check.
type RateLimitDecision struct {
	Allowed       bool
	RetryAfter    time.Duration
	ViolatedScope RateLimitScope
}

// Err converts a rejection to a 429 error, nil when allowed.
func (d RateLimitDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return NewRateLimitExceededError(d.ViolatedScope, d.RetryAfter)
}

// RateLimiterUseCase implements multi-scope sliding-window rate limiting.
type RateLimiterUseCase struct {
	rules   []RateLimitRule
	idleTTL time.Duration
	repo    RateLimitRepo
	monitor *Monitor
	clock   Clock
	log     *pkglog.LogHelper
}

// NewRateLimiterUseCase validates the configured rules; an invalid rule
// aborts startup.
func NewRateLimiterUseCase(c *conf.RateLimit, repo RateLimitRepo, monitor *Monitor, clock Clock, logger log.Logger) (*RateLimiterUseCase, error) {
	if c == nil {
		return nil, errors.New("rate_limit configuration is required")
	}
	rules := make([]RateLimitRule, 0, len(c.Rules))
	seen := make(map[RateLimitScope]bool)
	for _, r := range c.Rules {
		rule := RateLimitRule{
			Scope:         RateLimitScope(r.Scope),
			Window:        r.Window.AsDuration(),
			MaxRequests:   int64(r.MaxRequests),
			BlockDuration: r.BlockDuration.AsDuration(),
			FailOpen:      r.FailOpen,
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if seen[rule.Scope] {
			return nil, fmt.Errorf("rate limit scope %s configured twice", rule.Scope)
		}
		seen[rule.Scope] = true
		rules = append(rules, rule)
	}

	idle := c.IdleTtl.AsDuration()
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiterUseCase{
		rules:   rules,
		idleTTL: idle,
		repo:    repo,
		monitor: monitor,
		clock:   clock,
		log:     pkglog.NewLogHelper(logger),
	}, nil
}

// Rules returns the validated rules in evaluation order.
func (uc *RateLimiterUseCase) Rules() []RateLimitRule {
	return append([]RateLimitRule(nil), uc.rules...)
}

func storeKey(scope RateLimitScope, value string) string {
	return string(scope) + ":" + value
}

type scopeCheck struct {
	rule RateLimitRule
	key  string
}

// Check evaluates every configured scope. Active blocks are checked first,
// then every remaining scope is peeked; the request is recorded only when all
// of them have room, so a rejected request is counted by no scope.
func (uc *RateLimiterUseCase) Check(ctx context.Context, values ScopeValues) RateLimitDecision {
	now := uc.clock.Now()
	decision := RateLimitDecision{Allowed: true}
	var violations []model.RateLimitViolationEvent

	reject := func(c scopeCheck, retry time.Duration) {
		if decision.Allowed || retry < decision.RetryAfter {
			decision = RateLimitDecision{Allowed: false, RetryAfter: retry, ViolatedScope: c.rule.Scope}
		}
		violations = append(violations, model.RateLimitViolationEvent{
			Scope: string(c.rule.Scope), Key: c.key, RetryAfter: retry, At: now,
		})
	}
	exceeded := func(c scopeCheck) {
		block := c.rule.block()
		if err := uc.repo.Block(ctx, c.key, now, now.Add(block)); err != nil {
			uc.log.Warnw("msg", "failed to store rate limit block", "scope", string(c.rule.Scope), "error", err)
		}
		reject(c, block)
	}

	active := make([]scopeCheck, 0, len(uc.rules))
	for _, rule := range uc.rules {
		value := values.key(rule.Scope)
		if value == "" {
			continue
		}
		c := scopeCheck{rule: rule, key: storeKey(rule.Scope, value)}

		until, err := uc.repo.BlockedUntil(ctx, c.key, now)
		if err != nil {
			if uc.storeFailed(c, err) {
				reject(c, rule.Window)
			}
			continue
		}
		if now.Before(until) {
			reject(c, until.Sub(now))
			continue
		}
		active = append(active, c)
	}

	if decision.Allowed {
		open := active[:0]
		for _, c := range active {
			peek, err := uc.repo.Peek(ctx, c.key, now, c.rule.Window, c.rule.MaxRequests)
			if err != nil {
				if uc.storeFailed(c, err) {
					reject(c, c.rule.Window)
				}
				continue
			}
			if !peek.Allowed {
				exceeded(c)
				continue
			}
			open = append(open, c)
		}
		active = open
	}

	if decision.Allowed {
		type recorded struct {
			key string
			hit model.WindowHit
		}
		done := make([]recorded, 0, len(active))
		for _, c := range active {
			hit, err := uc.repo.Hit(ctx, c.key, now, c.rule.Window, c.rule.MaxRequests)
			if err != nil {
				if uc.storeFailed(c, err) {
					reject(c, c.rule.Window)
					break
				}
				continue
			}
			if !hit.Allowed {
				// 并发请求在 Peek 之后填满了窗口
				exceeded(c)
				break
			}
			done = append(done, recorded{key: c.key, hit: hit})
		}
		if !decision.Allowed {
			for _, r := range done {
				if err := uc.repo.Forget(ctx, r.key, r.hit); err != nil {
					uc.log.Warnw("msg", "failed to roll back rate limit hit", "key", r.key, "error", err)
				}
			}
		}
	}

	for _, v := range violations {
		uc.log.RateLimit("rate limit exceeded",
			"scope", v.Scope,
			"retry_after_ms", v.RetryAfter.Milliseconds())
		if uc.monitor != nil {
			uc.monitor.RecordRateLimitViolation(v)
		}
	}
	return decision
}

// storeFailed logs a store error and reports whether the scope rejects.
func (uc *RateLimiterUseCase) storeFailed(c scopeCheck, err error) bool {
	if c.rule.FailOpen {
		uc.log.Warnw("msg", "rate limit store failed, scope fails open",
			"scope", string(c.rule.Scope), "error", err)
		return false
	}
	uc.log.Errorw("msg", "rate limit store failed, scope fails closed",
		"scope", string(c.rule.Scope), "error", err)
	return true
}

// PruneIdle drops in-process counters idle for longer than rate_limit.idle_ttl.
// Shared stores expire their keys on their own.
func (uc *RateLimiterUseCase) PruneIdle() int {
	p, ok := uc.repo.(IdlePruner)
	if !ok {
		return 0
	}
	n := p.PruneIdle(uc.clock.Now(), uc.idleTTL)
	if n > 0 {
		uc.log.Scheduler("pruned idle rate limit counters", "count", n)
	}
	return n
}
