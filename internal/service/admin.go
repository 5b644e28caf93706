package service

import (
	"context"
	"time"

	"ReplyRelay/internal/biz"
	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// HealthReply reports liveness plus the breaker snapshot.
type HealthReply struct {
	Status   string                `json:"status"`
	Time     time.Time             `json:"time"`
	Breakers []biz.BreakerSnapshot `json:"breakers"`
	// Published is the last state any replica shared, when it differs from ours.
	Published []PublishedBreakerState `json:"published,omitempty"`
}

// PublishedBreakerState is a breaker transition shared by another replica.
type PublishedBreakerState struct {
	Dependency string    `json:"dependency"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	ChangedAt  time.Time `json:"changed_at"`
}

// DeadLetterView is the admin JSON shape of a dead letter.
type DeadLetterView struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Recipient      string    `json:"recipient"`
	Body           string    `json:"body"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	LastError      string    `json:"last_error"`
	CreatedAt      time.Time `json:"created_at"`
}

// AdminService exposes health and operator endpoints.
type AdminService struct {
	breakers    *biz.CircuitBreakerManager
	deadLetters biz.DeadLetterQuery
	states      biz.BreakerStateRepo
	logger      *log.Helper
}

// NewAdminService creates the admin service. states may be nil.
func NewAdminService(breakers *biz.CircuitBreakerManager, deadLetters biz.DeadLetterQuery, states biz.BreakerStateRepo, logger log.Logger) *AdminService {
	return &AdminService{breakers: breakers, deadLetters: deadLetters, states: states, logger: log.NewHelper(logger)}
}

// Health is "degraded" while any local breaker is not closed. It always
// answers 200; published states from other replicas are informational.
func (s *AdminService) Health(ctx context.Context) *HealthReply {
	snap := s.breakers.Snapshot()
	status := "ok"
	for _, b := range snap {
		if b.State != biz.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	return &HealthReply{Status: status, Time: time.Now().UTC(), Breakers: snap, Published: s.published(ctx, snap)}
}

func (s *AdminService) published(ctx context.Context, snap []biz.BreakerSnapshot) []PublishedBreakerState {
	if s.states == nil {
		return nil
	}
	var out []PublishedBreakerState
	for _, b := range snap {
		evt, ok, err := s.states.LoadState(ctx, b.Dependency)
		if err != nil {
			s.logger.Warnw("msg", "failed to load published breaker state", "dependency", b.Dependency, "error", err)
			return out
		}
		if !ok || evt.To == b.State {
			continue
		}
		out = append(out, PublishedBreakerState{
			Dependency: b.Dependency,
			State:      evt.To,
			Failures:   evt.FailureCount,
			ChangedAt:  evt.At.UTC(),
		})
	}
	return out
}

// ListDeadLetters returns the newest dead letters.
func (s *AdminService) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterView, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}
	list, err := s.deadLetters.List(ctx, limit)
	if err != nil {
		s.logger.Errorw("msg", "failed to list dead letters", "error", err)
		return nil, errors.InternalServer("DEAD_LETTER_QUERY_FAILED", "failed to list dead letters").WithCause(err)
	}
	out := make([]DeadLetterView, 0, len(list))
	for _, dl := range list {
		out = append(out, toDeadLetterView(dl))
	}
	return out, nil
}

// ResetBreaker closes a known breaker on behalf of operator.
func (s *AdminService) ResetBreaker(ctx context.Context, dependency, operator string) (*biz.BreakerSnapshot, error) {
	for _, b := range s.breakers.Snapshot() {
		if b.Dependency != dependency {
			continue
		}
		s.breakers.Reset(ctx, dependency, operator)
		for _, after := range s.breakers.Snapshot() {
			if after.Dependency == dependency {
				return &after, nil
			}
		}
	}
	return nil, errors.NotFound("BREAKER_NOT_FOUND", "unknown dependency "+dependency)
}

func toDeadLetterView(dl model.DeadLetter) DeadLetterView {
	return DeadLetterView{
		ID:             dl.ID,
		IdempotencyKey: dl.IdempotencyKey,
		Recipient:      dl.Recipient,
		Body:           dl.Body,
		Attempts:       dl.Attempts,
		Reason:         dl.Reason,
		LastError:      dl.LastError,
		CreatedAt:      dl.CreatedAt,
	}
}
