package biz

import (
	"context"

	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerStateRepo publishes breaker state so other instances and operators
// can observe it.
type BreakerStateRepo interface {
	SaveState(ctx context.Context, evt model.BreakerStateChangedEvent) error
	// LoadState returns the last state any instance published for dependency.
	LoadState(ctx context.Context, dependency string) (model.BreakerStateChangedEvent, bool, error)
}

// stateRepoSink adapts BreakerStateRepo to BreakerEventSink.
type stateRepoSink struct {
	repo BreakerStateRepo
	log  *pkglog.LogHelper
}

func (s stateRepoSink) OnBreakerStateChanged(ctx context.Context, evt model.BreakerStateChangedEvent) {
	if err := s.repo.SaveState(ctx, evt); err != nil {
		s.log.Warnw("msg", "failed to publish breaker state", "dependency", evt.Dependency, "error", err)
	}
}

// NewBreakerEventSinks lists every consumer of breaker transitions.
func NewBreakerEventSinks(monitor *Monitor, audit AuditLogger, states BreakerStateRepo, logger log.Logger) []BreakerEventSink {
	sinks := []BreakerEventSink{monitor}
	if audit != nil {
		sinks = append(sinks, auditBreakerSink{audit: audit})
	}
	if states != nil {
		sinks = append(sinks, stateRepoSink{repo: states, log: pkglog.NewLogHelper(logger)})
	}
	return sinks
}
