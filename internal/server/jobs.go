package server

import (
	"context"

	"ReplyRelay/internal/biz"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/robfig/cron/v3"
)

var _ transport.Server = (*JobServer)(nil)

// JobServer runs the inbound worker pool and the maintenance scheduler under
// the kratos app lifecycle.
type JobServer struct {
	pipeline *biz.Pipeline
	cron     *cron.Cron
	alerts   *biz.AlertDispatcher
	log      *pkglog.LogHelper
}

// NewJobServer creates the background job server. sched may be nil.
func NewJobServer(pipeline *biz.Pipeline, sched *cron.Cron, alerts *biz.AlertDispatcher, logger log.Logger) *JobServer {
	return &JobServer{pipeline: pipeline, cron: sched, alerts: alerts, log: pkglog.NewLogHelper(logger)}
}

// Start starts the workers and the scheduler. It does not block.
func (s *JobServer) Start(_ context.Context) error {
	s.pipeline.Start()
	if s.cron != nil {
		s.cron.Start()
	}
	s.log.Startup("background jobs started", "cron_entries", s.entries())
	return nil
}

// Stop stops scheduling, drains queued messages and waits for in-flight
// alert dispatches, all bounded by ctx.
func (s *JobServer) Stop(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	err := s.pipeline.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.alerts.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("alert dispatch still in flight at shutdown")
	}

	s.log.Info("background jobs stopped")
	return err
}

func (s *JobServer) entries() int {
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}
