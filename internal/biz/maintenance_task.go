package biz

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
)

// MaintenanceTask holds the periodic jobs run by the scheduler.
type MaintenanceTask struct {
	limiter  *RateLimiterUseCase
	monitor  *Monitor
	breakers *CircuitBreakerManager
	logger   *log.Helper
}

// NewMaintenanceTask 创建定时维护任务
func NewMaintenanceTask(limiter *RateLimiterUseCase, monitor *Monitor, breakers *CircuitBreakerManager, logger log.Logger) *MaintenanceTask {
	return &MaintenanceTask{
		limiter:  limiter,
		monitor:  monitor,
		breakers: breakers,
		logger:   log.NewHelper(logger),
	}
}

// EvaluateAlerts 按固定节奏评估告警阈值，不在每次写指标时评估
func (t *MaintenanceTask) EvaluateAlerts(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fired := t.monitor.EvaluateThresholds()
	if len(fired) > 0 {
		t.logger.Infow("msg", "threshold evaluation raised alerts", "count", len(fired))
	}
	return nil
}

// PruneRateLimitCounters 清理内存限流器中空闲的计数器
func (t *MaintenanceTask) PruneRateLimitCounters(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed := t.limiter.PruneIdle()
	if removed > 0 {
		t.logger.Debugw("msg", "pruned idle rate limit counters", "removed", removed)
	}
	return nil
}

// ReportBreakers 周期性输出未闭合的熔断器，便于排查长时间故障
func (t *MaintenanceTask) ReportBreakers(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range t.breakers.Snapshot() {
		if s.State == StateClosed.String() {
			continue
		}
		t.logger.Warnw("msg", "circuit breaker not closed",
			"dependency", s.Dependency,
			"state", s.State,
			"failures", s.Failures,
			"opened_at", s.OpenedAt)
	}
	return nil
}
