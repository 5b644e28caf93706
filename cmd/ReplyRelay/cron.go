package main

import (
	"context"
	"fmt"
	"time"

	"ReplyRelay/internal/biz"
	"ReplyRelay/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const defaultAlertInterval = 30 * time.Second

// newMaintenanceCron 注册定时维护任务，由 JobServer 负责启动和停止
// 告警评估：alerting.interval（默认 30s）
// 限流计数器清理：每 5 分钟
// 熔断器巡检：每分钟
func newMaintenanceCron(task *biz.MaintenanceTask, c *conf.Alerting, logger log.Logger) (*cron.Cron, error) {
	helper := log.NewHelper(logger)

	interval := defaultAlertInterval
	if c != nil && c.Interval.AsDuration() > 0 {
		interval = c.Interval.AsDuration()
	}

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		run     func(context.Context) error
	}{
		{"evaluate_alerts", fmt.Sprintf("@every %s", interval), interval, task.EvaluateAlerts},
		// Cron 表达式：秒 分 时 日 月 周
		{"prune_rate_limit_counters", "0 */5 * * * *", time.Minute, task.PruneRateLimitCounters},
		{"report_breakers", "30 * * * * *", 10 * time.Second, task.ReportBreakers},
	}

	for _, j := range jobs {
		j := j
		_, err := sched.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			if err := j.run(ctx); err != nil {
				helper.Errorw("msg", "maintenance job failed", "job", j.name, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("register cron job %s: %w", j.name, err)
		}
	}

	helper.Infow("msg", "maintenance jobs registered", "alert_interval", interval.String(), "jobs", len(jobs))
	return sched, nil
}
