package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper，提供按类别记录日志的便捷方法
// 每个方法会自动附加 "type" 字段，EmojiConsoleEncoder 据此选择表情符号
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func withType(msg, logType string, kvs []interface{}) []interface{} {
	allKvs := make([]interface{}, 0, len(kvs)+4)
	allKvs = append(allKvs, "msg", msg)
	allKvs = append(allKvs, kvs...)
	return append(allKvs, "type", logType)
}

// Webhook 记录 webhook 收发日志（📨）
func (h *LogHelper) Webhook(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "webhook", kvs)...)
}

// Security 记录签名校验等安全相关日志（🔒）
func (h *LogHelper) Security(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "security", kvs)...)
}

// SecurityPassed 以 debug 级别记录通过的安全校验
func (h *LogHelper) SecurityPassed(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "security", kvs)...)
}

// RateLimit 记录限流日志（🚦）
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "rate_limit", kvs)...)
}

// Breaker 记录熔断器状态变化（⚡）
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "breaker", kvs)...)
}

// Strategy 记录回复策略执行情况（🧠）
func (h *LogHelper) Strategy(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "strategy", kvs)...)
}

// Delivery 记录消息投递日志（📤）
func (h *LogHelper) Delivery(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "delivery", kvs)...)
}

// DeadLetter 记录进入死信的消息（🪦）
func (h *LogHelper) DeadLetter(msg string, kvs ...interface{}) {
	h.Errorw(withType(msg, "dead_letter", kvs)...)
}

// Alert 记录告警（🚨）
func (h *LogHelper) Alert(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "alert", kvs)...)
}

// Success 记录成功操作日志（✅）
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "success", kvs)...)
}

// Database 记录数据库操作日志（💾）
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "database", kvs)...)
}

// Redis 记录 Redis 操作日志（📦）
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "redis", kvs)...)
}

// Scheduler 记录定时任务日志（🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "scheduler", kvs)...)
}

// Startup 记录启动相关日志（🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "startup", kvs)...)
}

// Audit 记录审计日志（📋）
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "audit", kvs)...)
}

// ========== Context-Aware 日志方法 ==========

// SlowRequest 记录慢请求警告（🐌）
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("[%s] Slow request detected | %s %s | %dms (threshold: %dms)",
		reqCtx.RequestID, method, url, duration, threshold)

	allKvs := append(kvs,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"duration_ms", duration,
		"threshold_ms", threshold,
	)
	h.Warnw(withType(msg, "slow_request", allKvs)...)
}

// RequestWithContext 记录带 Context 的 HTTP 请求日志，并自动检测慢请求
func (h *LogHelper) RequestWithContext(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("%s %s - %d (%dms) | RequestID: %s",
		method, url, status, durationMs, reqCtx.RequestID)

	allKvs := append(kvs,
		"request_id", reqCtx.RequestID,
		"client_ip", reqCtx.ClientIP,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(withType(msg, "request", allKvs)...)

	// webhook 需要尽快 ack，超过 1s 视为慢请求
	if durationMs > 1000 {
		h.SlowRequest(ctx, method, url, durationMs, 1000)
	}
}

// MessageWithContext 记录与单条消息相关的日志，自动带上 request_id 和 message_id
func (h *LogHelper) MessageWithContext(ctx context.Context, msg string, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	allKvs := append(kvs,
		"request_id", reqCtx.RequestID,
		"message_id", reqCtx.MessageID,
		"sender", reqCtx.Sender,
	)
	h.Infow(withType(fmt.Sprintf("[%s] %s", reqCtx.RequestID, msg), "webhook", allKvs)...)
}
