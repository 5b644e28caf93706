// Package middleware provides HTTP middleware for authentication, logging, and request processing.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// ReasonAdminUnauthorized is returned when the admin token is missing or wrong.
const ReasonAdminUnauthorized = "ADMIN_UNAUTHORIZED"

type contextKey string

// operatorContextKey 保存管理接口调用者标识，写入审计日志
const operatorContextKey contextKey = "admin_operator"

// AdminAuth 返回管理接口的认证中间件
// 校验 Authorization: Bearer {token} 或 X-Admin-Token，token 为空时所有管理接口拒绝访问
//
// 日志输出示例:
//
//	🔒 admin request rejected | {"type":"security","path":"/admin/breakers/whatsapp/reset"}
func AdminAuth(token string, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			var (
				presented string
				operator  string
				path      string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					path = httpReq.URL.Path

					// 支持 "Bearer {token}" 格式
					if authHeader := httpReq.Header.Get("Authorization"); authHeader != "" {
						presented = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
					}
					if presented == "" {
						presented = httpReq.Header.Get("X-Admin-Token")
					}
					operator = httpReq.Header.Get("X-Operator")
				}
			}

			if token == "" || presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Security("admin request rejected", "path", path, "token_present", presented != "")
				return nil, errors.Unauthorized(ReasonAdminUnauthorized, "admin token required")
			}

			if operator == "" {
				operator = "admin:" + maskToken(presented)
			}
			ctx = context.WithValue(ctx, operatorContextKey, operator)
			return handler(ctx, req)
		}
	}
}

// OperatorFromContext returns the authenticated admin operator, "system" if none.
func OperatorFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operatorContextKey).(string); ok && op != "" {
		return op
	}
	return "system"
}

// maskToken 脱敏 token，仅显示前 4 位
// 示例: "adm-1234567890" -> "adm-***"
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "***"
}
