package server

import (
	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/server/middleware"
	"ReplyRelay/internal/service"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/selector"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, webhook *service.WebhookService, admin *service.AdminService,
	reg *prometheus.Registry, logger log.Logger) *http.Server {
	// 创建增强的日志辅助器
	logHelper := pkglog.NewLogHelper(logger)

	adminToken := ""
	if c != nil {
		adminToken = c.AdminToken
	}
	if adminToken == "" {
		logHelper.Warn("server.admin_token is empty, /admin endpoints will reject every request")
	}

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper), // 请求日志中间件：Request ID、客户端 IP、耗时
			selector.Server(
				middleware.AdminAuth(adminToken, logHelper), // 仅作用于 /admin 路由
			).Prefix("/admin/").Build(),
		),
	}
	if c != nil && c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, http.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, http.Address(c.Http.Addr))
		}
		if c.Http.Timeout != nil {
			opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)

	service.RegisterWebhookHTTPServer(srv, webhook)
	service.RegisterAdminHTTPServer(srv, admin)
	srv.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return srv
}
