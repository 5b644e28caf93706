package service

import (
	"context"
	stderrors "errors"
	"io"
	nethttp "net/http"
	"strconv"

	"ReplyRelay/internal/server/middleware"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Admin routes.
const (
	OperationHealth          = "/healthz"
	OperationListDeadLetters = "/admin/dead-letters"
	OperationResetBreaker    = "/admin/breakers/{dependency}/reset"
)

// RegisterWebhookHTTPServer mounts the webhook receive and verify routes.
func RegisterWebhookHTTPServer(s *http.Server, srv *WebhookService) {
	r := s.Route("/")
	r.POST(srv.Path(), _Webhook_Receive0_HTTP_Handler(srv))
	r.GET(srv.Path(), _Webhook_Verify0_HTTP_Handler(srv))
}

// RegisterAdminHTTPServer mounts health and admin routes.
func RegisterAdminHTTPServer(s *http.Server, srv *AdminService) {
	r := s.Route("/")
	r.GET(OperationHealth, _Admin_Health0_HTTP_Handler(srv))
	r.GET(OperationListDeadLetters, _Admin_ListDeadLetters0_HTTP_Handler(srv))
	r.POST(OperationResetBreaker, _Admin_ResetBreaker0_HTTP_Handler(srv))
}

func _Webhook_Receive0_HTTP_Handler(srv *WebhookService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		req := ctx.Request()
		body, err := io.ReadAll(nethttp.MaxBytesReader(ctx.Response(), req.Body, srv.MaxBodyBytes()))
		if err != nil {
			var tooLarge *nethttp.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				return errors.New(413, "WEBHOOK_PAYLOAD_TOO_LARGE", "webhook payload too large")
			}
			return errors.BadRequest("WEBHOOK_BODY_UNREADABLE", "failed to read webhook body").WithCause(err)
		}

		in := &WebhookRequest{
			Body:      body,
			Signature: req.Header.Get("X-Hub-Signature-256"),
			ClientIP:  middleware.ClientIP(req),
			Path:      req.URL.Path,
		}
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Receive(ctx, req.(*WebhookRequest))
		})
		out, err := h(ctx, in)
		if err != nil {
			if se := errors.FromError(err); se.Code == 429 {
				if retry := se.Metadata["retry_after"]; retry != "" {
					ctx.Response().Header().Set("Retry-After", retry)
				}
			}
			return err
		}
		return ctx.JSON(200, out)
	}
}

func _Webhook_Verify0_HTTP_Handler(srv *WebhookService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		q := ctx.Request().URL.Query()
		in := &VerifyRequest{
			Mode:        q.Get("hub.mode"),
			VerifyToken: q.Get("hub.verify_token"),
			Challenge:   q.Get("hub.challenge"),
		}
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Verify(ctx, req.(*VerifyRequest))
		})
		out, err := h(ctx, in)
		if err != nil {
			return errors.Forbidden("WEBHOOK_VERIFY_FAILED", err.Error())
		}
		return ctx.String(200, out.(string))
	}
}

func _Admin_Health0_HTTP_Handler(srv *AdminService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		return ctx.JSON(200, srv.Health(ctx))
	}
}

func _Admin_ListDeadLetters0_HTTP_Handler(srv *AdminService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		limit, _ := strconv.Atoi(ctx.Request().URL.Query().Get("limit"))
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.ListDeadLetters(ctx, req.(int))
		})
		out, err := h(ctx, limit)
		if err != nil {
			return err
		}
		return ctx.JSON(200, map[string]interface{}{"dead_letters": out})
	}
}

func _Admin_ResetBreaker0_HTTP_Handler(srv *AdminService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		dependency := ctx.Vars().Get("dependency")
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.ResetBreaker(ctx, req.(string), middleware.OperatorFromContext(ctx))
		})
		out, err := h(ctx, dependency)
		if err != nil {
			return err
		}
		return ctx.JSON(200, out)
	}
}
