//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"ReplyRelay/internal/biz"
	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/data"
	"ReplyRelay/internal/server"
	"ReplyRelay/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Bootstrap, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		wire.FieldsOf(new(*conf.Bootstrap),
			"Server", "Data", "Webhook", "Whatsapp", "Llm", "Orchestrator",
			"RateLimit", "Breakers", "Delivery", "Pipeline", "Alerting"),
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newMaintenanceCron,
		newApp,
	))
}
