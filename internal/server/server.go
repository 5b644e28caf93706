// Package server assembles the transports run by the kratos app.
package server

import (
	"ReplyRelay/internal/metrics"

	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer, NewJobServer, metrics.NewRegistry)
