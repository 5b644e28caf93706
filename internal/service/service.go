// Package service implements the HTTP surface of ReplyRelay on top of biz.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewWebhookService, NewAdminService)
