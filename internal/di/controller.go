package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/config"
	httpctrl "github.com/merchantops/relay/internal/controller/http"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
)

// ControllerModule provides HTTP controllers
var ControllerModule = fx.Module("controller",
	fx.Provide(
		provideQueueController,
		provideWebhookController,
	),
)

func provideQueueController(q *queue.Queue, limiters *ratelimit.Registry, logger *zap.Logger) *httpctrl.QueueController {
	return httpctrl.NewQueueController(q, limiters, logger)
}

func provideWebhookController(q *queue.Queue, cfg *config.Config, logger *zap.Logger) *httpctrl.WebhookController {
	return httpctrl.NewWebhookController(q, cfg.Webhooks, logger)
}
