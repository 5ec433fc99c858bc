// Package di wires the application graph with fx.
package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/config"
)

// AppModule aggregates all application modules
var AppModule = fx.Options(
	ConfigModule,
	LoggerModule,
	StoreModule,
	QueueModule,
	MetricsModule,
	ControllerModule,
	HTTPServerModule,
)

// PrintBanner prints the application startup banner
func PrintBanner(cfg *config.Config, logger *zap.Logger) {
	logger.Info("Application Info",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("store", string(cfg.Store.Driver)),
	)
}
