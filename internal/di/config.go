package di

import (
	"go.uber.org/fx"

	"github.com/merchantops/relay/internal/config"
)

// ConfigModule provides configuration dependencies
var ConfigModule = fx.Module("config",
	fx.Provide(
		config.Load,
		provideAppConfig,
		provideServerConfig,
		provideStoreConfig,
		provideRedisConfig,
	),
)

func provideAppConfig(cfg *config.Config) *config.AppConfig {
	return &cfg.App
}

func provideServerConfig(cfg *config.Config) *config.ServerConfig {
	return &cfg.Server
}

func provideStoreConfig(cfg *config.Config) *config.StoreConfig {
	return &cfg.Store
}

func provideRedisConfig(cfg *config.Config) *config.RedisConfig {
	return &cfg.Redis
}
