package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/di"
)

func main() {
	app := fx.New(
		di.AppModule,

		fx.Invoke(di.PrintBanner),

		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
	)

	app.Run()
}
