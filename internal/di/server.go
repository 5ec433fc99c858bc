package di

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/config"
	httpctrl "github.com/merchantops/relay/internal/controller/http"
	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/middleware"
	"github.com/merchantops/relay/internal/observability"
)

// HTTPServerModule provides HTTP server dependencies
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(provideGinEngine),
	fx.Provide(provideHTTPServer),
	fx.Invoke(registerHTTPRoutes),
	fx.Invoke(startHTTPServer),
)

func provideGinEngine(cfg *config.AppConfig, mp *observability.MetricsProvider, logger *zap.Logger) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(observability.MetricsMiddleware(mp))

	return router
}

func provideHTTPServer(cfg *config.ServerConfig, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Controllers is a struct that holds all HTTP controllers for fx to inject
type Controllers struct {
	fx.In

	Queue   *httpctrl.QueueController
	Webhook *httpctrl.WebhookController
}

func registerHTTPRoutes(
	router *gin.Engine,
	controllers Controllers,
	idemStore idempotency.Store,
	mp *observability.MetricsProvider,
	cfg *config.Config,
	logger *zap.Logger,
) {
	// Health endpoints
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.PrometheusPath, gin.WrapH(mp.Handler()))
	}

	// Mutation endpoints sit behind the idempotency guard; webhook ingress
	// relies on job-level replay protection instead.
	api := router.Group("/api/v1")
	controllers.Webhook.RegisterRoutes(api)

	guarded := api.Group("")
	guarded.Use(middleware.Idempotency(idemStore, cfg.Idempotency, logger))
	controllers.Queue.RegisterRoutes(guarded)
}

func startHTTPServer(lc fx.Lifecycle, server *http.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting HTTP server", zap.String("address", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return server.Shutdown(ctx)
		},
	})
}
