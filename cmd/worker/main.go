package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/merchantops/relay/internal/config"
	"github.com/merchantops/relay/internal/delivery"
	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/observability"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/queue/gormstore"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/scheduler"
	"github.com/merchantops/relay/internal/worker"
	"github.com/merchantops/relay/pkg/logger"
)

func main() {
	cfg, log := mustLoadConfig()
	defer log.Sync()

	log.Info("starting relay worker",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := mustConnectRedis(ctx, cfg, log)
	defer redisClient.Close()

	store := mustBuildStore(cfg, redisClient, log)
	q := queue.New(store, cfg.Queues, log)
	limiters := ratelimit.NewRegistry(cfg.RateLimits, log)

	pool := worker.NewPool(q, log, cfg.Worker)
	registry := worker.NewHandlerRegistry(pool, log)
	deliverer := delivery.NewDeliverer(nil, limiters, log)
	deliverer.RegisterHandlers(registry, "webhook.outbound", "social.publish")
	registerInboundHandlers(registry, log)

	idemStore := idempotency.NewRedisStore(redisClient)
	sched := scheduler.New(redisClient, q, idemStore, log, cfg.Scheduler)

	metrics, err := observability.NewMetricsProvider(&cfg.Metrics, log)
	if err != nil {
		log.Fatal("failed to initialize metrics", zap.Error(err))
	}
	if err := metrics.ObserveQueues(&observability.StatsAdapter{Queue: q, Pool: pool, Limiters: limiters}); err != nil {
		log.Fatal("failed to register gauges", zap.Error(err))
	}
	pool.SetRecorder(metrics)

	if err := pool.Start(ctx); err != nil {
		log.Fatal("failed to start worker pool", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	go startMetricsServer(cfg, metrics, pool, sched, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")
	cancel()
	gracefulShutdown(cfg, pool, sched, log)
}

func mustLoadConfig() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: cfg.App.Debug,
		Encoding:    "json",
		Service:     cfg.App.Name + "-worker",
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, log
}

func mustConnectRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr()))
	return client
}

func mustBuildStore(cfg *config.Config, client *redis.Client, log *zap.Logger) queue.Store {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory job store, jobs do not survive restarts")
		return queue.NewMemoryStore()
	case config.DriverRedis:
		return queue.NewRedisStore(client)
	case config.DriverPostgres, config.DriverSQLite:
		var dialector gorm.Dialector
		if cfg.Store.Driver == config.DriverPostgres {
			dialector = postgres.Open(cfg.Store.DSN)
		} else {
			dialector = sqlite.Open(cfg.Store.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			log.Fatal("failed to open job store database", zap.Error(err))
		}
		store, err := gormstore.New(db)
		if err != nil {
			log.Fatal("failed to migrate job store", zap.Error(err))
		}
		return store
	default:
		log.Fatal("unsupported store driver", zap.String("driver", string(cfg.Store.Driver)))
		return nil
	}
}

// registerInboundHandlers binds handlers for the inbound webhook kinds.
// The shipped handler only acknowledges and logs; deployments embed their
// own processing per kind.
func registerInboundHandlers(registry *worker.Registry, log *zap.Logger) {
	type inboundEvent struct {
		ConversationID string `json:"conversationId"`
		MessageID      string `json:"messageId"`
	}
	worker.Register(registry, "webhook.inbound.chatwoot", func(ctx context.Context, job *queue.Job, event inboundEvent) error {
		log.Info("processing inbound webhook",
			zap.String("job_id", job.ID),
			zap.String("conversation_id", event.ConversationID),
			zap.String("message_id", event.MessageID),
		)
		return nil
	})
}

func startMetricsServer(cfg *config.Config, metrics *observability.MetricsProvider, pool *worker.Pool, sched *scheduler.Scheduler, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.PrometheusPath, metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		state := "healthy"
		if pool.Halted() {
			status = http.StatusServiceUnavailable
			state = "halted"
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"status":%q,"in_flight":%d,"processed":%d,"failed":%d,"is_leader":%t}`,
			state, pool.InFlight(), pool.Processed(), pool.Failed(), sched.IsLeader())
	})

	port := os.Getenv("RELAY_METRICS_PORT")
	if port == "" {
		port = "9100"
	}
	log.Info("starting metrics server", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error("metrics server error", zap.Error(err))
	}
}

func gracefulShutdown(cfg *config.Config, pool *worker.Pool, sched *scheduler.Scheduler, log *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("error stopping scheduler", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error("error stopping worker pool", zap.Error(err))
	}
	log.Info("worker shutdown complete")
}
