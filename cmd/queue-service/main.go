package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/queue-service/internal/config"
	"clinicq/queue-service/internal/httpapi"
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/notifier"
	"clinicq/queue-service/internal/queue"
	"clinicq/queue-service/internal/store"
	"clinicq/queue-service/internal/store/memory"
	"clinicq/queue-service/internal/store/postgres"
	"clinicq/queue-service/internal/store/redisseq"
	"clinicq/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTracing := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	storage := buildStorage(cfg)
	sequencer := buildSequencer(cfg, storage)
	dispatcher := buildDispatcher(cfg)

	settings := queue.StaticSettings{Defaults: models.TenantSettings{
		StartNumber:                cfg.StartNumber,
		AverageConsultationMinutes: cfg.AverageConsultationMinutes,
		RollingWindow:              cfg.RollingWindow,
		RolloverHour:               cfg.RolloverHour,
		Timezone:                   cfg.Timezone,
	}}

	engine := queue.NewEngine(storage, queue.AlwaysActive{}, settings, dispatcher, queue.Options{
		Sequencer:  sequencer,
		MaxRetries: cfg.MaxRetries,
	})

	handler := httpapi.NewHandler(engine)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	routes := httpapi.AuthMiddleware(httpapi.OpenResolver{}, handler.Routes())
	routes = httpapi.LoggingMiddleware(routes)
	routes = limiter.Middleware(routes)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if cfg.RunNotifyWorker && cfg.RedisAddr != "" {
		worker := notifier.NewWorker(nil, nil)
		go func() {
			if err := notifier.Run(workerCtx, cfg.RedisAddr, worker); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func buildStorage(cfg config.Config) store.Storage {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		return postgres.NewStore(pool)
	default:
		return memory.NewStore(memory.Options{LockTimeout: cfg.LockTimeout})
	}
}

func buildSequencer(cfg config.Config, storage store.Storage) store.Sequencer {
	if cfg.SequencerBackend == "redis" && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisseq.New(client)
	}
	return storage
}

func buildDispatcher(cfg config.Config) notifier.Dispatcher {
	if cfg.NotifierBackend == "asynq" && cfg.RedisAddr != "" {
		return notifier.NewAsynqDispatcher(cfg.RedisAddr)
	}
	return notifier.NewLogDispatcher(nil)
}
