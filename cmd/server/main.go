package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_handler "jobforge.dev/orchestrator/internal/adapters/handler/http"
	redis_adapter "jobforge.dev/orchestrator/internal/adapters/queue/redis"
	"jobforge.dev/orchestrator/internal/adapters/repository/pg"
	"jobforge.dev/orchestrator/internal/agentclient"
	"jobforge.dev/orchestrator/internal/config"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/services"
	"jobforge.dev/orchestrator/internal/core/skills"
	"jobforge.dev/orchestrator/internal/core/tracing"
	"jobforge.dev/orchestrator/internal/workspace"
)

// main wires the API process: the Orchestrator Service behind the REST
// surface. Job execution itself runs in the separate worker process
// (cmd/worker), so this binary never touches the queue's consumer side.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jobforge orchestrator API", "version", "0.1.0")

	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			logger.Info("tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	store, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init postgres", "error", err)
		log.Fatalf("failed to init postgres: %v", err)
	}
	pgRepo, ok := store.(*pg.Repository)
	if !ok {
		log.Fatalf("unexpected job store implementation")
	}
	db := pgRepo.DB()

	queue, redisClient, err := redis_adapter.NewRedisAdapter(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}

	ws, err := workspace.New(cfg.DataRoot, cfg.MaxUploadBytes)
	if err != nil {
		logger.Error("failed to init workspace manager", "error", err)
		log.Fatalf("failed to init workspace manager: %v", err)
	}

	agentClient := agentclient.New(cfg.AgentBaseURL, cfg.AgentBasicUser, cfg.AgentBasicPass, cfg.AgentRequestTimeout)
	registry := skills.NewRegistry()

	orchestrator := services.NewOrchestrator(store, ws, agentClient, registry, cfg.SkillFallbackThreshold, queue)
	healthService := services.NewHealthService(db, redisClient, agentClient, "0.1.0")

	httpServer := http_handler.NewServer(orchestrator, registry, store, healthService, cfg.MaxUploadBytes)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: httpServer.Router(),
	}

	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		logger.Error("redis client close error", "error", err)
	}
}
