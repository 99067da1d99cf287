package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	redis_adapter "jobforge.dev/orchestrator/internal/adapters/queue/redis"
	"jobforge.dev/orchestrator/internal/adapters/repository/pg"
	"jobforge.dev/orchestrator/internal/agentclient"
	"jobforge.dev/orchestrator/internal/config"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/services"
	"jobforge.dev/orchestrator/internal/core/skills"
	"jobforge.dev/orchestrator/internal/core/tracing"
	"jobforge.dev/orchestrator/internal/eventbridge"
	"jobforge.dev/orchestrator/internal/permission"
	"jobforge.dev/orchestrator/internal/worker"
	"jobforge.dev/orchestrator/internal/workspace"
)

// main wires the worker process: the Job Executor driven by the Queue &
// Worker Pool. It shares the database and queue with the API process but
// never serves HTTP itself.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jobforge orchestrator worker", "version", "0.1.0", "concurrency", cfg.WorkerConcurrency)

	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
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

	queue, redisClient, err := redis_adapter.NewRedisAdapter(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}
	dlq := redis_adapter.NewDeadLetterQueue(redisClient)

	ws, err := workspace.New(cfg.DataRoot, cfg.MaxUploadBytes)
	if err != nil {
		logger.Error("failed to init workspace manager", "error", err)
		log.Fatalf("failed to init workspace manager: %v", err)
	}

	agentClient := agentclient.New(cfg.AgentBaseURL, cfg.AgentBasicUser, cfg.AgentBasicPass, cfg.AgentRequestTimeout)
	bridge := eventbridge.New(cfg.AgentBaseURL, cfg.AgentBasicUser, cfg.AgentBasicPass)
	policy := permission.New()
	registry := skills.NewRegistry()

	executor := services.NewExecutor(store, ws, agentClient, bridge, policy, registry, services.ExecutorConfig{
		TPermWait: cfg.TPermWait,
		TSoft:     cfg.TSoft,
		THard:     cfg.THard,
		TPoll:     cfg.TPoll,
		Actor:     cfg.DefaultActor,
	})

	pool := worker.New(queue, dlq, executor, worker.PoolConfig{
		Concurrency:      cfg.WorkerConcurrency,
		QueuePollTimeout: cfg.QueuePollTimeout,
		THard:            cfg.THard,
	})

	watchdog := services.NewJobWatchdog(store, cfg.THard/2, cfg.THard)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down worker gracefully...")
		cancel()
	}()

	go watchdog.Start(ctx)

	pool.Run(ctx)

	if err := redisClient.Close(); err != nil {
		logger.Error("redis client close error", "error", err)
	}
}
