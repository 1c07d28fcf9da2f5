package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vanshika/refnet/backend/internal/app"
	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/logging"
	"github.com/vanshika/refnet/backend/internal/scheduler"
	"github.com/vanshika/refnet/backend/internal/server"
)

const limiterIdle = 10 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble referral engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing resources failed", "error", err)
		}
	}()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler, a.Service, a.Metrics, logger)
		if err != nil {
			logger.Error("failed to configure scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
	}

	var limiter *server.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = server.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		limiter.StartCleanup(ctx, limiterIdle)
	}

	deps := server.RouterDependencies{
		Health:           server.StoreHealthService{Store: a.Store},
		API:              server.NewAPIHandlers(logger, a.Service),
		RateLimiter:      limiter,
		AllowedOrigins:   config.SplitCSV(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
		RequestTimeout:   cfg.HTTP.WriteTimeout,
	}
	if cfg.HTTP.MetricsEnabled {
		deps.Metrics = a.Metrics
	}

	srv := server.New(logger, cfg.HTTP, server.NewRouter(logger, deps))
	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind http listener", "error", err)
		os.Exit(1)
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error("server stopped unexpectedly", "error", err)
	} else {
		logger.Info("http server stopped")
	}

	if sched != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Warn("scheduler did not stop cleanly", "error", err)
		}
	}
}
