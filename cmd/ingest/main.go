package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vanshika/refnet/backend/internal/app"
	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/generator"
	"github.com/vanshika/refnet/backend/internal/logging"
)

var errMissingDataset = errors.New("dataset not found")

func main() {
	var (
		datasetDir = flag.String("dataset-dir", "./seed-data", "Directory containing users.json and codes.json")
		workers    = flag.Int("workers", 4, "Number of concurrent batch writers")
		chunkSize  = flag.Int("chunk-size", 500, "Write operations per batch")
		recompute  = flag.Bool("recompute", false, "Recompute statistics and roles after loading")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging).With("component", "ingest")

	if _, err := os.Stat(filepath.Join(*datasetDir, "users.json")); err != nil {
		logger.Error("dataset resolution failed", "error", fmt.Errorf("%w: %s", errMissingDataset, *datasetDir))
		os.Exit(1)
	}

	dataset, err := generator.ReadDataset(*datasetDir)
	if err != nil {
		logger.Error("failed to load dataset", "error", err, "dir", *datasetDir)
		os.Exit(1)
	}
	if len(dataset.Users) == 0 {
		logger.Error("users dataset empty", "dir", *datasetDir)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing resources failed", "error", err)
		}
	}()

	start := time.Now()
	logger.Info("ingesting dataset", "users", len(dataset.Users), "codes", len(dataset.Codes), "workers", *workers)
	summary, err := app.Ingest(ctx, a.Store, dataset, app.IngestOptions{
		ChunkSize:  *chunkSize,
		Workers:    *workers,
		MaxRetries: cfg.Engine.StoreMaxRetries,
		LowestRole: a.Ladder.Lowest().Name,
	}, logger)
	if err != nil {
		logger.Error("ingestion failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ingestion complete", "duration", time.Since(start).String(), "users", summary.Users, "codes", summary.Codes, "chunks", summary.Chunks)

	if *recompute {
		result, err := a.Service.RecomputeAll(ctx)
		if err != nil {
			logger.Error("recompute failed", "error", err)
			os.Exit(1)
		}
		logger.Info("recompute complete", "promoted", result.Promoted, "statsFailed", result.StatsFailed)
	}
}
