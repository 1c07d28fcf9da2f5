// Package app assembles the referral engine from configuration. The server,
// the ingest tool and refnetctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vanshika/refnet/backend/internal/cache"
	"github.com/vanshika/refnet/backend/internal/chain"
	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/events"
	"github.com/vanshika/refnet/backend/internal/graph"
	"github.com/vanshika/refnet/backend/internal/metrics"
	"github.com/vanshika/refnet/backend/internal/progression"
	"github.com/vanshika/refnet/backend/internal/referralcode"
	"github.com/vanshika/refnet/backend/internal/repository"
	"github.com/vanshika/refnet/backend/internal/service"
	"github.com/vanshika/refnet/backend/internal/snapshot"
	"github.com/vanshika/refnet/backend/internal/stats"
	"github.com/vanshika/refnet/backend/internal/store"
	"github.com/vanshika/refnet/backend/internal/store/memory"
	"github.com/vanshika/refnet/backend/internal/store/sqlstore"
)

// App holds the assembled components. Close releases them in reverse order.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Ladder    *domain.Ladder
	Store     store.Store
	Cache     *cache.Cache
	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Snapshots snapshot.Store
	Service   *service.ReferralService
}

// Build wires every component selected by cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	ladder, err := config.LoadLadder(cfg.Engine.LadderFile)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, ladder.Lowest().Name, logger)
	if err != nil {
		return nil, err
	}

	snaps, err := openSnapshots(ctx, cfg.Redis, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	publisher := newPublisher(cfg.Kafka, logger)
	c := cache.New(cfg.Cache.TTL)
	m := metrics.New(cache.NewCollector(c))

	resolver := chain.NewResolver(st, cfg.Engine.ChainMaxDepth)
	aggregator := stats.NewAggregator(resolver)
	engine := progression.NewEngine(st, aggregator, ladder, publisher, logger)
	engine.WithRecorder(m)
	issuer := referralcode.NewIssuer(referralcode.Default(), st, cfg.Engine.CodeMaxAttempts, logger)

	svc := service.New(service.Deps{
		Store:      st,
		Resolver:   resolver,
		Aggregator: aggregator,
		Engine:     engine,
		Issuer:     issuer,
		Cache:      c,
		Snapshots:  snaps,
		Logger:     logger,
	}, service.Options{
		CacheTTL:        cfg.Cache.TTL,
		BatchWorkers:    cfg.Engine.BatchWorkers,
		StoreMaxRetries: cfg.Engine.StoreMaxRetries,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Ladder:    ladder,
		Store:     st,
		Cache:     c,
		Metrics:   m,
		Publisher: publisher,
		Snapshots: snaps,
		Service:   svc,
	}, nil
}

// Close flushes the publisher and closes the snapshot and user stores.
func (a *App) Close() error {
	var errs []error
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := a.Snapshots.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close snapshots: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// OpenStore connects the backend named by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg config.Config, lowestRole string, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.New(lowestRole), nil
	case sqlstore.DriverPostgres, sqlstore.DriverSQLite:
		st, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, lowestRole)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to sql store", "driver", cfg.Store.Driver)
		return st, nil
	case "neo4j":
		client, err := buildGraphClient(ctx, cfg.Graph)
		if err != nil {
			return nil, err
		}
		repo := repository.New(client, lowestRole)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("ensure graph schema: %w", err)
		}
		logger.Info("connected to graph", "uri", cfg.Graph.URI, "database", cfg.Graph.Database)
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func buildGraphClient(ctx context.Context, cfg config.GraphConfig) (graph.Client, error) {
	if cfg.URI == "" {
		return nil, graph.ErrMissingURI
	}
	return graph.NewNeo4jClient(ctx, graph.Options{
		URI:            cfg.URI,
		Database:       cfg.Database,
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxConnections: cfg.MaxConnections,
	})
}

func openSnapshots(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (snapshot.Store, error) {
	if cfg.Addr == "" {
		return snapshot.NewMemoryStore(), nil
	}
	rs, err := snapshot.NewRedisStore(ctx, snapshot.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("snapshots stored in redis", "addr", cfg.Addr)
	return rs, nil
}

func newPublisher(cfg config.KafkaConfig, logger *slog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers()) == 0 {
		return events.NewLogPublisher(logger)
	}
	logger.Info("publishing promotions to kafka", "topic", cfg.Topic)
	return events.NewKafkaPublisher(cfg.BrokersCSV, cfg.Topic, logger)
}
