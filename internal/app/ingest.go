package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vanshika/refnet/backend/internal/cache"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/generator"
	"github.com/vanshika/refnet/backend/internal/store"
)

// IngestOptions tune bulk loading.
type IngestOptions struct {
	ChunkSize  int
	Workers    int
	MaxRetries int
	LowestRole string
}

// IngestSummary counts what was written.
type IngestSummary struct {
	Users  int
	Codes  int
	Chunks int
}

// Ingest writes a generated dataset through BatchWrite in chunks. Users and
// their codes are written in registration order; chunks run concurrently.
func Ingest(ctx context.Context, st store.Store, ds generator.Dataset, opts IngestOptions, logger *slog.Logger) (IngestSummary, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	ops := make([]store.WriteOp, 0, len(ds.Users)+len(ds.Codes))
	for i := range ds.Users {
		u := ds.Users[i].WithDefaults(opts.LowestRole)
		ops = append(ops, store.WriteOp{User: &u})
	}
	for i := range ds.Codes {
		code := ds.Codes[i]
		ops = append(ops, store.WriteOp{Code: &code})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	chunks := 0
	for start := 0; start < len(ops); start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, len(ops))
		chunk := ops[start:end]
		chunks++
		n := chunks
		g.Go(func() error {
			err := cache.Retry(gctx, opts.MaxRetries, func(ctx context.Context) error {
				return st.BatchWrite(ctx, chunk)
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", n, err)
			}
			logger.Debug("chunk written", "chunk", n, "ops", len(chunk))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IngestSummary{}, domain.NewError(domain.CodeRegistrationFailed, "bulk ingest", err)
	}

	return IngestSummary{Users: len(ds.Users), Codes: len(ds.Codes), Chunks: chunks}, nil
}
