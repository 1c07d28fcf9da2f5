package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vanshika/refnet/backend/internal/cache"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

// BatchUpdateUserStatistics recomputes statistics for each id on a worker
// pool, persists them on the user document and in the snapshot history, and
// drops the cached copy. Ids never dispatched because ctx ended report the
// context error.
func (s *ReferralService) BatchUpdateUserStatistics(ctx context.Context, userIDs []string) []StatsResult {
	results := make([]StatsResult, len(userIDs))
	for i, id := range userIDs {
		results[i].UserID = id
	}
	if len(userIDs) == 0 {
		return results
	}

	s.run(ctx, len(userIDs), func(idx int) {
		st, err := s.updateOne(ctx, userIDs[idx])
		if err != nil {
			results[idx].Err = err
			results[idx].Error = err.Error()
			return
		}
		results[idx].Success = true
		results[idx].Stats = &st
	}, func(idx int, err error) {
		results[idx].Err = err
		results[idx].Error = err.Error()
	})
	return results
}

func (s *ReferralService) updateOne(ctx context.Context, userID string) (domain.ChainStatistics, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChainStatistics{}, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return domain.ChainStatistics{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	st, err := s.aggregator.GetChainStatistics(ctx, userID)
	if err != nil {
		return domain.ChainStatistics{}, err
	}

	now := s.nowFn().UTC()
	stored := st.Stored(now)
	err = cache.Retry(ctx, s.maxRetries, func(ctx context.Context) error {
		return s.store.UpdateUser(ctx, userID, store.UserUpdate{Stats: &stored})
	})
	if err != nil {
		return domain.ChainStatistics{}, domain.NewError(domain.CodeStatisticsFailed, "persist statistics", err, "userId", userID)
	}
	if err := s.snapshots.Save(ctx, domain.SnapshotOf(st, now)); err != nil {
		s.logger.Warn("failed to save snapshot", "userId", userID, "error", err)
	}
	s.cache.Invalidate(statsKey(userID))
	return st, nil
}

// run fans total items out to s.workers goroutines. skip is called for every
// index that was not dispatched before ctx ended.
func (s *ReferralService) run(ctx context.Context, total int, work func(idx int), skip func(idx int, err error)) {
	indexCh := make(chan int)
	var wg sync.WaitGroup

	workers := s.workers
	if workers > total {
		workers = total
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexCh {
				work(idx)
			}
		}()
	}

	next := 0
Loop:
	for ; next < total; next++ {
		select {
		case indexCh <- next:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()

	for idx := next; idx < total; idx++ {
		skip(idx, ctx.Err())
	}
}

// RecomputeAll refreshes statistics for every user, then runs a progression
// sweep over the same population.
func (s *ReferralService) RecomputeAll(ctx context.Context) (RecomputeSummary, error) {
	start := time.Now()
	users, err := s.store.QueryUsers(ctx, store.UserQuery{})
	if err != nil {
		return RecomputeSummary{}, domain.NewError(domain.CodeStatisticsFailed, "load users", err)
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	summary := RecomputeSummary{Users: len(ids)}
	for _, r := range s.BatchUpdateUserStatistics(ctx, ids) {
		if r.Success {
			summary.StatsUpdated++
		} else {
			summary.StatsFailed++
		}
	}
	for _, item := range s.BatchCheckRoles(ctx, ids) {
		switch {
		case !item.Success:
			summary.RoleFailures++
		case item.Result != nil && item.Result.Promoted:
			summary.Promoted++
		}
	}
	summary.Duration = time.Since(start)

	s.logger.Info("recompute finished",
		"users", summary.Users,
		"statsUpdated", summary.StatsUpdated,
		"statsFailed", summary.StatsFailed,
		"promoted", summary.Promoted,
		"roleFailures", summary.RoleFailures,
		"duration", summary.Duration)
	return summary, ctx.Err()
}
