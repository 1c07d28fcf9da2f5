package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

func TestBatchUpdateUserStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t,
		domain.User{ID: "r", MembershipActive: true},
		domain.User{ID: "c", ReferredBy: "r", MembershipActive: true},
	)

	results := f.svc.BatchUpdateUserStatistics(ctx, []string{"r", "ghost", "c"})
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].Stats)
	assert.Equal(t, 1, results[0].Stats.TeamSize)

	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, store.ErrNotFound)
	assert.NotEmpty(t, results[1].Error)

	assert.True(t, results[2].Success)

	u, err := f.store.GetUser(ctx, "r")
	require.NoError(t, err)
	require.NotNil(t, u.Stats)
	assert.Equal(t, 1, u.Stats.ActiveTeamSize)
	assert.Equal(t, now, u.Stats.ComputedAt)

	snap, ok, err := f.snaps.At(ctx, "r", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, snap.DirectReferrals)
}

func TestBatchUpdateUserStatisticsEmpty(t *testing.T) {
	f := newFixture(t)
	results := f.svc.BatchUpdateUserStatistics(context.Background(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestBatchUpdateUserStatisticsCancelled(t *testing.T) {
	f := newFixture(t)
	f.put(t, domain.User{ID: "a"}, domain.User{ID: "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.svc.BatchUpdateUserStatistics(ctx, []string{"a", "b"})
	for _, r := range results {
		assert.False(t, r.Success, r.UserID)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRecomputeAllPromotesEligibleUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := []domain.User{{ID: "root", MembershipActive: true}}
	for i := 0; i < 5; i++ {
		child := fmt.Sprintf("c%d", i)
		users = append(users, domain.User{ID: child, ReferredBy: "root", MembershipActive: true})
		for j := 0; j < 2; j++ {
			users = append(users, domain.User{ID: fmt.Sprintf("%s-%d", child, j), ReferredBy: child, MembershipActive: true})
		}
	}
	f.put(t, users...)

	summary, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, summary.Users)
	assert.Equal(t, 16, summary.StatsUpdated)
	assert.Zero(t, summary.StatsFailed)
	assert.Equal(t, 1, summary.Promoted)

	root, err := f.store.GetUser(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "organizer", root.CurrentRole)
	require.Len(t, root.PromotionHistory, 1)

	again, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Promoted)
}
