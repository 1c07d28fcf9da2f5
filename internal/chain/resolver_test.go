package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
	"github.com/vanshika/refnet/backend/internal/store/memory"
)

// forest builds a store from child->parent pairs; "" marks a root.
func forest(t *testing.T, edges map[string]string) *memory.Store {
	t.Helper()
	st := memory.New("member")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	for id, parent := range edges {
		i++
		require.NoError(t, st.PutUser(context.Background(), domain.User{
			ID:           id,
			ReferredBy:   parent,
			RegisteredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return st
}

func TestBuildChain(t *testing.T) {
	st := forest(t, map[string]string{"root": "", "a": "root", "b": "a", "c": "b"})
	r := NewResolver(st, 0)
	ctx := context.Background()

	chain, err := r.BuildChain(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a", "root"}, chain)

	upline, err := r.GetUpline(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []UplineEntry{
		{UserID: "b", Level: 1},
		{UserID: "a", Level: 2},
		{UserID: "root", Level: 3},
	}, upline)

	rootUpline, err := r.GetUpline(ctx, "root")
	require.NoError(t, err)
	assert.Empty(t, rootUpline)

	depth, err := r.Depth(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	root, err := r.FindRoot(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "root", root)

	rootChain, err := r.BuildChain(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, rootChain)
}

func TestBuildChainUnknownUser(t *testing.T) {
	r := NewResolver(memory.New("member"), 0)
	chain, err := r.BuildChain(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, chain)

	root, err := r.FindRoot(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", root)
}

func TestDanglingReferrerTruncatesChain(t *testing.T) {
	st := forest(t, map[string]string{"a": "deleted", "b": "a"})
	r := NewResolver(st, 0)
	ctx := context.Background()

	chain, err := r.BuildChain(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, chain)

	report, err := r.ValidateChainIntegrity(ctx, "b")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, Issue{Kind: IssueMissingReferrer, UserID: "a", ReferrerID: "deleted"}, report.Issues[0])
}

func TestCycleTerminates(t *testing.T) {
	st := forest(t, map[string]string{"a": "c", "b": "a", "c": "b"})
	r := NewResolver(st, 0)

	chain, err := r.BuildChain(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, chain)

	report, err := r.ValidateChainIntegrity(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, IssueCycle, report.Issues[0].Kind)
}

func TestMaxDepthIsEnforced(t *testing.T) {
	edges := map[string]string{nodeID(0): ""}
	for i := 1; i <= 10; i++ {
		edges[nodeID(i)] = nodeID(i - 1)
	}
	r := NewResolver(forest(t, edges), 4)

	chain, err := r.BuildChain(context.Background(), nodeID(10))
	require.NoError(t, err)
	assert.Len(t, chain, 5)

	report, err := r.ValidateChainIntegrity(context.Background(), nodeID(10))
	require.NoError(t, err)
	assert.Equal(t, IssueMaxDepthExceeded, report.Issues[0].Kind)
}

func nodeID(i int) string {
	return "n" + string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func TestValidChainIntegrity(t *testing.T) {
	st := forest(t, map[string]string{"root": "", "a": "root"})
	report, err := NewResolver(st, 0).ValidateChainIntegrity(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
	assert.Equal(t, []string{"a", "root"}, report.Chain)

	missing, err := NewResolver(st, 0).ValidateChainIntegrity(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, missing.Valid)
	assert.Equal(t, IssueUserNotFound, missing.Issues[0].Kind)
}

func TestGetDownline(t *testing.T) {
	st := forest(t, map[string]string{
		"root": "", "a": "root", "b": "root",
		"a1": "a", "a2": "a", "b1": "b",
		"a1x": "a1",
	})
	r := NewResolver(st, 0)
	ctx := context.Background()

	all, err := r.GetDownline(ctx, "root", 10)
	require.NoError(t, err)
	require.Len(t, all, 6)
	levels := map[string]int{}
	parents := map[string]string{}
	for _, e := range all {
		levels[e.User.ID] = e.Level
		parents[e.User.ID] = e.ParentID
	}
	assert.Equal(t, 1, levels["a"])
	assert.Equal(t, 2, levels["b1"])
	assert.Equal(t, 3, levels["a1x"])
	assert.Equal(t, "a1", parents["a1x"])

	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Level, all[i].Level, "breadth-first order")
	}

	shallow, err := r.GetDownline(ctx, "root", 1)
	require.NoError(t, err)
	assert.Len(t, shallow, 2)

	none, err := r.GetDownline(ctx, "root", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	leaf, err := r.GetDownline(ctx, "a1x", 5)
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestDownlineNeverContainsAncestors(t *testing.T) {
	st := forest(t, map[string]string{"a": "c", "b": "a", "c": "b"})
	r := NewResolver(st, 0)
	down, err := r.GetDownline(context.Background(), "a", 10)
	require.NoError(t, err)
	for _, e := range down {
		assert.NotEqual(t, "a", e.User.ID)
	}
	assert.Len(t, down, 2)
}

type failingSource struct{ err error }

func (f failingSource) GetUser(context.Context, string) (domain.User, error) {
	return domain.User{}, f.err
}

func (f failingSource) QueryUsers(context.Context, store.UserQuery) ([]domain.User, error) {
	return nil, f.err
}

func TestStoreErrorsCarryChainCode(t *testing.T) {
	r := NewResolver(failingSource{err: errors.New("unavailable")}, 0)
	_, err := r.BuildChain(context.Background(), "a")
	assert.Equal(t, domain.CodeReferralChainFailed, domain.ErrorCode(err))

	_, err = r.GetDownline(context.Background(), "a", 3)
	assert.Equal(t, domain.CodeReferralChainFailed, domain.ErrorCode(err))
}

func TestGetTeamIgnoresDepthCap(t *testing.T) {
	edges := map[string]string{"d00": ""}
	for i := 1; i <= 12; i++ {
		edges[fmt.Sprintf("d%02d", i)] = fmt.Sprintf("d%02d", i-1)
	}
	r := NewResolver(forest(t, edges), 5)
	ctx := context.Background()

	capped, err := r.GetDownline(ctx, "d00", 50)
	require.NoError(t, err)
	assert.Len(t, capped, 5)

	team, err := r.GetTeam(ctx, "d00")
	require.NoError(t, err)
	require.Len(t, team, 12)
	assert.Equal(t, 12, team[11].Level)
}

func TestGetTeamStopsOnCycle(t *testing.T) {
	r := NewResolver(forest(t, map[string]string{"a": "c", "b": "a", "c": "b"}), 0)
	team, err := r.GetTeam(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, team, 2)
}
