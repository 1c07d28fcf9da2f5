// Package storetest holds the conformance suite every store backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

// Factory returns a fresh, empty store whose lowest role is "member".
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetUserNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetUser(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PutAndGetAppliesDefaults", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutUser(ctx, domain.User{
			ID:               "u1",
			FullName:         "Asha",
			Location:         domain.Location{State: "Telangana", District: "Warangal"},
			MembershipActive: true,
			RegisteredAt:     base,
		}))

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Asha", got.FullName)
		assert.Equal(t, "member", got.CurrentRole)
		assert.Equal(t, domain.CurrentSchemaVersion, got.SchemaVersion)
		assert.Empty(t, got.PromotionHistory)
		assert.NotNil(t, got.PromotionHistory)
		assert.Equal(t, "Warangal", got.Location.District)
		assert.True(t, got.MembershipActive)
		assert.True(t, got.RegisteredAt.Equal(base))
	})

	t.Run("CreateUserIsInsertOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, domain.User{ID: "p1", RegisteredAt: base}, domain.User{ID: "p2", RegisteredAt: base})

		require.NoError(t, s.CreateUser(ctx, domain.User{ID: "x", ReferredBy: "p1", RegisteredAt: base}))
		err := s.CreateUser(ctx, domain.User{ID: "x", ReferredBy: "p2", RegisteredAt: base})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)

		got, err := s.GetUser(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.ReferredBy)
	})

	t.Run("ConcurrentCreatesKeepFirstReferrer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, domain.User{ID: "p1", RegisteredAt: base}, domain.User{ID: "p2", RegisteredAt: base})

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for _, parent := range []string{"p1", "p2", "p1", "p2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.CreateUser(ctx, domain.User{ID: "y", ReferredBy: parent, RegisteredAt: base})
				if err == nil {
					mu.Lock()
					winners = append(winners, parent)
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, store.ErrAlreadyExists)
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		got, err := s.GetUser(ctx, "y")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.ReferredBy)
	})

	t.Run("QueryByReferrerAndRange", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s,
			domain.User{ID: "root", RegisteredAt: base},
			domain.User{ID: "a", ReferredBy: "root", RegisteredAt: base.Add(time.Hour)},
			domain.User{ID: "b", ReferredBy: "root", RegisteredAt: base.Add(2 * time.Hour)},
			domain.User{ID: "c", ReferredBy: "a", RegisteredAt: base.Add(3 * time.Hour)},
		)

		kids, err := s.QueryUsers(ctx, store.UserQuery{ReferredBy: "root"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(kids))

		from, to := base.Add(90*time.Minute), base.Add(4*time.Hour)
		ranged, err := s.QueryUsers(ctx, store.UserQuery{RegisteredFrom: &from, RegisteredTo: &to})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(ranged))

		limited, err := s.QueryUsers(ctx, store.UserQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := s.QueryUsers(ctx, store.UserQuery{ReferredBy: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateUserPartial", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, domain.User{ID: "u1", FullName: "Ravi", RegisteredAt: base})

		active := true
		stats := domain.StoredStats{DirectReferrals: 3, TeamSize: 7, ComputedAt: base}
		require.NoError(t, s.UpdateUser(ctx, "u1", store.UserUpdate{MembershipActive: &active, Stats: &stats}))

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ravi", got.FullName)
		assert.True(t, got.MembershipActive)
		require.NotNil(t, got.Stats)
		assert.Equal(t, 7, got.Stats.TeamSize)

		assert.ErrorIs(t, s.UpdateUser(ctx, "missing", store.UserUpdate{MembershipActive: &active}), store.ErrNotFound)
	})

	t.Run("PromoteUserIsConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, domain.User{ID: "u1", CurrentRole: "member", RegisteredAt: base})

		rec := domain.PromotionRecord{From: "member", To: "organizer", At: base}
		require.NoError(t, s.PromoteUser(ctx, "u1", "member", rec))
		assert.ErrorIs(t, s.PromoteUser(ctx, "u1", "member", rec), store.ErrConflict)
		assert.ErrorIs(t, s.PromoteUser(ctx, "missing", "member", rec), store.ErrNotFound)

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "organizer", got.CurrentRole)
		require.Len(t, got.PromotionHistory, 1)
		assert.Equal(t, "member", got.PromotionHistory[0].From)
		assert.Equal(t, "organizer", got.PromotionHistory[0].To)
	})

	t.Run("ConcurrentPromotionsApplyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, domain.User{ID: "u1", CurrentRole: "member", RegisteredAt: base})

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.PromoteUser(ctx, "u1", "member", domain.PromotionRecord{From: "member", To: "organizer", At: base})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, got.PromotionHistory, 1)
	})

	t.Run("Codes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := domain.ReferralCode{Code: "TARABC234", OwnerID: "u1", Active: true, CreatedAt: base}
		require.NoError(t, s.CreateCode(ctx, code))
		assert.ErrorIs(t, s.CreateCode(ctx, code), store.ErrAlreadyExists)

		require.NoError(t, s.IncrementCodeCounter(ctx, "TARABC234", store.CounterClicks, 2))
		require.NoError(t, s.IncrementCodeCounter(ctx, "TARABC234", store.CounterConversions, 1))
		assert.ErrorIs(t, s.IncrementCodeCounter(ctx, "TARZZZZZZ", store.CounterClicks, 1), store.ErrNotFound)

		got, err := s.GetCode(ctx, "TARABC234")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.OwnerID)
		assert.EqualValues(t, 2, got.Clicks)
		assert.EqualValues(t, 1, got.Conversions)

		_, err = s.GetCode(ctx, "TARZZZZZZ")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("BatchWrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u1 := domain.User{ID: "u1", ReferralCode: "TARAAAAAA", RegisteredAt: base}
		u2 := domain.User{ID: "u2", ReferredBy: "u1", RegisteredAt: base.Add(time.Minute)}
		c1 := domain.ReferralCode{Code: "TARAAAAAA", OwnerID: "u1", Active: true, CreatedAt: base}
		require.NoError(t, s.BatchWrite(ctx, []store.WriteOp{{User: &u1}, {User: &u2}, {Code: &c1}}))

		got, err := s.GetUser(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ReferredBy)
		code, err := s.GetCode(ctx, "TARAAAAAA")
		require.NoError(t, err)
		assert.Equal(t, "u1", code.OwnerID)

		require.NoError(t, s.BatchWrite(ctx, nil))
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func seed(t *testing.T, s store.Store, users ...domain.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.PutUser(context.Background(), u))
	}
}

func ids(users []domain.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}
