package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/cache"
	"github.com/vanshika/refnet/backend/internal/chain"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/events"
	"github.com/vanshika/refnet/backend/internal/logging"
	"github.com/vanshika/refnet/backend/internal/progression"
	"github.com/vanshika/refnet/backend/internal/referralcode"
	"github.com/vanshika/refnet/backend/internal/snapshot"
	"github.com/vanshika/refnet/backend/internal/stats"
	"github.com/vanshika/refnet/backend/internal/store"
	"github.com/vanshika/refnet/backend/internal/store/memory"
)

var now = time.Date(2024, 9, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *ReferralService
	store *memory.Store
	snaps *snapshot.MemoryStore
	cache *cache.Cache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test interpose on the store the service writes to.
func newFixtureWith(t *testing.T, wrap func(*memory.Store) store.Store) fixture {
	t.Helper()
	log := logging.Discard()
	mem := memory.New("member")
	resolver := chain.NewResolver(mem, 0)
	agg := stats.NewAggregator(resolver)
	engine := progression.NewEngine(mem, agg, domain.DefaultLadder(), events.NewLogPublisher(log), log)
	engine.WithClock(func() time.Time { return now })

	codec := referralcode.Default()
	issuer := referralcode.NewIssuer(codec, mem, 3, log)
	var seed atomic.Int64
	issuer.WithGenerator(func() (string, error) {
		return codec.Generate(seed.Add(1)), nil
	})

	c := cache.New(time.Minute)
	snaps := snapshot.NewMemoryStore()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	svc := New(Deps{
		Store:      st,
		Resolver:   resolver,
		Aggregator: agg,
		Engine:     engine,
		Issuer:     issuer,
		Cache:      c,
		Snapshots:  snaps,
		Logger:     log,
	}, Options{BatchWorkers: 2})
	svc.WithClock(func() time.Time { return now })
	var next int
	svc.WithIDGenerator(func() string {
		next++
		return fmt.Sprintf("u%d", next)
	})
	return fixture{svc: svc, store: mem, snaps: snaps, cache: c}
}

func (f fixture) put(t *testing.T, users ...domain.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, f.store.PutUser(context.Background(), u))
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Register(ctx, RegisterInput{FullName: " Anil ", MembershipActive: true})
	require.NoError(t, err)
	assert.Equal(t, "u1", root.ID)
	assert.Equal(t, "Anil", root.FullName)
	assert.Empty(t, root.ReferredBy)
	assert.Equal(t, "member", root.CurrentRole)
	assert.True(t, referralcode.Default().IsValidFormat(root.ReferralCode))

	child, err := f.svc.Register(ctx, RegisterInput{FullName: "Bala", ReferralCode: " " + root.ReferralCode})
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.ReferredBy)
	assert.NotEqual(t, root.ReferralCode, child.ReferralCode)

	code, err := f.store.GetCode(ctx, root.ReferralCode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, code.Conversions)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{})
	assert.True(t, domain.IsInvalidInput(err))

	_, err = f.svc.Register(ctx, RegisterInput{FullName: "x", ReferralCode: "nope"})
	assert.Equal(t, domain.CodeInvalidReferralCode, domain.ErrorCode(err))

	_, err = f.svc.Register(ctx, RegisterInput{FullName: "x", ReferralCode: referralcode.Default().Generate(999)})
	assert.Equal(t, domain.CodeInvalidReferralCode, domain.ErrorCode(err))
	assert.Equal(t, 0, f.store.Len())
}

func TestRegisterKeepsReferrerImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, RegisterInput{FullName: "A"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, RegisterInput{ID: "fixed", FullName: "B"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, RegisterInput{ID: "fixed", FullName: "B", ReferralCode: a.ReferralCode})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReferrerImmutable))
	assert.True(t, domain.IsInvalidInput(err))

	_, err = f.svc.Register(ctx, RegisterInput{ID: "fixed", FullName: "B"})
	assert.Equal(t, domain.CodeInvalidInput, domain.ErrorCode(err))
}

// gatedLookups holds the first two misses for id until both callers have
// passed their existence check.
type gatedLookups struct {
	*memory.Store
	id      string
	misses  atomic.Int32
	arrived sync.WaitGroup
}

func (g *gatedLookups) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := g.Store.GetUser(ctx, id)
	if id == g.id && errors.Is(err, store.ErrNotFound) && g.misses.Add(1) <= 2 {
		g.arrived.Done()
		g.arrived.Wait()
	}
	return u, err
}

func TestConcurrentRegisterKeepsFirstReferrer(t *testing.T) {
	var gate *gatedLookups
	f := newFixtureWith(t, func(mem *memory.Store) store.Store {
		gate = &gatedLookups{Store: mem, id: "fixed"}
		gate.arrived.Add(2)
		return gate
	})
	ctx := context.Background()

	a, err := f.svc.Register(ctx, RegisterInput{FullName: "A"})
	require.NoError(t, err)
	b, err := f.svc.Register(ctx, RegisterInput{FullName: "B"})
	require.NoError(t, err)

	referrers := []domain.User{a, b}
	results := make([]domain.User, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ref := range referrers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.Register(ctx, RegisterInput{ID: "fixed", FullName: "C", ReferralCode: ref.ReferralCode})
		}()
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.Error(t, errs[loser])
	assert.True(t, errors.Is(errs[loser], domain.ErrReferrerImmutable))

	stored, err := f.store.GetUser(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, referrers[winner].ID, stored.ReferredBy)
	assert.Equal(t, results[winner].ReferralCode, stored.ReferralCode)

	winnerCode, err := f.store.GetCode(ctx, referrers[winner].ReferralCode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, winnerCode.Conversions)
	loserCode, err := f.store.GetCode(ctx, referrers[loser].ReferralCode)
	require.NoError(t, err)
	assert.EqualValues(t, 0, loserCode.Conversions)

	// the loser's freshly issued code was retired
	var active int
	for seed := int64(1); seed <= 4; seed++ {
		rc, err := f.store.GetCode(ctx, referralcode.Default().Generate(seed))
		require.NoError(t, err)
		if rc.Active && rc.OwnerID == "fixed" {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

type failingCreates struct {
	*memory.Store
}

func (failingCreates) CreateUser(context.Context, domain.User) error {
	return errors.New("disk full")
}

func TestRegisterRetiresCodeWhenUserWriteFails(t *testing.T) {
	f := newFixtureWith(t, func(mem *memory.Store) store.Store {
		return failingCreates{Store: mem}
	})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{ID: "lost", FullName: "L"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeRegistrationFailed, domain.ErrorCode(err))

	issued, err := f.store.GetCode(ctx, referralcode.Default().Generate(1))
	require.NoError(t, err)
	assert.Equal(t, "lost", issued.OwnerID)
	assert.False(t, issued.Active)

	_, err = f.svc.Register(ctx, RegisterInput{FullName: "M", ReferralCode: issued.Code})
	assert.Equal(t, domain.CodeInvalidReferralCode, domain.ErrorCode(err))
	assert.Equal(t, 0, f.store.Len())
}

func TestStatsCachedAndInvalidatedOnRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Register(ctx, RegisterInput{FullName: "Root", MembershipActive: true})
	require.NoError(t, err)
	child, err := f.svc.Register(ctx, RegisterInput{FullName: "Child", ReferralCode: root.ReferralCode, MembershipActive: true})
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TeamSize)

	_, err = f.svc.Stats(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.cache.Metrics().Hits)

	_, err = f.svc.Register(ctx, RegisterInput{FullName: "Grandchild", ReferralCode: child.ReferralCode})
	require.NoError(t, err)

	st, err = f.svc.Stats(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TeamSize)
	assert.Equal(t, 1, st.ActiveTeamSize)
	assert.Equal(t, 1, st.DirectReferrals)
}

func TestSetMembershipRefreshesActiveCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, domain.User{ID: "r"}, domain.User{ID: "c", ReferredBy: "r"})

	st, err := f.svc.Stats(ctx, "r")
	require.NoError(t, err)
	assert.Zero(t, st.ActiveDirectReferrals)

	u, err := f.svc.SetMembership(ctx, "c", true)
	require.NoError(t, err)
	assert.True(t, u.MembershipActive)

	st, err = f.svc.Stats(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveDirectReferrals)
}

func TestUnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Stats(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Chain(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Downline(ctx, "ghost", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	report, err := f.svc.Integrity(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, report.Valid)

	ok, err := f.svc.HasPermission(ctx, "ghost", domain.CapViewProfile)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownlineAndChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t,
		domain.User{ID: "a"},
		domain.User{ID: "b", ReferredBy: "a"},
		domain.User{ID: "c", ReferredBy: "b"},
	)

	chainIDs, err := f.svc.Chain(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, chainIDs)

	root, err := f.svc.Root(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", root)

	down, err := f.svc.Downline(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.Equal(t, DownlineNode{UserID: "b", CurrentRole: "member", Level: 1, ReferredBy: "a"}, down[0])

	down, err = f.svc.Downline(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, down)
	assert.NotNil(t, down)
}

func TestGrowth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t,
		domain.User{ID: "r"},
		domain.User{ID: "c1", ReferredBy: "r", MembershipActive: true},
		domain.User{ID: "c2", ReferredBy: "r"},
	)
	require.NoError(t, f.snaps.Save(ctx, domain.StatsSnapshot{UserID: "r", DirectReferrals: 1, TeamSize: 1, TakenAt: now.AddDate(0, 0, -7)}))

	g, err := f.svc.Growth(ctx, "r", 7)
	require.NoError(t, err)
	assert.True(t, g.HasHistory)
	assert.Equal(t, domain.GrowthDelta{DirectReferrals: 1, ActiveDirectReferrals: 1, TeamSize: 1, ActiveTeamSize: 1}, g.Delta)

	g, err = f.svc.Growth(ctx, "r", 30)
	require.NoError(t, err)
	assert.False(t, g.HasHistory)
	assert.Equal(t, 2, g.Delta.TeamSize)

	_, err = f.svc.Growth(ctx, "r", 0)
	assert.True(t, domain.IsInvalidInput(err))
	_, err = f.svc.Growth(ctx, "r", MaxGrowthDays+1)
	assert.True(t, domain.IsInvalidInput(err))
}

func TestLookupCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, RegisterInput{FullName: "Owner"})
	require.NoError(t, err)

	res, err := f.svc.LookupCode(ctx, u.ReferralCode)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, u.ID, res.OwnerID)

	code, err := f.store.GetCode(ctx, u.ReferralCode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, code.Clicks)

	res, err = f.svc.LookupCode(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Reason)
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t,
		domain.User{ID: "a", Location: domain.Location{State: "Telangana"}, RegisteredAt: now.Add(-48 * time.Hour)},
		domain.User{ID: "b", ReferredBy: "a", MembershipActive: true, Location: domain.Location{State: "Telangana"}, RegisteredAt: now.Add(-24 * time.Hour)},
		domain.User{ID: "c", ReferredBy: "a", RegisteredAt: now},
	)

	buckets, err := f.svc.Distribution(ctx, "State", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.DistributionBucket{{Key: "Telangana", Count: 2}, {Key: stats.UnknownBucket, Count: 1}}, buckets)

	_, err = f.svc.Distribution(ctx, "planet", nil, nil)
	assert.True(t, domain.IsInvalidInput(err))

	viral, err := f.svc.Viral(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, viral.ReferralEdges)
	assert.InDelta(t, 2.0/3.0, viral.ViralCoefficient, 1e-9)

	conv, err := f.svc.Conversion(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionStats{TotalReferrals: 2, TotalConversions: 1, Rate: 50}, conv)

	_, err = f.svc.Conversion(ctx, now, now.Add(-time.Hour))
	assert.True(t, domain.IsInvalidInput(err))
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, domain.User{ID: "lead", CurrentRole: "team_leader"})

	caps, err := f.svc.Permissions(ctx, "lead")
	require.NoError(t, err)
	assert.Contains(t, caps, domain.CapViewProfile)

	ok, err := f.svc.HasPermission(ctx, "lead", domain.CapManageRoles)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckRoleUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckRole(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
