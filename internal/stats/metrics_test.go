package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestGrowthIsSigned(t *testing.T) {
	d := Growth(
		domain.StatsSnapshot{DirectReferrals: 7, ActiveDirectReferrals: 2, TeamSize: 20, ActiveTeamSize: 5},
		domain.StatsSnapshot{DirectReferrals: 5, ActiveDirectReferrals: 4, TeamSize: 12, ActiveTeamSize: 5},
	)
	assert.Equal(t, domain.GrowthDelta{DirectReferrals: 2, ActiveDirectReferrals: -2, TeamSize: 8, ActiveTeamSize: 0}, d)
}

func TestDistribution(t *testing.T) {
	users := []domain.User{
		{ID: "1", Location: domain.Location{State: "Telangana"}, RegisteredAt: day},
		{ID: "2", Location: domain.Location{State: "Telangana"}, RegisteredAt: day.Add(time.Hour)},
		{ID: "3", Location: domain.Location{State: "Andhra Pradesh"}, RegisteredAt: day.Add(2 * time.Hour)},
		{ID: "4", RegisteredAt: day.Add(3 * time.Hour)},
		{ID: "5", RegisteredAt: day.Add(48 * time.Hour)},
	}

	all, err := Distribution(users, "state", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.DistributionBucket{
		{Key: "Telangana", Count: 2},
		{Key: UnknownBucket, Count: 2},
		{Key: "Andhra Pradesh", Count: 1},
	}, all)

	from, to := day.Add(90*time.Minute), day.Add(24*time.Hour)
	window, err := Distribution(users, "state", &from, &to)
	require.NoError(t, err)
	assert.Equal(t, []domain.DistributionBucket{
		{Key: "Andhra Pradesh", Count: 1},
		{Key: UnknownBucket, Count: 1},
	}, window)

	_, err = Distribution(users, "planet", nil, nil)
	assert.Equal(t, domain.CodeInvalidInput, domain.ErrorCode(err))
}

func TestConversionRate(t *testing.T) {
	refs := []domain.ReferralEvent{{At: day}, {At: day.Add(time.Hour)}, {At: day.Add(2 * time.Hour)}, {At: day.Add(72 * time.Hour)}}
	convs := []domain.ConversionEvent{{At: day.Add(time.Hour)}, {At: day.Add(96 * time.Hour)}}

	got := ConversionRate(refs, convs, day, day.Add(24*time.Hour))
	assert.Equal(t, 3, got.TotalReferrals)
	assert.Equal(t, 1, got.TotalConversions)
	assert.InDelta(t, 33.333, got.Rate, 0.001)

	open := ConversionRate(refs, convs, time.Time{}, time.Time{})
	assert.Equal(t, 4, open.TotalReferrals)
	assert.InDelta(t, 50.0, open.Rate, 1e-9)

	empty := ConversionRate(nil, convs, time.Time{}, time.Time{})
	assert.Equal(t, 0.0, empty.Rate)
}

func TestViralCoefficient(t *testing.T) {
	assert.Equal(t, domain.ViralStats{}, ViralCoefficient(nil))

	users := []domain.User{
		{ID: "r"},
		{ID: "a", ReferredBy: "r"},
		{ID: "b", ReferredBy: "r"},
		{ID: "c", ReferredBy: "outside"},
	}
	v := ViralCoefficient(users)
	assert.Equal(t, 4, v.TotalUsers)
	assert.Equal(t, 3, v.ReferredUsers)
	assert.Equal(t, 2, v.ReferralEdges)
	assert.InDelta(t, 0.5, v.ViralCoefficient, 1e-9)
	assert.InDelta(t, 75.0, v.ReferralRate, 1e-9)
}

func TestEventDerivation(t *testing.T) {
	users := []domain.User{
		{ID: "r", MembershipActive: true},
		{ID: "a", ReferredBy: "r", MembershipActive: true, RegisteredAt: day},
		{ID: "b", ReferredBy: "r", RegisteredAt: day},
	}
	assert.Len(t, ReferralEvents(users), 2)
	convs := ConversionEvents(users)
	require.Len(t, convs, 1)
	assert.Equal(t, "a", convs[0].UserID)
}
