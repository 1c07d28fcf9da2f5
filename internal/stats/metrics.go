package stats

import (
	"sort"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
)

// UnknownBucket collects users whose location field is empty.
const UnknownBucket = "Unknown"

// Growth returns current minus historical for every count.
func Growth(current, historical domain.StatsSnapshot) domain.GrowthDelta {
	return domain.GrowthDelta{
		DirectReferrals:       current.DirectReferrals - historical.DirectReferrals,
		ActiveDirectReferrals: current.ActiveDirectReferrals - historical.ActiveDirectReferrals,
		TeamSize:              current.TeamSize - historical.TeamSize,
		ActiveTeamSize:        current.ActiveTeamSize - historical.ActiveTeamSize,
	}
}

// Distribution counts users per value of a location field, optionally
// restricted to a registration window. Buckets are sorted by count, then key.
func Distribution(users []domain.User, field string, from, to *time.Time) ([]domain.DistributionBucket, error) {
	if _, ok := (domain.User{}).LocationValue(field); !ok {
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown distribution field", nil, "field", field)
	}
	counts := make(map[string]int)
	for _, u := range users {
		if !inWindow(u.RegisteredAt, from, to) {
			continue
		}
		key, _ := u.LocationValue(field)
		if key == "" {
			key = UnknownBucket
		}
		counts[key]++
	}

	buckets := make([]domain.DistributionBucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, domain.DistributionBucket{Key: k, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
	return buckets, nil
}

// ConversionRate counts referrals and conversions inside [from, to]; a zero
// bound is open. Rate is a percentage and 0 when there are no referrals.
func ConversionRate(referrals []domain.ReferralEvent, conversions []domain.ConversionEvent, from, to time.Time) domain.ConversionStats {
	var fp, tp *time.Time
	if !from.IsZero() {
		fp = &from
	}
	if !to.IsZero() {
		tp = &to
	}
	var out domain.ConversionStats
	for _, r := range referrals {
		if inWindow(r.At, fp, tp) {
			out.TotalReferrals++
		}
	}
	for _, c := range conversions {
		if inWindow(c.At, fp, tp) {
			out.TotalConversions++
		}
	}
	if out.TotalReferrals > 0 {
		out.Rate = float64(out.TotalConversions) / float64(out.TotalReferrals) * 100
	}
	return out
}

// ViralCoefficient measures referrals made inside the population per member.
// An edge counts when both ends belong to users.
func ViralCoefficient(users []domain.User) domain.ViralStats {
	out := domain.ViralStats{TotalUsers: len(users)}
	if len(users) == 0 {
		return out
	}
	members := make(map[string]struct{}, len(users))
	for _, u := range users {
		members[u.ID] = struct{}{}
	}
	for _, u := range users {
		if u.ReferredBy == "" {
			continue
		}
		out.ReferredUsers++
		if _, ok := members[u.ReferredBy]; ok {
			out.ReferralEdges++
		}
	}
	total := float64(out.TotalUsers)
	out.ViralCoefficient = float64(out.ReferralEdges) / total
	out.ReferralRate = float64(out.ReferredUsers) / total * 100
	return out
}

// ReferralEvents derives one event per referred user, at registration time.
func ReferralEvents(users []domain.User) []domain.ReferralEvent {
	out := make([]domain.ReferralEvent, 0)
	for _, u := range users {
		if u.ReferredBy == "" {
			continue
		}
		out = append(out, domain.ReferralEvent{ReferrerID: u.ReferredBy, ReferredID: u.ID, At: u.RegisteredAt})
	}
	return out
}

// ConversionEvents treats every referred user with an active membership as
// converted at registration time.
func ConversionEvents(users []domain.User) []domain.ConversionEvent {
	out := make([]domain.ConversionEvent, 0)
	for _, u := range users {
		if u.ReferredBy == "" || !u.IsActive() {
			continue
		}
		out = append(out, domain.ConversionEvent{UserID: u.ID, At: u.RegisteredAt})
	}
	return out
}

func inWindow(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}
