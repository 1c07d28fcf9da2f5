package domain

import "time"

// ChainStatistics is the aggregate view of a user's position in the forest.
type ChainStatistics struct {
	UserID                string `json:"userId"`
	DirectReferrals       int    `json:"directReferrals"`
	ActiveDirectReferrals int    `json:"activeDirectReferrals"`
	TeamSize              int    `json:"teamSize"`
	ActiveTeamSize        int    `json:"activeTeamSize"`
	ChainDepth            int    `json:"chainDepth"`
	UplineCount           int    `json:"uplineCount"`
}

// Stored converts the counts to the form persisted on the user document.
func (s ChainStatistics) Stored(at time.Time) StoredStats {
	return StoredStats{
		DirectReferrals:       s.DirectReferrals,
		ActiveDirectReferrals: s.ActiveDirectReferrals,
		TeamSize:              s.TeamSize,
		ActiveTeamSize:        s.ActiveTeamSize,
		ComputedAt:            at,
	}
}

// StatsSnapshot is a dated copy of a user's counts used for growth metrics.
type StatsSnapshot struct {
	UserID                string    `json:"userId"`
	DirectReferrals       int       `json:"directReferrals"`
	ActiveDirectReferrals int       `json:"activeDirectReferrals"`
	TeamSize              int       `json:"teamSize"`
	ActiveTeamSize        int       `json:"activeTeamSize"`
	TakenAt               time.Time `json:"takenAt"`
}

// SnapshotOf captures s at the given time.
func SnapshotOf(s ChainStatistics, at time.Time) StatsSnapshot {
	return StatsSnapshot{
		UserID:                s.UserID,
		DirectReferrals:       s.DirectReferrals,
		ActiveDirectReferrals: s.ActiveDirectReferrals,
		TeamSize:              s.TeamSize,
		ActiveTeamSize:        s.ActiveTeamSize,
		TakenAt:               at,
	}
}

// GrowthDelta holds signed differences between two snapshots.
type GrowthDelta struct {
	DirectReferrals       int `json:"directReferrals"`
	ActiveDirectReferrals int `json:"activeDirectReferrals"`
	TeamSize              int `json:"teamSize"`
	ActiveTeamSize        int `json:"activeTeamSize"`
}

// DistributionBucket is one row of a frequency table.
type DistributionBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ConversionStats summarises referrals that turned into activations.
type ConversionStats struct {
	TotalReferrals   int     `json:"totalReferrals"`
	TotalConversions int     `json:"totalConversions"`
	Rate             float64 `json:"rate"`
}

// ViralStats summarises how referral-driven a population is.
type ViralStats struct {
	TotalUsers       int     `json:"totalUsers"`
	ReferredUsers    int     `json:"referredUsers"`
	ReferralEdges    int     `json:"referralEdges"`
	ViralCoefficient float64 `json:"viralCoefficient"`
	ReferralRate     float64 `json:"referralRate"`
}

// ReferralEvent records a referral made at a point in time.
type ReferralEvent struct {
	ReferrerID string
	ReferredID string
	At         time.Time
}

// ConversionEvent records a referred user activating membership.
type ConversionEvent struct {
	UserID string
	At     time.Time
}

// PromotionEvent is published after a successful role transition.
type PromotionEvent struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}
