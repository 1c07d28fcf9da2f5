package service

import (
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
)

// RegisterInput captures the payload accepted when a user joins.
type RegisterInput struct {
	ID               string          `json:"id,omitempty"`
	FullName         string          `json:"fullName"`
	Email            string          `json:"email,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	Location         domain.Location `json:"location"`
	ReferralCode     string          `json:"referralCode,omitempty"`
	MembershipActive bool            `json:"membershipActive"`
}

// DownlineNode is one descendant in a downline listing.
type DownlineNode struct {
	UserID           string `json:"userId"`
	FullName         string `json:"fullName,omitempty"`
	CurrentRole      string `json:"currentRole"`
	MembershipActive bool   `json:"membershipActive"`
	Level            int    `json:"level"`
	ReferredBy       string `json:"referredBy"`
}

// GrowthReport compares live statistics with the snapshot taken Days ago.
type GrowthReport struct {
	UserID     string               `json:"userId"`
	Days       int                  `json:"days"`
	Since      time.Time            `json:"since"`
	Current    domain.StatsSnapshot `json:"current"`
	Historical domain.StatsSnapshot `json:"historical"`
	HasHistory bool                 `json:"hasHistory"`
	Delta      domain.GrowthDelta   `json:"delta"`
}

// CodeLookup is the public view of a referral code.
type CodeLookup struct {
	Code    string `json:"code"`
	Valid   bool   `json:"valid"`
	OwnerID string `json:"ownerId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StatsResult is the per-user outcome of BatchUpdateUserStatistics.
type StatsResult struct {
	UserID  string                  `json:"userId"`
	Success bool                    `json:"success"`
	Stats   *domain.ChainStatistics `json:"stats,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Err     error                   `json:"-"`
}

// RecomputeSummary reports a full statistics and progression sweep.
type RecomputeSummary struct {
	Users        int           `json:"users"`
	StatsUpdated int           `json:"statsUpdated"`
	StatsFailed  int           `json:"statsFailed"`
	Promoted     int           `json:"promoted"`
	RoleFailures int           `json:"roleFailures"`
	Duration     time.Duration `json:"duration"`
}
