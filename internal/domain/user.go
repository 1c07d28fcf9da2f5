package domain

import "time"

// CurrentSchemaVersion is written on every user document the engine persists.
const CurrentSchemaVersion = 1

// Location holds the administrative hierarchy a member registered under.
type Location struct {
	State    string `json:"state,omitempty"`
	District string `json:"district,omitempty"`
	Mandal   string `json:"mandal,omitempty"`
	Village  string `json:"village,omitempty"`
}

// PromotionRecord is one entry of a user's append-only promotion history.
type PromotionRecord struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// StoredStats is the last aggregate snapshot persisted on the user document.
// It is a cache; traversal results are the source of truth.
type StoredStats struct {
	DirectReferrals       int       `json:"directReferrals"`
	ActiveDirectReferrals int       `json:"activeDirectReferrals"`
	TeamSize              int       `json:"teamSize"`
	ActiveTeamSize        int       `json:"activeTeamSize"`
	ComputedAt            time.Time `json:"computedAt"`
}

// User is a node of the referral forest.
type User struct {
	ID               string            `json:"id"`
	FullName         string            `json:"fullName,omitempty"`
	Email            string            `json:"email,omitempty"`
	Phone            string            `json:"phone,omitempty"`
	Location         Location          `json:"location"`
	ReferredBy       string            `json:"referredBy,omitempty"`
	ReferralCode     string            `json:"referralCode,omitempty"`
	CurrentRole      string            `json:"currentRole"`
	MembershipActive bool              `json:"membershipActive"`
	PromotionHistory []PromotionRecord `json:"promotionHistory"`
	Stats            *StoredStats      `json:"stats,omitempty"`
	SchemaVersion    int               `json:"schemaVersion"`
	RegisteredAt     time.Time         `json:"registeredAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// IsRoot reports whether the user joined without a referrer.
func (u User) IsRoot() bool {
	return u.ReferredBy == ""
}

// IsActive is the predicate used by the active-referral counts.
func (u User) IsActive() bool {
	return u.MembershipActive
}

// WithDefaults fills fields that older documents may lack.
func (u User) WithDefaults(lowestRole string) User {
	if u.CurrentRole == "" {
		u.CurrentRole = lowestRole
	}
	if u.SchemaVersion == 0 {
		u.SchemaVersion = CurrentSchemaVersion
	}
	if u.PromotionHistory == nil {
		u.PromotionHistory = []PromotionRecord{}
	}
	return u
}

// LocationValue returns the location attribute named by field.
func (u User) LocationValue(field string) (string, bool) {
	switch field {
	case "state":
		return u.Location.State, true
	case "district":
		return u.Location.District, true
	case "mandal":
		return u.Location.Mandal, true
	case "village":
		return u.Location.Village, true
	default:
		return "", false
	}
}

// ReferralCode is a document of the referral-codes collection.
type ReferralCode struct {
	Code        string    `json:"code"`
	OwnerID     string    `json:"ownerId"`
	Active      bool      `json:"active"`
	Clicks      int64     `json:"clicks"`
	Conversions int64     `json:"conversions"`
	CreatedAt   time.Time `json:"createdAt"`
}
