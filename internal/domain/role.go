package domain

import (
	"fmt"
	"strings"
)

// Capability names a permission granted by a role tier.
type Capability string

const (
	CapViewProfile      Capability = "view_profile"
	CapShareReferral    Capability = "share_referral"
	CapViewTeam         Capability = "view_team"
	CapMessageTeam      Capability = "message_team"
	CapViewAnalytics    Capability = "view_analytics"
	CapCreateEvents     Capability = "create_events"
	CapManageOrganizers Capability = "manage_organizers"
	CapViewReports      Capability = "view_reports"
	CapExportData       Capability = "export_data"
	CapManageRoles      Capability = "manage_roles"
)

// RoleDefinition is one tier of the promotion ladder.
type RoleDefinition struct {
	TierIndex               int          `json:"tierIndex" yaml:"tier" toml:"tier"`
	Name                    string       `json:"name" yaml:"name" toml:"name"`
	DirectReferralsRequired int          `json:"directReferralsRequired" yaml:"directReferrals" toml:"direct_referrals"`
	TeamSizeRequired        int          `json:"teamSizeRequired" yaml:"teamSize" toml:"team_size"`
	Capabilities            []Capability `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
}

// Ladder is the ordered, immutable set of role tiers.
type Ladder struct {
	roles  []RoleDefinition
	byName map[string]int
}

// NewLadder validates roles and builds a Ladder. Roles must be ordered by tier
// index starting at 0, have unique names, and non-decreasing thresholds.
func NewLadder(roles []RoleDefinition) (*Ladder, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("ladder has no roles")
	}
	l := &Ladder{
		roles:  make([]RoleDefinition, len(roles)),
		byName: make(map[string]int, len(roles)),
	}
	for i, role := range roles {
		name := strings.TrimSpace(role.Name)
		if name == "" {
			return nil, fmt.Errorf("role at position %d has no name", i)
		}
		if role.TierIndex != i {
			return nil, fmt.Errorf("role %q has tier %d, expected %d", name, role.TierIndex, i)
		}
		if _, dup := l.byName[name]; dup {
			return nil, fmt.Errorf("duplicate role name %q", name)
		}
		if role.DirectReferralsRequired < 0 || role.TeamSizeRequired < 0 {
			return nil, fmt.Errorf("role %q has negative thresholds", name)
		}
		if i == 0 && (role.DirectReferralsRequired != 0 || role.TeamSizeRequired != 0) {
			return nil, fmt.Errorf("lowest role %q must have zero thresholds", name)
		}
		if i > 0 {
			prev := l.roles[i-1]
			if role.DirectReferralsRequired < prev.DirectReferralsRequired || role.TeamSizeRequired < prev.TeamSizeRequired {
				return nil, fmt.Errorf("role %q thresholds are lower than %q", name, prev.Name)
			}
		}
		role.Name = name
		role.Capabilities = append([]Capability(nil), role.Capabilities...)
		l.roles[i] = role
		l.byName[name] = i
	}
	return l, nil
}

// MustLadder is NewLadder for static definitions.
func MustLadder(roles []RoleDefinition) *Ladder {
	l, err := NewLadder(roles)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of tiers.
func (l *Ladder) Len() int { return len(l.roles) }

// Lowest returns tier 0.
func (l *Ladder) Lowest() RoleDefinition { return l.roles[0] }

// At returns the role at tier index i.
func (l *Ladder) At(i int) (RoleDefinition, bool) {
	if i < 0 || i >= len(l.roles) {
		return RoleDefinition{}, false
	}
	return l.roles[i], true
}

// Lookup resolves a role by name.
func (l *Ladder) Lookup(name string) (RoleDefinition, bool) {
	idx, ok := l.byName[name]
	if !ok {
		return RoleDefinition{}, false
	}
	return l.roles[idx], true
}

// TierOf returns the tier index for name, falling back to the lowest tier for
// unknown or empty names.
func (l *Ladder) TierOf(name string) int {
	if idx, ok := l.byName[name]; ok {
		return idx
	}
	return 0
}

// Roles returns a copy of all tiers in order.
func (l *Ladder) Roles() []RoleDefinition {
	out := make([]RoleDefinition, len(l.roles))
	copy(out, l.roles)
	return out
}

// CapabilitiesAt returns the cumulative capability set of tiers 0..tier.
func (l *Ladder) CapabilitiesAt(tier int) []Capability {
	if tier >= len(l.roles) {
		tier = len(l.roles) - 1
	}
	seen := make(map[Capability]struct{})
	var caps []Capability
	for i := 0; i <= tier; i++ {
		for _, c := range l.roles[i].Capabilities {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			caps = append(caps, c)
		}
	}
	return caps
}

// Grants reports whether the tier carries capability c.
func (l *Ladder) Grants(tier int, c Capability) bool {
	for _, have := range l.CapabilitiesAt(tier) {
		if have == c {
			return true
		}
	}
	return false
}

// DefaultRoles is the production promotion ladder.
func DefaultRoles() []RoleDefinition {
	return []RoleDefinition{
		{TierIndex: 0, Name: "member", Capabilities: []Capability{CapViewProfile, CapShareReferral}},
		{TierIndex: 1, Name: "organizer", DirectReferralsRequired: 5, TeamSizeRequired: 15, Capabilities: []Capability{CapViewTeam}},
		{TierIndex: 2, Name: "team_leader", DirectReferralsRequired: 10, TeamSizeRequired: 50, Capabilities: []Capability{CapMessageTeam}},
		{TierIndex: 3, Name: "area_coordinator", DirectReferralsRequired: 20, TeamSizeRequired: 100, Capabilities: []Capability{CapViewAnalytics}},
		{TierIndex: 4, Name: "mandal_coordinator", DirectReferralsRequired: 30, TeamSizeRequired: 250, Capabilities: []Capability{CapCreateEvents}},
		{TierIndex: 5, Name: "constituency_coordinator", DirectReferralsRequired: 40, TeamSizeRequired: 500, Capabilities: []Capability{CapManageOrganizers}},
		{TierIndex: 6, Name: "district_coordinator", DirectReferralsRequired: 60, TeamSizeRequired: 1000, Capabilities: []Capability{CapViewReports}},
		{TierIndex: 7, Name: "zonal_coordinator", DirectReferralsRequired: 80, TeamSizeRequired: 3000, Capabilities: []Capability{CapExportData}},
		{TierIndex: 8, Name: "state_coordinator", DirectReferralsRequired: 100, TeamSizeRequired: 10000, Capabilities: []Capability{CapManageRoles}},
	}
}

// DefaultLadder returns the production ladder.
func DefaultLadder() *Ladder {
	return MustLadder(DefaultRoles())
}
