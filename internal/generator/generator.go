package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/referralcode"
)

// Dataset contains the generated users and their referral codes.
type Dataset struct {
	Users []domain.User         `json:"users"`
	Codes []domain.ReferralCode `json:"codes"`
}

// Generator produces a synthetic referral forest. Users are emitted in
// registration order and only refer to earlier users, so the result is acyclic.
type Generator struct {
	cfg    Config
	rand   *rand.Rand
	codec  referralcode.Codec
	places places
	names  names
	nowFn  func() time.Time
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumUsers <= 0 {
		cfg.NumUsers = def.NumUsers
	}
	if cfg.RootChance <= 0 {
		cfg.RootChance = def.RootChance
	}
	if cfg.PreferentialChance < 0 {
		cfg.PreferentialChance = def.PreferentialChance
	}
	if cfg.ActiveChance <= 0 {
		cfg.ActiveChance = def.ActiveChance
	}
	if cfg.UnknownLocationRatio < 0 {
		cfg.UnknownLocationRatio = 0
	}
	if cfg.SpanDays <= 0 {
		cfg.SpanDays = def.SpanDays
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &Generator{
		cfg:    cfg,
		rand:   rand.New(rand.NewSource(cfg.Seed)),
		codec:  referralcode.Default(),
		places: defaultPlaces(),
		names:  defaultNames(),
		nowFn:  time.Now,
	}
}

// WithClock pins the reference time registration dates are spread back from.
func (g *Generator) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		g.nowFn = nowFn
	}
}

// Generate synthesises users and codes. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	n := g.cfg.NumUsers
	users := make([]domain.User, n)
	codes := make([]domain.ReferralCode, n)
	seenCodes := make(map[string]struct{}, n)

	// each user appears once per referral made plus once for joining
	weighted := make([]int, 0, 2*n)

	now := g.nowFn().UTC().Truncate(time.Second)
	span := time.Duration(g.cfg.SpanDays) * 24 * time.Hour
	step := span / time.Duration(n)
	start := now.Add(-span)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}

		id, err := uuid.NewRandomFromReader(g.rand)
		if err != nil {
			return Dataset{}, fmt.Errorf("generate id: %w", err)
		}
		registered := start.Add(time.Duration(i)*step + time.Duration(g.rand.Int63n(int64(step)+1)))
		code := g.uniqueCode(seenCodes)

		u := domain.User{
			ID:               id.String(),
			FullName:         g.randomFullName(),
			Phone:            g.randomPhone(),
			Location:         g.randomLocation(),
			ReferralCode:     code,
			CurrentRole:      "",
			MembershipActive: g.rand.Float64() < g.cfg.ActiveChance,
			PromotionHistory: []domain.PromotionRecord{},
			SchemaVersion:    domain.CurrentSchemaVersion,
			RegisteredAt:     registered,
			UpdatedAt:        registered,
		}
		u.Email = fmt.Sprintf("user%06d@%s", i+1, g.names.domains[g.rand.Intn(len(g.names.domains))])

		if i > 0 && g.rand.Float64() >= g.cfg.RootChance {
			parent := g.pickReferrer(i, weighted)
			u.ReferredBy = users[parent].ID
			weighted = append(weighted, parent)
			codes[parent].Conversions++
			codes[parent].Clicks += 1 + int64(g.rand.Intn(4))
		}
		weighted = append(weighted, i)

		users[i] = u
		codes[i] = domain.ReferralCode{
			Code:      code,
			OwnerID:   u.ID,
			Active:    true,
			CreatedAt: registered,
		}
	}

	return Dataset{Users: users, Codes: codes}, nil
}

func (g *Generator) pickReferrer(i int, weighted []int) int {
	if len(weighted) > 0 && g.rand.Float64() < g.cfg.PreferentialChance {
		return weighted[g.rand.Intn(len(weighted))]
	}
	return g.rand.Intn(i)
}

func (g *Generator) uniqueCode(seen map[string]struct{}) string {
	for {
		code := g.codec.Generate(g.rand.Int63())
		if _, dup := seen[code]; !dup {
			seen[code] = struct{}{}
			return code
		}
	}
}

func (g *Generator) randomLocation() domain.Location {
	if g.rand.Float64() < g.cfg.UnknownLocationRatio {
		return domain.Location{}
	}
	st := g.places[g.rand.Intn(len(g.places))]
	d := st.districts[g.rand.Intn(len(st.districts))]
	return domain.Location{
		State:    st.name,
		District: d,
		Mandal:   fmt.Sprintf("%s Rural %d", d, 1+g.rand.Intn(5)),
		Village:  fmt.Sprintf("Ward %d", 1+g.rand.Intn(40)),
	}
}

func (g *Generator) randomFullName() string {
	return fmt.Sprintf("%s %s", g.names.first[g.rand.Intn(len(g.names.first))],
		g.names.last[g.rand.Intn(len(g.names.last))])
}

func (g *Generator) randomPhone() string {
	return fmt.Sprintf("+91%d%09d", 6+g.rand.Intn(4), g.rand.Intn(1_000_000_000))
}

type state struct {
	name      string
	districts []string
}

type places []state

func defaultPlaces() places {
	return places{
		{"Telangana", []string{"Hyderabad", "Warangal", "Karimnagar", "Nizamabad"}},
		{"Andhra Pradesh", []string{"Guntur", "Krishna", "Visakhapatnam", "Chittoor"}},
		{"Karnataka", []string{"Mysuru", "Belagavi", "Kalaburagi"}},
		{"Tamil Nadu", []string{"Madurai", "Salem", "Coimbatore"}},
		{"Maharashtra", []string{"Pune", "Nagpur", "Nashik"}},
	}
}

type names struct {
	first   []string
	last    []string
	domains []string
}

func defaultNames() names {
	return names{
		first:   []string{"Anil", "Sunita", "Ravi", "Lakshmi", "Kiran", "Padma", "Suresh", "Divya", "Venkat", "Meena", "Arjun", "Swathi"},
		last:    []string{"Reddy", "Rao", "Naidu", "Sharma", "Patil", "Iyer", "Kumar", "Goud", "Varma", "Pillai"},
		domains: []string{"example.com", "mail.test", "refnet.dev"},
	}
}
