// Package stats derives referral counts and population metrics from the
// referral forest.
package stats

import (
	"context"

	"github.com/vanshika/refnet/backend/internal/chain"
	"github.com/vanshika/refnet/backend/internal/domain"
)

// Aggregator computes per-user statistics on top of a chain.Resolver.
type Aggregator struct {
	resolver *chain.Resolver
}

// NewAggregator returns an Aggregator reading through resolver.
func NewAggregator(resolver *chain.Resolver) *Aggregator {
	return &Aggregator{resolver: resolver}
}

func (a *Aggregator) CountDirectReferrals(ctx context.Context, userID string) (int, error) {
	kids, err := a.resolver.GetDirectReferrals(ctx, userID)
	if err != nil {
		return 0, wrap("count direct referrals", userID, err)
	}
	return len(kids), nil
}

func (a *Aggregator) CountActiveDirectReferrals(ctx context.Context, userID string) (int, error) {
	kids, err := a.resolver.GetDirectReferrals(ctx, userID)
	if err != nil {
		return 0, wrap("count active direct referrals", userID, err)
	}
	return countActive(kids), nil
}

// CalculateTeamSize counts every transitive descendant.
func (a *Aggregator) CalculateTeamSize(ctx context.Context, userID string) (int, error) {
	down, err := a.resolver.GetTeam(ctx, userID)
	if err != nil {
		return 0, wrap("calculate team size", userID, err)
	}
	return len(down), nil
}

// CalculateActiveTeamSize counts active descendants. Inactive members are
// still walked through.
func (a *Aggregator) CalculateActiveTeamSize(ctx context.Context, userID string) (int, error) {
	down, err := a.resolver.GetTeam(ctx, userID)
	if err != nil {
		return 0, wrap("calculate active team size", userID, err)
	}
	return countActiveEntries(down), nil
}

// GetChainStatistics computes all counts with a single downline walk.
func (a *Aggregator) GetChainStatistics(ctx context.Context, userID string) (domain.ChainStatistics, error) {
	down, err := a.resolver.GetTeam(ctx, userID)
	if err != nil {
		return domain.ChainStatistics{}, wrap("load downline", userID, err)
	}
	upline, err := a.resolver.GetUpline(ctx, userID)
	if err != nil {
		return domain.ChainStatistics{}, wrap("load upline", userID, err)
	}

	s := domain.ChainStatistics{
		UserID:      userID,
		TeamSize:    len(down),
		ChainDepth:  len(upline),
		UplineCount: len(upline),
	}
	for _, e := range down {
		if e.Level == 1 {
			s.DirectReferrals++
			if e.User.IsActive() {
				s.ActiveDirectReferrals++
			}
		}
		if e.User.IsActive() {
			s.ActiveTeamSize++
		}
	}
	return s, nil
}

func countActive(users []domain.User) int {
	n := 0
	for _, u := range users {
		if u.IsActive() {
			n++
		}
	}
	return n
}

func countActiveEntries(entries []chain.DownlineEntry) int {
	n := 0
	for _, e := range entries {
		if e.User.IsActive() {
			n++
		}
	}
	return n
}

func wrap(msg, userID string, err error) error {
	if domain.ErrorCode(err) != "" {
		return err
	}
	return domain.NewError(domain.CodeStatisticsFailed, msg, err, "userId", userID)
}
