// Package chain walks the referral forest in both directions.
package chain

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

const (
	// DefaultMaxDepth caps every walk, guarding against corrupted data.
	DefaultMaxDepth = 100
	defaultFanout   = 8
)

// Source is the read side of the users collection.
type Source interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	QueryUsers(ctx context.Context, q store.UserQuery) ([]domain.User, error)
}

// Issue kinds reported by ValidateChainIntegrity.
const (
	IssueUserNotFound     = "user_not_found"
	IssueMissingReferrer  = "missing_referrer"
	IssueCycle            = "cycle"
	IssueMaxDepthExceeded = "max_depth_exceeded"
)

// Issue is one integrity violation found on an upline walk.
type Issue struct {
	Kind       string `json:"kind"`
	UserID     string `json:"userId"`
	ReferrerID string `json:"referrerId,omitempty"`
}

// IntegrityReport is the result of ValidateChainIntegrity.
type IntegrityReport struct {
	UserID string   `json:"userId"`
	Valid  bool     `json:"valid"`
	Chain  []string `json:"chain"`
	Issues []Issue  `json:"issues"`
}

// DownlineEntry is a descendant annotated with its distance from the root
// of the walk.
type DownlineEntry struct {
	User     domain.User
	Level    int
	ParentID string
}

// UplineEntry is an ancestor annotated with its distance from the starting
// user; the direct referrer is level 1.
type UplineEntry struct {
	UserID string `json:"id"`
	Level  int    `json:"level"`
}

// Resolver answers ancestry and descendant queries.
type Resolver struct {
	src      Source
	maxDepth int
	fanout   int
}

// NewResolver builds a Resolver. maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(src Source, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{src: src, maxDepth: maxDepth, fanout: defaultFanout}
}

// MaxDepth returns the safety cap applied to walks.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// BuildChain returns [userID, parent, grandparent, ..., root]. A missing
// referrer, a cycle or the depth cap ends the chain at the last good node.
func (r *Resolver) BuildChain(ctx context.Context, userID string) ([]string, error) {
	report, err := r.walkUp(ctx, userID)
	if err != nil {
		return nil, err
	}
	return report.Chain, nil
}

// GetUpline is BuildChain without the starting user, nearest first.
func (r *Resolver) GetUpline(ctx context.Context, userID string) ([]UplineEntry, error) {
	chain, err := r.BuildChain(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]UplineEntry, 0, len(chain)-1)
	for i, id := range chain[1:] {
		out = append(out, UplineEntry{UserID: id, Level: i + 1})
	}
	return out, nil
}

// Depth is the number of ancestors of userID.
func (r *Resolver) Depth(ctx context.Context, userID string) (int, error) {
	chain, err := r.BuildChain(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

// FindRoot returns the top of userID's chain.
func (r *Resolver) FindRoot(ctx context.Context, userID string) (string, error) {
	chain, err := r.BuildChain(ctx, userID)
	if err != nil {
		return "", err
	}
	return chain[len(chain)-1], nil
}

// ValidateChainIntegrity walks the upline and reports every violation.
func (r *Resolver) ValidateChainIntegrity(ctx context.Context, userID string) (IntegrityReport, error) {
	return r.walkUp(ctx, userID)
}

func (r *Resolver) walkUp(ctx context.Context, userID string) (IntegrityReport, error) {
	report := IntegrityReport{UserID: userID, Chain: []string{userID}, Issues: []Issue{}}
	visited := map[string]struct{}{userID: {}}

	current, err := r.src.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		report.Issues = append(report.Issues, Issue{Kind: IssueUserNotFound, UserID: userID})
		return report, nil
	}
	if err != nil {
		return IntegrityReport{}, domain.NewError(domain.CodeReferralChainFailed, "load user", err, "userId", userID)
	}

	for current.ReferredBy != "" {
		parentID := current.ReferredBy
		if len(report.Chain)-1 >= r.maxDepth {
			report.Issues = append(report.Issues, Issue{Kind: IssueMaxDepthExceeded, UserID: current.ID, ReferrerID: parentID})
			break
		}
		if _, seen := visited[parentID]; seen {
			report.Issues = append(report.Issues, Issue{Kind: IssueCycle, UserID: current.ID, ReferrerID: parentID})
			break
		}
		parent, err := r.src.GetUser(ctx, parentID)
		if errors.Is(err, store.ErrNotFound) {
			report.Issues = append(report.Issues, Issue{Kind: IssueMissingReferrer, UserID: current.ID, ReferrerID: parentID})
			break
		}
		if err != nil {
			return IntegrityReport{}, domain.NewError(domain.CodeReferralChainFailed, "load referrer", err,
				"userId", current.ID, "referrerId", parentID)
		}
		visited[parentID] = struct{}{}
		report.Chain = append(report.Chain, parentID)
		current = parent
	}

	report.Valid = len(report.Issues) == 0
	return report, nil
}

// GetDirectReferrals returns users whose referrer is userID.
func (r *Resolver) GetDirectReferrals(ctx context.Context, userID string) ([]domain.User, error) {
	users, err := r.src.QueryUsers(ctx, store.UserQuery{ReferredBy: userID})
	if err != nil {
		return nil, domain.NewError(domain.CodeReferralChainFailed, "load direct referrals", err, "userId", userID)
	}
	return users, nil
}

// GetDownline walks descendants breadth-first up to maxDepth levels, itself
// capped by the resolver's safety depth. Children of one level are fetched
// concurrently; output order is deterministic.
func (r *Resolver) GetDownline(ctx context.Context, userID string, maxDepth int) ([]DownlineEntry, error) {
	if maxDepth <= 0 {
		return []DownlineEntry{}, nil
	}
	return r.walkDown(ctx, userID, min(maxDepth, r.maxDepth))
}

// GetTeam returns every transitive descendant regardless of depth. The
// visited set ends the walk on corrupted, cyclic data.
func (r *Resolver) GetTeam(ctx context.Context, userID string) ([]DownlineEntry, error) {
	return r.walkDown(ctx, userID, 0)
}

// walkDown stops after maxDepth levels; 0 means no level limit.
func (r *Resolver) walkDown(ctx context.Context, userID string, maxDepth int) ([]DownlineEntry, error) {
	out := []DownlineEntry{}
	visited := map[string]struct{}{userID: {}}
	frontier := []string{userID}
	for level := 1; (maxDepth == 0 || level <= maxDepth) && len(frontier) > 0; level++ {
		children := make([][]domain.User, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.fanout)
		for i, parentID := range frontier {
			g.Go(func() error {
				kids, err := r.GetDirectReferrals(gctx, parentID)
				if err != nil {
					return err
				}
				children[i] = kids
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		next := make([]string, 0)
		for i, kids := range children {
			for _, kid := range kids {
				if _, seen := visited[kid.ID]; seen {
					continue
				}
				visited[kid.ID] = struct{}{}
				out = append(out, DownlineEntry{User: kid, Level: level, ParentID: frontier[i]})
				next = append(next, kid.ID)
			}
		}
		frontier = next
	}
	return out, nil
}
