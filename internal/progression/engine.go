// Package progression promotes users up the role ladder as their referral
// network grows.
package progression

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/events"
	"github.com/vanshika/refnet/backend/internal/store"
)

// Reasons reported on non-promotions.
const (
	ReasonMembershipRequired = "membership required"
	ReasonRequirementsUnmet  = "requirements not met"
	ReasonTopTier            = "highest role reached"
	ReasonConcurrentUpdate   = "concurrent update"
)

const defaultBatchConcurrency = 4

// Users is the part of the users collection the engine reads and writes.
type Users interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	PromoteUser(ctx context.Context, id, fromRole string, rec domain.PromotionRecord) error
}

// StatsSource computes the counts the ladder is evaluated against.
type StatsSource interface {
	GetChainStatistics(ctx context.Context, userID string) (domain.ChainStatistics, error)
}

// Recorder observes promotions, typically for metrics.
type Recorder interface {
	ObservePromotion(from, to string)
}

// Progress describes how far a user is from the next role.
type Progress struct {
	Role                    string  `json:"role"`
	DirectReferralsRequired int     `json:"directReferralsRequired"`
	TeamSizeRequired        int     `json:"teamSizeRequired"`
	CurrentDirectReferrals  int     `json:"currentDirectReferrals"`
	CurrentTeamSize         int     `json:"currentTeamSize"`
	DirectProgress          float64 `json:"directProgress"`
	TeamProgress            float64 `json:"teamProgress"`
	OverallProgress         float64 `json:"overallProgress"`
}

// Result is the outcome of one role evaluation.
type Result struct {
	UserID       string                 `json:"userId"`
	Promoted     bool                   `json:"promoted"`
	PreviousRole string                 `json:"previousRole,omitempty"`
	CurrentRole  string                 `json:"currentRole"`
	Reason       string                 `json:"reason,omitempty"`
	NextRole     *domain.RoleDefinition `json:"nextRole"`
	Progress     *Progress              `json:"progress"`
}

// BatchItem is the per-user outcome of BatchCheckRoleProgressions.
type BatchItem struct {
	UserID  string  `json:"userId"`
	Success bool    `json:"success"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
	Err     error   `json:"-"`
}

// Engine evaluates and applies role transitions.
type Engine struct {
	users            Users
	stats            StatsSource
	ladder           *domain.Ladder
	publisher        events.Publisher
	recorder         Recorder
	logger           *slog.Logger
	nowFn            func() time.Time
	batchConcurrency int
}

// NewEngine wires an Engine. publisher and recorder may be nil.
func NewEngine(users Users, stats StatsSource, ladder *domain.Ladder, publisher events.Publisher, logger *slog.Logger) *Engine {
	if ladder == nil {
		ladder = domain.DefaultLadder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		users:            users,
		stats:            stats,
		ladder:           ladder,
		publisher:        publisher,
		logger:           logger,
		nowFn:            time.Now,
		batchConcurrency: defaultBatchConcurrency,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (e *Engine) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		e.nowFn = nowFn
	}
}

// WithRecorder attaches a promotion observer.
func (e *Engine) WithRecorder(r Recorder) {
	e.recorder = r
}

// Ladder returns the ladder the engine evaluates against.
func (e *Engine) Ladder() *domain.Ladder { return e.ladder }

// CheckAndUpdateRole evaluates userID against the ladder and applies at most
// one transition, which may skip several tiers if all of them are met.
func (e *Engine) CheckAndUpdateRole(ctx context.Context, userID string) (Result, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Result{}, domain.NewError(domain.CodeRoleProgression, "load user", err, "userId", userID)
	}

	if !user.MembershipActive {
		return Result{
			UserID:      userID,
			CurrentRole: user.CurrentRole,
			Reason:      ReasonMembershipRequired,
		}, nil
	}

	stats, err := e.stats.GetChainStatistics(ctx, userID)
	if err != nil {
		return Result{}, domain.NewError(domain.CodeRoleProgression, "load statistics", err, "userId", userID)
	}

	current := e.ladder.TierOf(user.CurrentRole)
	target := e.highestEligible(current, stats)
	if target == current {
		return e.report(userID, current, stats), nil
	}

	to, _ := e.ladder.At(target)
	rec := domain.PromotionRecord{From: user.CurrentRole, To: to.Name, At: e.nowFn().UTC()}
	err = e.users.PromoteUser(ctx, userID, user.CurrentRole, rec)
	if errors.Is(err, store.ErrConflict) {
		return e.afterConflict(ctx, userID, stats)
	}
	if err != nil {
		return Result{}, domain.NewError(domain.CodeRoleProgression, "apply promotion", err,
			"userId", userID, "from", rec.From, "to", rec.To)
	}

	e.logger.Info("user promoted", "userId", userID, "from", rec.From, "to", rec.To)
	if e.recorder != nil {
		e.recorder.ObservePromotion(rec.From, rec.To)
	}
	e.publish(ctx, userID, rec)

	res := e.report(userID, target, stats)
	res.Promoted = true
	res.PreviousRole = rec.From
	res.Reason = ""
	return res, nil
}

// highestEligible scans upward from current and stops at the first unmet tier.
func (e *Engine) highestEligible(current int, stats domain.ChainStatistics) int {
	target := current
	for i := current + 1; i < e.ladder.Len(); i++ {
		role, _ := e.ladder.At(i)
		if stats.ActiveDirectReferrals < role.DirectReferralsRequired || stats.ActiveTeamSize < role.TeamSizeRequired {
			break
		}
		target = i
	}
	return target
}

func (e *Engine) report(userID string, tier int, stats domain.ChainStatistics) Result {
	role, _ := e.ladder.At(tier)
	res := Result{UserID: userID, CurrentRole: role.Name}
	next, ok := e.ladder.At(tier + 1)
	if !ok {
		res.Reason = ReasonTopTier
		return res
	}
	res.Reason = ReasonRequirementsUnmet
	res.NextRole = &next
	p := ProgressToward(next, stats)
	res.Progress = &p
	return res
}

// afterConflict re-reads the user once and reports the fresh state without
// retrying the promotion.
func (e *Engine) afterConflict(ctx context.Context, userID string, stats domain.ChainStatistics) (Result, error) {
	fresh, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Result{}, domain.NewError(domain.CodeRoleProgression, "reload user after conflict", err, "userId", userID)
	}
	e.logger.Warn("promotion lost race", "userId", userID, "currentRole", fresh.CurrentRole)
	res := e.report(userID, e.ladder.TierOf(fresh.CurrentRole), stats)
	res.CurrentRole = fresh.CurrentRole
	res.Reason = ReasonConcurrentUpdate
	return res, nil
}

func (e *Engine) publish(ctx context.Context, userID string, rec domain.PromotionRecord) {
	if e.publisher == nil {
		return
	}
	evt := domain.PromotionEvent{
		ID:     uuid.NewString(),
		UserID: userID,
		From:   rec.From,
		To:     rec.To,
		At:     rec.At,
	}
	if err := e.publisher.Publish(ctx, userID, evt); err != nil {
		e.logger.Error("publish promotion event failed", "userId", userID, "error", err)
	}
}

// ProgressToward computes per-metric and overall progress toward next.
func ProgressToward(next domain.RoleDefinition, stats domain.ChainStatistics) Progress {
	direct := Percent(stats.ActiveDirectReferrals, next.DirectReferralsRequired)
	team := Percent(stats.ActiveTeamSize, next.TeamSizeRequired)
	return Progress{
		Role:                    next.Name,
		DirectReferralsRequired: next.DirectReferralsRequired,
		TeamSizeRequired:        next.TeamSizeRequired,
		CurrentDirectReferrals:  stats.ActiveDirectReferrals,
		CurrentTeamSize:         stats.ActiveTeamSize,
		DirectProgress:          direct,
		TeamProgress:            team,
		OverallProgress:         clamp(direct*team/100, 0, 100),
	}
}

// Percent is clamp(current/required*100, 0, 100); a zero requirement is met.
func Percent(current, required int) float64 {
	if required == 0 {
		return 100
	}
	return clamp(float64(current)/float64(required)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HasPermission reports whether userID's role grants capability. Unknown
// users have no permissions.
func (e *Engine) HasPermission(ctx context.Context, userID string, capability domain.Capability) (bool, error) {
	caps, err := e.Permissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range caps {
		if c == capability {
			return true, nil
		}
	}
	return false, nil
}

// Permissions lists the cumulative capabilities of userID's role.
func (e *Engine) Permissions(ctx context.Context, userID string) ([]domain.Capability, error) {
	user, err := e.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []domain.Capability{}, nil
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeRoleProgression, "load user", err, "userId", userID)
	}
	return e.ladder.CapabilitiesAt(e.ladder.TierOf(user.CurrentRole)), nil
}

// BatchCheckRoleProgressions evaluates each id independently. A failure for
// one id never affects the others; ids not started before ctx is cancelled
// report the context error.
func (e *Engine) BatchCheckRoleProgressions(ctx context.Context, userIDs []string) []BatchItem {
	items := make([]BatchItem, len(userIDs))
	var g errgroup.Group
	g.SetLimit(e.batchConcurrency)
	for i, id := range userIDs {
		items[i].UserID = id
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			items[i].Error = err.Error()
			continue
		}
		g.Go(func() error {
			res, err := e.CheckAndUpdateRole(ctx, id)
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				return nil
			}
			items[i].Success = true
			items[i].Result = &res
			return nil
		})
	}
	_ = g.Wait()
	return items
}
