package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vanshika/refnet/backend/internal/cache"
	"github.com/vanshika/refnet/backend/internal/chain"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/progression"
	"github.com/vanshika/refnet/backend/internal/referralcode"
	"github.com/vanshika/refnet/backend/internal/snapshot"
	"github.com/vanshika/refnet/backend/internal/stats"
	"github.com/vanshika/refnet/backend/internal/store"
)

const (
	defaultWorkers    = 4
	defaultMaxRetries = 3
	// MaxGrowthDays matches the snapshot retention window.
	MaxGrowthDays = 120
)

// Deps are the collaborators a ReferralService is assembled from.
type Deps struct {
	Store      store.Store
	Resolver   *chain.Resolver
	Aggregator *stats.Aggregator
	Engine     *progression.Engine
	Issuer     *referralcode.Issuer
	Cache      *cache.Cache
	Snapshots  snapshot.Store
	Logger     *slog.Logger
}

// Options tune a ReferralService. Zero values select defaults.
type Options struct {
	CacheTTL        time.Duration
	BatchWorkers    int
	StoreMaxRetries int
}

// ReferralService is the facade used by the HTTP API, the CLI and the scheduler.
type ReferralService struct {
	store      store.Store
	resolver   *chain.Resolver
	aggregator *stats.Aggregator
	engine     *progression.Engine
	issuer     *referralcode.Issuer
	cache      *cache.Cache
	snapshots  snapshot.Store
	logger     *slog.Logger
	cacheTTL   time.Duration
	workers    int
	maxRetries int
	nowFn      func() time.Time
	newID      func() string
}

// New constructs a ReferralService.
func New(deps Deps, opts Options) *ReferralService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = defaultWorkers
	}
	if opts.StoreMaxRetries < 0 {
		opts.StoreMaxRetries = defaultMaxRetries
	}
	snaps := deps.Snapshots
	if snaps == nil {
		snaps = snapshot.NewMemoryStore()
	}
	return &ReferralService{
		store:      deps.Store,
		resolver:   deps.Resolver,
		aggregator: deps.Aggregator,
		engine:     deps.Engine,
		issuer:     deps.Issuer,
		cache:      deps.Cache,
		snapshots:  snaps,
		logger:     logger.With("component", "service"),
		cacheTTL:   opts.CacheTTL,
		workers:    opts.BatchWorkers,
		maxRetries: opts.StoreMaxRetries,
		nowFn:      time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (s *ReferralService) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// WithIDGenerator overrides how new user ids are minted.
func (s *ReferralService) WithIDGenerator(fn func() string) {
	if fn != nil {
		s.newID = fn
	}
}

// Ladder exposes the role ladder in use.
func (s *ReferralService) Ladder() *domain.Ladder { return s.engine.Ladder() }

// Register creates a user, attaching the referrer resolved from the optional
// referral code and issuing the user's own code.
func (s *ReferralService) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return domain.User{}, domain.NewError(domain.CodeInvalidInput, "fullName is required", nil)
	}

	referrerID, usedCode, err := s.resolveReferrer(ctx, in.ReferralCode)
	if err != nil {
		return domain.User{}, err
	}

	id := strings.TrimSpace(in.ID)
	if id != "" {
		if err := s.checkUnregistered(ctx, id, referrerID); err != nil {
			return domain.User{}, err
		}
	} else {
		id = s.newID()
	}
	if id == referrerID {
		return domain.User{}, domain.NewError(domain.CodeInvalidInput, "a user cannot refer themselves", nil, "userId", id)
	}

	code, err := s.issuer.Issue(ctx, id)
	if err != nil {
		return domain.User{}, err
	}

	now := s.nowFn().UTC()
	user := domain.User{
		ID:               id,
		FullName:         name,
		Email:            strings.TrimSpace(in.Email),
		Phone:            strings.TrimSpace(in.Phone),
		Location:         in.Location,
		ReferredBy:       referrerID,
		ReferralCode:     code.Code,
		CurrentRole:      s.Ladder().Lowest().Name,
		MembershipActive: in.MembershipActive,
		PromotionHistory: []domain.PromotionRecord{},
		SchemaVersion:    domain.CurrentSchemaVersion,
		RegisteredAt:     now,
		UpdatedAt:        now,
	}

	// insert-only: a concurrent registration of the same id must not
	// overwrite the referrer the winner stored
	var taken bool
	err = cache.Retry(ctx, s.maxRetries, func(ctx context.Context) error {
		err := s.store.CreateUser(ctx, user)
		if errors.Is(err, store.ErrAlreadyExists) {
			taken = true
			return nil
		}
		return err
	})
	if err != nil || taken {
		s.retireCode(ctx, code)
	}
	if err != nil {
		return domain.User{}, domain.NewError(domain.CodeRegistrationFailed, "store user", err, "userId", id)
	}
	if taken {
		if err := s.checkUnregistered(ctx, id, referrerID); err != nil {
			return domain.User{}, err
		}
		return domain.User{}, domain.NewError(domain.CodeRegistrationFailed, "user id taken concurrently", store.ErrAlreadyExists, "userId", id)
	}

	if usedCode != "" {
		if err := s.store.IncrementCodeCounter(ctx, usedCode, store.CounterConversions, 1); err != nil {
			s.logger.Warn("failed to count conversion", "code", usedCode, "error", err)
		}
	}
	s.invalidateLineage(ctx, id)
	s.logger.Info("user registered", "userId", id, "referredBy", referrerID, "code", code.Code)
	return user, nil
}

// checkUnregistered fails when id already exists. A different referrer is
// reported as ErrReferrerImmutable.
func (s *ReferralService) checkUnregistered(ctx context.Context, id, referrerID string) error {
	existing, err := s.store.GetUser(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return domain.NewError(domain.CodeRegistrationFailed, "check existing user", err, "userId", id)
	case existing.ReferredBy != referrerID:
		return domain.NewError(domain.CodeRegistrationFailed, "user already registered", domain.ErrReferrerImmutable, "userId", id)
	default:
		return domain.NewError(domain.CodeInvalidInput, "user already registered", nil, "userId", id)
	}
}

// retireCode deactivates a code issued for a registration that did not
// complete, so it cannot be used to refer under a missing owner.
func (s *ReferralService) retireCode(ctx context.Context, code domain.ReferralCode) {
	code.Active = false
	ctx = context.WithoutCancel(ctx)
	err := cache.Retry(ctx, s.maxRetries, func(ctx context.Context) error {
		return s.store.BatchWrite(ctx, []store.WriteOp{{Code: &code}})
	})
	if err != nil {
		s.logger.Warn("failed to retire referral code", "code", code.Code, "ownerId", code.OwnerID, "error", err)
	}
}

func (s *ReferralService) resolveReferrer(ctx context.Context, raw string) (string, string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", "", nil
	}
	rc, err := s.issuer.Resolve(ctx, raw)
	if err != nil {
		return "", "", err
	}
	if _, err := s.store.GetUser(ctx, rc.OwnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", domain.NewError(domain.CodeInvalidReferralCode, "referral code owner does not exist", err, "code", rc.Code)
		}
		return "", "", domain.NewError(domain.CodeRegistrationFailed, "load referrer", err, "code", rc.Code)
	}
	return rc.OwnerID, rc.Code, nil
}

// SetMembership toggles the active-membership flag that drives the active counts.
func (s *ReferralService) SetMembership(ctx context.Context, userID string, active bool) (domain.User, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return domain.User{}, err
	}
	err := cache.Retry(ctx, s.maxRetries, func(ctx context.Context) error {
		return s.store.UpdateUser(ctx, userID, store.UserUpdate{MembershipActive: &active})
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("update membership for %s: %w", userID, err)
	}
	s.invalidateLineage(ctx, userID)
	return s.GetUser(ctx, userID)
}

// invalidateLineage drops cached statistics for userID and every ancestor,
// since their counts include userID.
func (s *ReferralService) invalidateLineage(ctx context.Context, userID string) {
	s.cache.Invalidate(statsKey(userID))
	upline, err := s.resolver.GetUpline(ctx, userID)
	if err != nil {
		s.logger.Warn("could not resolve upline for cache invalidation", "userId", userID, "error", err)
		return
	}
	for _, e := range upline {
		s.cache.Invalidate(statsKey(e.UserID))
	}
}

// GetUser returns the stored document; unknown ids wrap store.ErrNotFound.
func (s *ReferralService) GetUser(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return user, nil
}

// Chain returns [user, parent, ..., root].
func (s *ReferralService) Chain(ctx context.Context, userID string) ([]string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.resolver.BuildChain(ctx, userID)
}

// Upline returns the ancestors of userID, nearest first.
func (s *ReferralService) Upline(ctx context.Context, userID string) ([]chain.UplineEntry, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.resolver.GetUpline(ctx, userID)
}

// Root returns the top of userID's chain.
func (s *ReferralService) Root(ctx context.Context, userID string) (string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return "", err
	}
	return s.resolver.FindRoot(ctx, userID)
}

// Integrity reports chain violations. Unknown users yield a report, not an error.
func (s *ReferralService) Integrity(ctx context.Context, userID string) (chain.IntegrityReport, error) {
	return s.resolver.ValidateChainIntegrity(ctx, userID)
}

// DirectReferrals lists users referred by userID.
func (s *ReferralService) DirectReferrals(ctx context.Context, userID string) ([]domain.User, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.resolver.GetDirectReferrals(ctx, userID)
}

// Downline lists descendants up to maxDepth levels; maxDepth <= 0 uses the
// resolver's safety depth.
func (s *ReferralService) Downline(ctx context.Context, userID string, maxDepth int) ([]DownlineNode, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = s.resolver.MaxDepth()
	}
	entries, err := s.resolver.GetDownline(ctx, userID, maxDepth)
	if err != nil {
		return nil, err
	}
	out := make([]DownlineNode, 0, len(entries))
	for _, e := range entries {
		out = append(out, DownlineNode{
			UserID:           e.User.ID,
			FullName:         e.User.FullName,
			CurrentRole:      e.User.CurrentRole,
			MembershipActive: e.User.MembershipActive,
			Level:            e.Level,
			ReferredBy:       e.ParentID,
		})
	}
	return out, nil
}

func statsKey(userID string) string { return "stats:" + userID }

// Stats returns the user's chain statistics through the cache.
func (s *ReferralService) Stats(ctx context.Context, userID string) (domain.ChainStatistics, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return domain.ChainStatistics{}, err
	}
	return s.cachedStats(ctx, userID)
}

func (s *ReferralService) cachedStats(ctx context.Context, userID string) (domain.ChainStatistics, error) {
	return cache.Fetch(ctx, s.cache, statsKey(userID), s.cacheTTL, func(ctx context.Context) (domain.ChainStatistics, error) {
		return s.aggregator.GetChainStatistics(ctx, userID)
	})
}

// Growth compares current statistics with the snapshot taken days ago. A
// missing snapshot counts as zero.
func (s *ReferralService) Growth(ctx context.Context, userID string, days int) (GrowthReport, error) {
	if days <= 0 || days > MaxGrowthDays {
		return GrowthReport{}, domain.NewError(domain.CodeInvalidInput,
			fmt.Sprintf("days must be between 1 and %d", MaxGrowthDays), nil, "days", days)
	}
	current, err := s.Stats(ctx, userID)
	if err != nil {
		return GrowthReport{}, err
	}
	now := s.nowFn().UTC()
	since := now.AddDate(0, 0, -days)
	historical, ok, err := s.snapshots.At(ctx, userID, since)
	if err != nil {
		return GrowthReport{}, domain.NewError(domain.CodeStatisticsFailed, "load snapshot", err, "userId", userID)
	}
	if !ok {
		historical = domain.StatsSnapshot{UserID: userID}
	}
	snap := domain.SnapshotOf(current, now)
	return GrowthReport{
		UserID:     userID,
		Days:       days,
		Since:      since,
		Current:    snap,
		Historical: historical,
		HasHistory: ok,
		Delta:      stats.Growth(snap, historical),
	}, nil
}

// CheckRole evaluates and, when eligible, applies a promotion.
func (s *ReferralService) CheckRole(ctx context.Context, userID string) (progression.Result, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return progression.Result{}, err
	}
	return s.engine.CheckAndUpdateRole(ctx, userID)
}

// BatchCheckRoles evaluates many users; failures are reported per item.
func (s *ReferralService) BatchCheckRoles(ctx context.Context, userIDs []string) []progression.BatchItem {
	return s.engine.BatchCheckRoleProgressions(ctx, userIDs)
}

// Permissions lists userID's capabilities.
func (s *ReferralService) Permissions(ctx context.Context, userID string) ([]domain.Capability, error) {
	return s.engine.Permissions(ctx, userID)
}

// HasPermission reports whether userID holds capability.
func (s *ReferralService) HasPermission(ctx context.Context, userID string, capability domain.Capability) (bool, error) {
	return s.engine.HasPermission(ctx, userID, capability)
}

// LookupCode validates raw and, when it names an active code, counts a click.
// Invalid codes are reported in the result rather than as errors.
func (s *ReferralService) LookupCode(ctx context.Context, raw string) (CodeLookup, error) {
	rc, err := s.issuer.Resolve(ctx, raw)
	if err != nil {
		if domain.ErrorCode(err) == domain.CodeInvalidReferralCode {
			var de *domain.Error
			errors.As(err, &de)
			return CodeLookup{Code: referralcode.Normalize(raw), Reason: de.Message}, nil
		}
		return CodeLookup{}, err
	}
	if err := s.store.IncrementCodeCounter(ctx, rc.Code, store.CounterClicks, 1); err != nil {
		s.logger.Warn("failed to count click", "code", rc.Code, "error", err)
	}
	return CodeLookup{Code: rc.Code, Valid: true, OwnerID: rc.OwnerID}, nil
}

func (s *ReferralService) population(ctx context.Context) ([]domain.User, error) {
	users, err := s.store.QueryUsers(ctx, store.UserQuery{})
	if err != nil {
		return nil, domain.NewError(domain.CodeStatisticsFailed, "load users", err)
	}
	return users, nil
}

// Distribution counts users by a location field.
func (s *ReferralService) Distribution(ctx context.Context, field string, from, to *time.Time) ([]domain.DistributionBucket, error) {
	field = strings.ToLower(strings.TrimSpace(field))
	if _, ok := (domain.User{}).LocationValue(field); !ok {
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown distribution field", nil, "field", field)
	}
	users, err := s.population(ctx)
	if err != nil {
		return nil, err
	}
	return stats.Distribution(users, field, from, to)
}

// Viral computes population-wide referral metrics.
func (s *ReferralService) Viral(ctx context.Context) (domain.ViralStats, error) {
	users, err := s.population(ctx)
	if err != nil {
		return domain.ViralStats{}, err
	}
	return stats.ViralCoefficient(users), nil
}

// Conversion computes the referral conversion rate inside [from, to].
func (s *ReferralService) Conversion(ctx context.Context, from, to time.Time) (domain.ConversionStats, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return domain.ConversionStats{}, domain.NewError(domain.CodeInvalidInput, "to must not be before from", nil)
	}
	users, err := s.population(ctx)
	if err != nil {
		return domain.ConversionStats{}, err
	}
	return stats.ConversionRate(stats.ReferralEvents(users), stats.ConversionEvents(users), from, to), nil
}

// CacheMetrics reports statistics cache counters.
func (s *ReferralService) CacheMetrics() cache.Metrics { return s.cache.Metrics() }

// CleanupCache drops expired cache entries.
func (s *ReferralService) CleanupCache() int {
	n := s.cache.CleanupExpired()
	if n > 0 {
		s.logger.Debug("expired cache entries removed", "count", n)
	}
	return n
}

// Ping checks the backing store.
func (s *ReferralService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
