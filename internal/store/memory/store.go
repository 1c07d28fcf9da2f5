// Package memory is an in-process store backend used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps users and codes in maps guarded by a RWMutex.
type Store struct {
	mu         sync.RWMutex
	users      map[string]domain.User
	codes      map[string]domain.ReferralCode
	lowestRole string
	nowFn      func() time.Time
}

// New returns an empty Store. lowestRole is applied to documents without a role.
func New(lowestRole string) *Store {
	return &Store{
		users:      make(map[string]domain.User),
		codes:      make(map[string]domain.ReferralCode),
		lowestRole: lowestRole,
		nowFn:      time.Now,
	}
}

// WithClock overrides the time source used for server timestamps.
func (s *Store) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return cloneUser(u).WithDefaults(s.lowestRole), nil
}

func (s *Store) QueryUsers(ctx context.Context, q store.UserQuery) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0)
	for _, u := range s.users {
		if q.Matches(u) {
			out = append(out, cloneUser(u).WithDefaults(s.lowestRole))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.putUserLocked(user)
	return nil
}

func (s *Store) PutUser(ctx context.Context, user domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putUserLocked(user)
	return nil
}

func (s *Store) putUserLocked(user domain.User) {
	user = cloneUser(user)
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = s.nowFn().UTC()
	}
	s.users[user.ID] = user
}

func (s *Store) UpdateUser(ctx context.Context, id string, update store.UserUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	update.Apply(&u)
	u.UpdatedAt = s.nowFn().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) PromoteUser(ctx context.Context, id, fromRole string, rec domain.PromotionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	current := u.CurrentRole
	if current == "" {
		current = s.lowestRole
	}
	if current != fromRole {
		return store.ErrConflict
	}
	u.CurrentRole = rec.To
	u.PromotionHistory = append(append([]domain.PromotionRecord(nil), u.PromotionHistory...), rec)
	u.UpdatedAt = s.nowFn().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) GetCode(ctx context.Context, code string) (domain.ReferralCode, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReferralCode{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return domain.ReferralCode{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) CreateCode(ctx context.Context, code domain.ReferralCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.Code]; exists {
		return store.ErrAlreadyExists
	}
	s.codes[code.Code] = code
	return nil
}

func (s *Store) IncrementCodeCounter(ctx context.Context, code string, counter store.Counter, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return store.ErrNotFound
	}
	switch counter {
	case store.CounterClicks:
		c.Clicks += delta
	case store.CounterConversions:
		c.Conversions += delta
	}
	s.codes[code] = c
	return nil
}

// BatchWrite applies all ops under one lock, so readers never observe a
// partial batch.
func (s *Store) BatchWrite(ctx context.Context, ops []store.WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch {
		case op.User != nil:
			s.putUserLocked(*op.User)
		case op.Code != nil:
			s.codes[op.Code.Code] = *op.Code
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// Len returns the number of stored users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func cloneUser(u domain.User) domain.User {
	if u.PromotionHistory != nil {
		u.PromotionHistory = append([]domain.PromotionRecord(nil), u.PromotionHistory...)
	}
	if u.Stats != nil {
		s := *u.Stats
		u.Stats = &s
	}
	return u
}
