// Package store defines the document-store contract the referral engine
// reads from and writes to.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
)

var (
	// ErrNotFound is returned when a user or code does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateUser and CreateCode for a
	// duplicate id or code.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned by PromoteUser when the stored role no longer
	// matches the expected one.
	ErrConflict = errors.New("conflicting update")
)

// UserQuery filters QueryUsers. Zero-valued fields do not filter.
type UserQuery struct {
	ReferredBy     string
	CurrentRole    string
	RegisteredFrom *time.Time
	RegisteredTo   *time.Time
	Limit          int
}

// UserUpdate carries a partial update. Nil fields are left untouched; the
// store assigns UpdatedAt.
type UserUpdate struct {
	FullName         *string
	Email            *string
	Phone            *string
	Location         *domain.Location
	MembershipActive *bool
	ReferralCode     *string
	Stats            *domain.StoredStats
}

// Counter names a referral-code counter.
type Counter string

const (
	CounterClicks      Counter = "clicks"
	CounterConversions Counter = "conversions"
)

// WriteOp is one element of a BatchWrite. Exactly one field is set.
type WriteOp struct {
	User *domain.User
	Code *domain.ReferralCode
}

// Users is the users collection.
type Users interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	QueryUsers(ctx context.Context, q UserQuery) ([]domain.User, error)
	// CreateUser inserts user only if no document with its id exists.
	CreateUser(ctx context.Context, user domain.User) error
	PutUser(ctx context.Context, user domain.User) error
	UpdateUser(ctx context.Context, id string, update UserUpdate) error
	// PromoteUser sets the user's role to rec.To and appends rec to the
	// history only if the stored role still equals fromRole.
	PromoteUser(ctx context.Context, id, fromRole string, rec domain.PromotionRecord) error
}

// Codes is the referral-codes collection.
type Codes interface {
	GetCode(ctx context.Context, code string) (domain.ReferralCode, error)
	CreateCode(ctx context.Context, code domain.ReferralCode) error
	IncrementCodeCounter(ctx context.Context, code string, counter Counter, delta int64) error
}

// Store is the full contract implemented by every backend.
type Store interface {
	Users
	Codes
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Ping(ctx context.Context) error
	Close() error
}

// Matches reports whether u satisfies q. Backends without native filtering
// use it directly.
func (q UserQuery) Matches(u domain.User) bool {
	if q.ReferredBy != "" && u.ReferredBy != q.ReferredBy {
		return false
	}
	if q.CurrentRole != "" && u.CurrentRole != q.CurrentRole {
		return false
	}
	if q.RegisteredFrom != nil && u.RegisteredAt.Before(*q.RegisteredFrom) {
		return false
	}
	if q.RegisteredTo != nil && u.RegisteredAt.After(*q.RegisteredTo) {
		return false
	}
	return true
}

// Apply copies the non-nil fields of up onto u.
func (up UserUpdate) Apply(u *domain.User) {
	if up.FullName != nil {
		u.FullName = *up.FullName
	}
	if up.Email != nil {
		u.Email = *up.Email
	}
	if up.Phone != nil {
		u.Phone = *up.Phone
	}
	if up.Location != nil {
		u.Location = *up.Location
	}
	if up.MembershipActive != nil {
		u.MembershipActive = *up.MembershipActive
	}
	if up.ReferralCode != nil {
		u.ReferralCode = *up.ReferralCode
	}
	if up.Stats != nil {
		s := *up.Stats
		u.Stats = &s
	}
}
