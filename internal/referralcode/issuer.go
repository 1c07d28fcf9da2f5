package referralcode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/store"
)

// DefaultMaxAttempts bounds the check-and-retry loop in Issue.
const DefaultMaxAttempts = 5

// Issuer reserves unique codes in the referral-codes collection.
type Issuer struct {
	codec       Codec
	codes       store.Codes
	maxAttempts int
	generate    func() (string, error)
	nowFn       func() time.Time
	logger      *slog.Logger
}

// NewIssuer builds an Issuer that draws codes from codec.Random.
func NewIssuer(codec Codec, codes store.Codes, maxAttempts int, logger *slog.Logger) *Issuer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		codec:       codec,
		codes:       codes,
		maxAttempts: maxAttempts,
		generate:    codec.Random,
		nowFn:       time.Now,
		logger:      logger,
	}
}

// WithGenerator overrides the code source (used in tests).
func (i *Issuer) WithGenerator(fn func() (string, error)) {
	if fn != nil {
		i.generate = fn
	}
}

// Codec returns the codec used for generation and validation.
func (i *Issuer) Codec() Codec { return i.codec }

// Issue creates a new active code owned by ownerID, retrying on collisions.
func (i *Issuer) Issue(ctx context.Context, ownerID string) (domain.ReferralCode, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.ReferralCode{}, err
		}
		code, err := i.generate()
		if err != nil {
			return domain.ReferralCode{}, domain.NewError(domain.CodeReferralCodeFailed, "generate code", err, "ownerId", ownerID)
		}
		rc := domain.ReferralCode{
			Code:      code,
			OwnerID:   ownerID,
			Active:    true,
			CreatedAt: i.nowFn().UTC(),
		}
		err = i.codes.CreateCode(ctx, rc)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return domain.ReferralCode{}, domain.NewError(domain.CodeReferralCodeFailed, "reserve code", err, "ownerId", ownerID)
		}
		i.logger.Warn("referral code collision", "code", code, "attempt", attempt)
	}
	return domain.ReferralCode{}, domain.NewError(domain.CodeReferralCodeExhausted,
		"could not find a free referral code", nil, "ownerId", ownerID, "attempts", i.maxAttempts)
}

// Resolve validates the format of raw and returns the active code document.
func (i *Issuer) Resolve(ctx context.Context, raw string) (domain.ReferralCode, error) {
	code := Normalize(raw)
	if !i.codec.IsValidFormat(code) {
		return domain.ReferralCode{}, domain.NewError(domain.CodeInvalidReferralCode, "malformed referral code", nil, "code", code)
	}
	rc, err := i.codes.GetCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ReferralCode{}, domain.NewError(domain.CodeInvalidReferralCode, "unknown referral code", err, "code", code)
	}
	if err != nil {
		return domain.ReferralCode{}, domain.NewError(domain.CodeReferralCodeFailed, "lookup referral code", err, "code", code)
	}
	if !rc.Active {
		return domain.ReferralCode{}, domain.NewError(domain.CodeInvalidReferralCode, "referral code is inactive", nil, "code", code)
	}
	return rc, nil
}
