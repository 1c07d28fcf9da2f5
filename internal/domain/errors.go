package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes carried by Error. Each component has a default code.
const (
	CodeReferralCodeFailed    = "REFERRAL_CODE_FAILED"
	CodeReferralCodeExhausted = "REFERRAL_CODE_EXHAUSTED"
	CodeInvalidReferralCode   = "INVALID_REFERRAL_CODE"
	CodeReferralChainFailed   = "REFERRAL_CHAIN_FAILED"
	CodeStatisticsFailed      = "STATISTICS_FAILED"
	CodeRoleProgression       = "ROLE_PROGRESSION_FAILED"
	CodeCacheFailed           = "CACHE_FAILED"
	CodeRegistrationFailed    = "REGISTRATION_FAILED"
	CodeInvalidInput          = "INVALID_INPUT"
)

// ErrReferrerImmutable is returned when a registration would change an
// existing user's referrer.
var ErrReferrerImmutable = errors.New("referredBy cannot be changed once set")

// Error is the structured error returned by engine components.
type Error struct {
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the given code. ctx is a flat list of
// key/value pairs.
func NewError(code, message string, err error, ctx ...any) *Error {
	e := &Error{Code: code, Message: message, Err: err}
	if len(ctx) > 1 {
		e.Context = make(map[string]any, len(ctx)/2)
		for i := 0; i+1 < len(ctx); i += 2 {
			key, ok := ctx[i].(string)
			if !ok {
				key = fmt.Sprint(ctx[i])
			}
			e.Context[key] = ctx[i+1]
		}
	}
	return e
}

// ErrorCode returns the code of the first Error in err's chain, or "".
func ErrorCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsInvalidInput reports whether err was caused by caller-supplied data.
func IsInvalidInput(err error) bool {
	switch ErrorCode(err) {
	case CodeInvalidInput, CodeInvalidReferralCode:
		return true
	}
	return errors.Is(err, ErrReferrerImmutable)
}
