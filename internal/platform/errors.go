package platform

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies connector failures.
type Kind string

const (
	KindAuthExpired       Kind = "auth_expired"
	KindUnauthenticated   Kind = "unauthenticated"
	KindRateLimited       Kind = "rate_limited"
	KindTransientNetwork  Kind = "transient_network"
	KindProviderPermanent Kind = "provider_permanent"
	KindReconciliationGap Kind = "reconciliation_gap"
)

var (
	ErrAuthExpired       = errors.New("platform: access token rejected")
	ErrUnauthenticated   = errors.New("platform: not authenticated")
	ErrRateLimited       = errors.New("platform: rate limited")
	ErrTransientNetwork  = errors.New("platform: transient network failure")
	ErrProviderPermanent = errors.New("platform: provider rejected request")
	ErrReconciliationGap = errors.New("platform: report data unavailable")
)

var kindSentinels = map[Kind]error{
	KindAuthExpired:       ErrAuthExpired,
	KindUnauthenticated:   ErrUnauthenticated,
	KindRateLimited:       ErrRateLimited,
	KindTransientNetwork:  ErrTransientNetwork,
	KindProviderPermanent: ErrProviderPermanent,
	KindReconciliationGap: ErrReconciliationGap,
}

// Error is a classified connector failure. errors.Is matches it against the Err* sentinel of its Kind.
type Error struct {
	Kind       Kind
	Platform   Platform
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// NewError builds a classified error.
func NewError(kind Kind, p Platform, op string, err error) *Error {
	return &Error{Kind: kind, Platform: p, Op: op, Err: err}
}

func (e *Error) Error() string {
	message := fmt.Sprintf("%s %s: %s", e.Platform, e.Op, e.Kind)
	if e.StatusCode != 0 {
		message = fmt.Sprintf("%s (status %d)", message, e.StatusCode)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var platformErr *Error
	if errors.As(err, &platformErr) {
		return platformErr.Kind, true
	}
	return "", false
}

// RetryAfterOf returns the provider's retry hint when err is rate limited.
func RetryAfterOf(err error) time.Duration {
	var platformErr *Error
	if errors.As(err, &platformErr) && platformErr.Kind == KindRateLimited {
		return platformErr.RetryAfter
	}
	return 0
}
