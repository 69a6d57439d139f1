// Package errs holds the error kinds shared by every siteline component.
package errs

import (
	stderrors "errors"
	"time"

	errors "gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrScopeUnresolved means no site could be determined for a request.
	ErrScopeUnresolved = errors.NewKind("scope unresolved: %s")
	// ErrUnauthorized is returned for every API key failure, whatever the cause.
	ErrUnauthorized = errors.NewKind("unauthorized")
	// ErrConsentBlocked marks telemetry dropped by the consent gate. Never surfaced to clients.
	ErrConsentBlocked = errors.NewKind("tracking not permitted: %s")
	// ErrValidationFailed rejects malformed telemetry with a reason.
	ErrValidationFailed = errors.NewKind("validation failed: %s")
	// ErrRateLimited carries the retry-after interval.
	ErrRateLimited = errors.NewKind("rate limited, retry after %s")
	// ErrDuplicateConversion is benign and swallowed by the goal engine.
	ErrDuplicateConversion = errors.NewKind("goal %d already converted")
	// ErrQueryTimeout is surfaced to query callers.
	ErrQueryTimeout = errors.NewKind("query %s timed out")
	// ErrTenantBoundaryViolation is a programming error: a row crossed the active scope.
	ErrTenantBoundaryViolation = errors.NewKind("tenant boundary violation: %s")
	// ErrNotFound is returned by scoped lookups.
	ErrNotFound = errors.NewKind("%s not found")
)

// Is reports whether err, or anything it wraps, is of the given kind.
func Is(err error, kind *errors.Kind) bool {
	for err != nil {
		if kind.Is(err) {
			return true
		}
		err = unwrap(err)
	}
	return false
}

func unwrap(err error) error {
	if e, ok := err.(*errors.Error); ok {
		return e.Cause()
	}
	return stderrors.Unwrap(err)
}

type retryAfter struct {
	after time.Duration
}

func (r *retryAfter) Error() string {
	return "retry after " + r.after.String()
}

// RateLimited builds an ErrRateLimited that remembers when the caller may retry.
func RateLimited(after time.Duration) error {
	return ErrRateLimited.Wrap(&retryAfter{after: after}, after.Round(time.Second))
}

// RetryAfter extracts the interval from an error built by RateLimited.
func RetryAfter(err error) (time.Duration, bool) {
	for err != nil {
		if ra, ok := err.(*retryAfter); ok {
			return ra.after, true
		}
		err = unwrap(err)
	}
	return 0, false
}
