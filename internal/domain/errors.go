package domain

import "errors"

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	ErrForbidden           = errors.New("forbidden")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrStoreUnavailable    = errors.New("rate limit store unavailable")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrUnknownRole         = errors.New("unknown role")
	ErrUnknownTier         = errors.New("unknown rate limit tier")
)
