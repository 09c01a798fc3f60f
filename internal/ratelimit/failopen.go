package ratelimit

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/storefront-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
)

// FailOpen admits requests when the wrapped store fails. Quotas here are a
// safety net; an unavailable store must not take business endpoints down.
// It never returns an error.
type FailOpen struct {
	next    Limiter
	backend string
	breaker *circuitbreaker.CircuitBreaker
}

// NewFailOpen wraps next. breaker may be nil.
func NewFailOpen(next Limiter, backend string, breaker *circuitbreaker.CircuitBreaker) *FailOpen {
	return &FailOpen{next: next, backend: backend, breaker: breaker}
}

func (f *FailOpen) Admit(ctx context.Context, clientKey string, tier domain.Tier) (Decision, error) {
	if f.breaker != nil {
		if err := f.breaker.Allow(); err != nil {
			metrics.RecordRateLimitStoreError(f.backend)
			return admitted(tier), nil
		}
	}

	d, err := f.next.Admit(ctx, clientKey, tier)
	if err != nil {
		if ctx.Err() == nil && f.breaker != nil {
			f.breaker.RecordFailure()
		}
		metrics.RecordRateLimitStoreError(f.backend)
		slog.Warn("rate limit store unavailable, admitting request",
			"backend", f.backend,
			"tier", tier.Name,
			"error", err,
		)
		return admitted(tier), nil
	}

	if f.breaker != nil {
		f.breaker.RecordSuccess()
	}
	return d, nil
}

func (f *FailOpen) Reset(ctx context.Context, clientKey string, tier domain.Tier) error {
	r, ok := f.next.(Resetter)
	if !ok {
		return nil
	}
	return r.Reset(ctx, clientKey, tier)
}

func admitted(tier domain.Tier) Decision {
	return Decision{Allowed: true, Limit: tier.MaxRequests, Remaining: tier.MaxRequests}
}
