// Package session turns a request credential into a verified domain.Session.
//
// The Resolver never conflates "bad credential" with "could not ask": an
// invalid or expired credential yields domain.ErrUnauthenticated, while any
// failure to reach the identity provider (timeout, transport error, open
// breaker, throttle) yields domain.ErrIdentityUnavailable.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
	"github.com/felipepmaragno/storefront-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// IdentityProvider verifies a credential with the system that owns sessions.
// Implementations return an error wrapping domain.ErrUnauthenticated when the
// credential is invalid or expired; any other error is treated as the
// provider being unavailable.
type IdentityProvider interface {
	Name() string
	Verify(ctx context.Context, credential string) (*domain.Session, error)
}

// DefaultCookieNames are the session cookies set by the storefront's auth
// layer, secure variant first.
var DefaultCookieNames = []string{
	"__Secure-next-auth.session-token",
	"next-auth.session-token",
}

const DefaultTimeout = 300 * time.Millisecond

type ResolverConfig struct {
	Provider IdentityProvider
	// Timeout bounds one provider round trip. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Cache enables positive caching. Leave nil unless a sign-out feed
	// invalidates it.
	Cache       *Cache
	Breaker     *circuitbreaker.CircuitBreaker
	Throttle    *rate.Limiter
	CookieNames []string
	Now         func() time.Time
}

type Resolver struct {
	provider    IdentityProvider
	timeout     time.Duration
	cache       *Cache
	breaker     *circuitbreaker.CircuitBreaker
	throttle    *rate.Limiter
	cookieNames []string
	now         func() time.Time
}

func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		provider:    cfg.Provider,
		timeout:     cfg.Timeout,
		cache:       cfg.Cache,
		breaker:     cfg.Breaker,
		throttle:    cfg.Throttle,
		cookieNames: cfg.CookieNames,
		now:         cfg.Now,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if len(r.cookieNames) == 0 {
		r.cookieNames = DefaultCookieNames
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Cache returns the positive cache, or nil when caching is disabled.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Extract returns the request's credential: the first configured session
// cookie, then an Authorization bearer token. Empty means anonymous.
func (r *Resolver) Extract(req *http.Request) string {
	return ExtractCredential(req, r.cookieNames...)
}

// ExtractCredential checks cookieNames in order (DefaultCookieNames when
// none are given), then the Authorization header.
func ExtractCredential(r *http.Request, cookieNames ...string) string {
	if len(cookieNames) == 0 {
		cookieNames = DefaultCookieNames
	}
	for _, name := range cookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ExtractBearerToken(r)
}

func ExtractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Resolve verifies credential. ctx should be the inbound request's context
// so that a client abort cancels the provider call.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*domain.Session, error) {
	if credential == "" {
		return nil, domain.ErrUnauthenticated
	}

	if r.cache != nil {
		if s, ok := r.cache.Get(credential); ok {
			metrics.RecordSessionCacheHit()
			return s, nil
		}
		metrics.RecordSessionCacheMiss()
	}

	ctx, span := telemetry.StartSpan(ctx, "session.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("identity.provider", r.provider.Name()))

	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			metrics.RecordIdentityLookup(r.provider.Name(), "breaker_open", 0)
			return nil, fmt.Errorf("%w: %v", domain.ErrIdentityUnavailable, err)
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.throttle != nil {
		if err := r.throttle.Wait(lookupCtx); err != nil {
			metrics.RecordIdentityLookup(r.provider.Name(), "throttled", 0)
			return nil, fmt.Errorf("%w: throttled: %v", domain.ErrIdentityUnavailable, err)
		}
	}

	started := r.now()
	s, err := r.provider.Verify(lookupCtx, credential)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			r.recordSuccess()
			metrics.RecordIdentityLookup(r.provider.Name(), "unauthenticated", elapsed)
			return nil, err
		}
		// A client abort says nothing about the provider's health.
		if ctx.Err() == nil {
			r.recordFailure()
		}
		metrics.RecordIdentityLookup(r.provider.Name(), "unavailable", elapsed)
		telemetry.AddErrorAttribute(span, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrIdentityUnavailable, err)
	}
	r.recordSuccess()

	if s == nil || s.UserID == "" || !s.Role.Valid() {
		metrics.RecordIdentityLookup(r.provider.Name(), "unauthenticated", elapsed)
		return nil, fmt.Errorf("%w: incomplete session", domain.ErrUnauthenticated)
	}
	if s.Expired(r.now()) {
		metrics.RecordIdentityLookup(r.provider.Name(), "unauthenticated", elapsed)
		return nil, fmt.Errorf("%w: session expired", domain.ErrUnauthenticated)
	}
	metrics.RecordIdentityLookup(r.provider.Name(), "ok", elapsed)

	if r.cache != nil {
		r.cache.Set(credential, s, started)
	}
	return s, nil
}

func (r *Resolver) recordSuccess() {
	if r.breaker != nil {
		r.breaker.RecordSuccess()
	}
}

func (r *Resolver) recordFailure() {
	if r.breaker != nil {
		r.breaker.RecordFailure()
	}
}
