// Package gateway runs every inbound request through admission: address
// rate limit, session resolution, optional per-user rate limit and the
// authorization gate, in that order. The first failing stage writes the
// rejection envelope; handlers only ever see admitted requests.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/auth"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
	"github.com/felipepmaragno/storefront-gateway/internal/notifications"
	"github.com/felipepmaragno/storefront-gateway/internal/ratelimit"
	"github.com/felipepmaragno/storefront-gateway/internal/telemetry"
	"github.com/google/uuid"
)

type SessionPolicy int

const (
	// SessionOptional resolves a session when a credential is present and
	// lets anonymous callers through.
	SessionOptional SessionPolicy = iota
	SessionRequired
)

// Route is the static admission policy of one endpoint.
type Route struct {
	Tier domain.Tier
	// UserTier, when set, is applied to the authenticated user after
	// resolution in addition to the address tier.
	UserTier *domain.Tier
	Roles    domain.RoleSet
	Session  SessionPolicy
}

func (rt Route) sessionRequired() bool {
	return rt.Session == SessionRequired || !rt.Roles.Empty()
}

type HandlerFunc func(w http.ResponseWriter, r *http.Request, rc auth.RequestContext)

type SessionResolver interface {
	Extract(r *http.Request) string
	Resolve(ctx context.Context, credential string) (*domain.Session, error)
}

type Reporter interface {
	Report(n notifications.Notification) bool
}

type Config struct {
	Limiter  ratelimit.Limiter
	Resolver SessionResolver
	// Reporter receives auth-tier rejections. Optional.
	Reporter Reporter
	// TrustedProxyHops is the number of reverse proxies in front of the
	// gateway that append to X-Forwarded-For.
	TrustedProxyHops int
}

type Gateway struct {
	limiter     ratelimit.Limiter
	resolver    SessionResolver
	reporter    Reporter
	trustedHops int
}

func New(cfg Config) *Gateway {
	return &Gateway{
		limiter:     cfg.Limiter,
		resolver:    cfg.Resolver,
		reporter:    cfg.Reporter,
		trustedHops: cfg.TrustedProxyHops,
	}
}

const (
	stageRateLimit     = "ratelimit"
	stageUserRateLimit = "user_ratelimit"
	stageSession       = "session"
	stageAuthorize     = "authorize"
)

// Wrap returns h guarded by route's admission policy.
func (g *Gateway) Wrap(h HandlerFunc, route Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx, span := telemetry.StartSpan(r.Context(), "gateway.admit")
		defer span.End()
		r = r.WithContext(ctx)

		telemetry.AddRequestAttributes(span, requestID, r.Method, r.URL.Path, route.Tier.Name)

		clientKey := ratelimit.AddressKey(r, g.trustedHops)
		rej := rejection{w: w, r: r, requestID: requestID, clientKey: clientKey, tier: route.Tier.Name, span: span}

		d := g.admit(ctx, clientKey, route.Tier, requestID)
		setRateLimitHeaders(w, d)
		telemetry.AddRateLimitAttributes(span, route.Tier.Name, d.Allowed, d.Remaining)
		if !d.Allowed {
			rej.tooManyRequests(stageRateLimit, d)
			g.reportAbuse(route.Tier, clientKey, requestID, d)
			return
		}

		s, err := g.resolver.Resolve(ctx, g.resolver.Extract(r))
		if err != nil {
			s = nil
			switch {
			case errors.Is(err, domain.ErrUnauthenticated):
				if route.sessionRequired() {
					rej.write(stageSession, http.StatusUnauthorized, domain.KeyUnauthorized, fallbackUnauthorized, nil, err)
					return
				}
			default:
				if route.sessionRequired() {
					w.Header().Set("Retry-After", "1")
					rej.write(stageSession, http.StatusServiceUnavailable, domain.KeyServiceUnavailable, fallbackServiceUnavailable, nil, err)
					return
				}
				slog.Warn("identity service unavailable, continuing anonymously",
					"request_id", requestID,
					"client_key", clientKey,
					"error", err,
				)
			}
		}
		if s != nil {
			telemetry.AddSessionAttributes(span, s.UserID, s.Role.String())
		}

		if route.UserTier != nil && s != nil {
			userKey := ratelimit.UserKey(s.UserID)
			ud := g.admit(ctx, userKey, *route.UserTier, requestID)
			setRateLimitHeaders(w, ud)
			if !ud.Allowed {
				rej.clientKey = userKey
				rej.tier = route.UserTier.Name
				rej.tooManyRequests(stageUserRateLimit, ud)
				return
			}
		}

		if route.sessionRequired() {
			if err := auth.Authorize(s, route.Roles); err != nil {
				rej.write(stageAuthorize, http.StatusForbidden, domain.KeyForbidden, fallbackForbidden, nil, err)
				return
			}
		}

		metrics.RecordAdmission(route.Tier.Name, true)
		metrics.ObserveAdmission(route.Tier.Name, time.Since(start).Seconds())

		h(w, r, auth.RequestContext{
			RequestID:     requestID,
			ClientKey:     clientKey,
			Tier:          route.Tier.Name,
			Session:       s,
			RequiredRoles: route.Roles,
		})
	})
}

// admit treats a limiter error as an admission; quotas must never turn a
// store outage into an outage of the endpoint.
func (g *Gateway) admit(ctx context.Context, key string, tier domain.Tier, requestID string) ratelimit.Decision {
	d, err := g.limiter.Admit(ctx, key, tier)
	if err != nil {
		slog.Warn("rate limiter error, admitting request",
			"request_id", requestID,
			"client_key", key,
			"tier", tier.Name,
			"error", err,
		)
		return ratelimit.Decision{Allowed: true, Limit: tier.MaxRequests, Remaining: tier.MaxRequests}
	}
	return d
}

func (g *Gateway) reportAbuse(tier domain.Tier, clientKey, requestID string, d ratelimit.Decision) {
	if g.reporter == nil || tier.Name != domain.TierAuth {
		return
	}
	g.reporter.Report(notifications.Notification{
		Type:      notifications.NotificationAuthAbuse,
		ClientKey: clientKey,
		Message:   "auth tier quota exhausted",
		Data: map[string]any{
			"tier":           tier.Name,
			"limit":          d.Limit,
			"retry_after_ms": d.RetryAfter.Milliseconds(),
			"request_id":     requestID,
		},
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 && d.ResetAt.IsZero() {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}
