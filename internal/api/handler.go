// Package api assembles the gateway's HTTP surface: health and metrics,
// the session echo endpoint, admin operations and the upstream proxy
// routes, each registered through the admission pipeline.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/auth"
	"github.com/felipepmaragno/storefront-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/storefront-gateway/internal/config"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/gateway"
	"github.com/felipepmaragno/storefront-gateway/internal/queue"
	"github.com/felipepmaragno/storefront-gateway/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionInvalidator drops cached sessions on this instance.
type SessionInvalidator interface {
	InvalidateUser(userID string) int
}

// SessionRevoker deletes a user's sessions at the source.
type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID string) (int64, error)
}

type HandlerConfig struct {
	Gateway *gateway.Gateway
	Tiers   map[string]domain.Tier
	// Limiter is used by the admin reset endpoint. Optional.
	Limiter ratelimit.Resetter
	// Cache, SignOut and Revoker serve the admin revoke endpoint; each is
	// optional.
	Cache   SessionInvalidator
	SignOut queue.Publisher
	Revoker SessionRevoker

	Checkers      []HealthChecker
	Breakers      *circuitbreaker.Registry
	HealthTimeout time.Duration
	Version       string

	// Routes and Upstream register the proxied storefront endpoints.
	Routes   *config.RouteTable
	Upstream *Upstream
}

type Handler struct {
	gateway       *gateway.Gateway
	tiers         map[string]domain.Tier
	limiter       ratelimit.Resetter
	cache         SessionInvalidator
	signOut       queue.Publisher
	revoker       SessionRevoker
	checkers      []HealthChecker
	breakers      *circuitbreaker.Registry
	healthTimeout time.Duration
	version       string
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 2 * time.Second
	}

	h := &Handler{
		gateway:       cfg.Gateway,
		tiers:         cfg.Tiers,
		limiter:       cfg.Limiter,
		cache:         cfg.Cache,
		signOut:       cfg.SignOut,
		revoker:       cfg.Revoker,
		checkers:      cfg.Checkers,
		breakers:      cfg.Breakers,
		healthTimeout: healthTimeout,
		version:       cfg.Version,
		mux:           http.NewServeMux(),
	}

	read, err := h.tier(domain.TierRead)
	if err != nil {
		return nil, err
	}
	write, err := h.tier(domain.TierWrite)
	if err != nil {
		return nil, err
	}

	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.mux.Handle("/gateway/session", gateway.Methods(
		h.gateway.Wrap(h.handleSession, gateway.Route{Tier: read, Session: gateway.SessionRequired}),
		http.MethodGet,
	))

	adminRoute := gateway.Route{Tier: write, Roles: domain.Roles(domain.RoleAdmin)}
	h.mux.Handle("/admin/ratelimit/reset", gateway.Methods(
		h.gateway.Wrap(h.handleResetRateLimit, adminRoute),
		http.MethodPost,
	))
	h.mux.Handle("/admin/sessions/revoke", gateway.Methods(
		h.gateway.Wrap(h.handleRevokeSessions, adminRoute),
		http.MethodPost,
	))

	rootRouted := false
	if cfg.Routes != nil {
		if cfg.Upstream == nil {
			return nil, fmt.Errorf("route table configured without an upstream")
		}
		if err := h.registerUpstreamRoutes(cfg.Routes, cfg.Upstream); err != nil {
			return nil, err
		}
		for _, rc := range cfg.Routes.Routes {
			rootRouted = rootRouted || rc.Pattern == "/"
		}
	}

	if !rootRouted {
		h.mux.HandleFunc("/", h.handleNotFound)
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) tier(name string) (domain.Tier, error) {
	t, ok := h.tiers[name]
	if !ok {
		return domain.Tier{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, name)
	}
	return t, nil
}

func (h *Handler) registerUpstreamRoutes(table *config.RouteTable, upstream *Upstream) error {
	for _, rc := range table.Routes {
		route, err := h.routeFor(rc)
		if err != nil {
			return fmt.Errorf("route %s: %w", rc.Pattern, err)
		}

		var handler http.Handler = h.gateway.Wrap(upstream.Forward, route)
		if len(rc.Methods) > 0 {
			handler = gateway.Methods(handler, rc.Methods...)
		}
		h.mux.Handle(rc.Pattern, handler)
	}
	return nil
}

func (h *Handler) routeFor(rc config.RouteConfig) (gateway.Route, error) {
	tier, err := h.tier(rc.Tier)
	if err != nil {
		return gateway.Route{}, err
	}
	roles, err := rc.RoleSet()
	if err != nil {
		return gateway.Route{}, err
	}

	route := gateway.Route{Tier: tier, Roles: roles}
	if rc.Session == config.SessionRequired {
		route.Session = gateway.SessionRequired
	}
	if rc.UserTier != "" {
		userTier, err := h.tier(rc.UserTier)
		if err != nil {
			return gateway.Route{}, err
		}
		route.UserTier = &userTier
	}
	return route, nil
}

type sessionResponse struct {
	RequestID string          `json:"requestId"`
	Session   *domain.Session `json:"session"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, rc auth.RequestContext) {
	writeJSON(w, http.StatusOK, sessionResponse{RequestID: rc.RequestID, Session: rc.Session})
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	gateway.WriteError(w, http.StatusNotFound, domain.KeyNotFound, "Not found.", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
