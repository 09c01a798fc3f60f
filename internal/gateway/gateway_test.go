package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/auth"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/notifications"
	"github.com/felipepmaragno/storefront-gateway/internal/ratelimit"
	"github.com/felipepmaragno/storefront-gateway/internal/session"
)

type mockResolver struct {
	ResolveFunc func(ctx context.Context, credential string) (*domain.Session, error)
	calls       atomic.Int32
}

func (m *mockResolver) Extract(r *http.Request) string {
	return session.ExtractCredential(r)
}

func (m *mockResolver) Resolve(ctx context.Context, credential string) (*domain.Session, error) {
	m.calls.Add(1)
	if credential == "" {
		return nil, domain.ErrUnauthenticated
	}
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, credential)
	}
	return nil, domain.ErrUnauthenticated
}

type mockLimiter struct {
	AdmitFunc func(ctx context.Context, clientKey string, tier domain.Tier) (ratelimit.Decision, error)
}

func (m *mockLimiter) Admit(ctx context.Context, clientKey string, tier domain.Tier) (ratelimit.Decision, error) {
	return m.AdmitFunc(ctx, clientKey, tier)
}

type mockReporter struct {
	mu   sync.Mutex
	sent []notifications.Notification
}

func (m *mockReporter) Report(n notifications.Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return true
}

// sessionsByToken resolves "tok-<role>" credentials to a session of that role.
func sessionsByToken(ctx context.Context, credential string) (*domain.Session, error) {
	roles := map[string]domain.Role{
		"tok-user":     domain.RoleUser,
		"tok-merchant": domain.RoleMerchant,
		"tok-admin":    domain.RoleAdmin,
	}
	role, ok := roles[credential]
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	return &domain.Session{
		UserID:    "u-" + role.String(),
		Role:      role,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

var (
	authTier = domain.Tier{Name: domain.TierAuth, Window: time.Minute, MaxRequests: 5}
	readTier = domain.Tier{Name: domain.TierRead, Window: time.Minute, MaxRequests: 120}
)

type counter struct {
	calls atomic.Int32
	last  atomic.Pointer[auth.RequestContext]
}

func (c *counter) handle(w http.ResponseWriter, r *http.Request, rc auth.RequestContext) {
	c.calls.Add(1)
	c.last.Store(&rc)
	w.WriteHeader(http.StatusOK)
}

func newGateway(resolver SessionResolver, reporter Reporter) *Gateway {
	return New(Config{
		Limiter:  ratelimit.NewInMemoryLimiter(),
		Resolver: resolver,
		Reporter: reporter,
	})
}

func do(h http.Handler, method, credential, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/resource", nil)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorEnvelope {
	t.Helper()
	var env domain.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Code != rec.Code {
		t.Errorf("envelope code %d does not match status %d", env.Code, rec.Code)
	}
	if env.Message.Fallback == "" {
		t.Error("envelope fallback should not be empty")
	}
	return env
}

func TestGateway_AuthTierScenario(t *testing.T) {
	reporter := &mockReporter{}
	g := newGateway(&mockResolver{}, reporter)
	c := &counter{}
	h := g.Wrap(c.handle, Route{Tier: authTier})

	for i := 0; i < 5; i++ {
		rec := do(h, http.MethodPost, "", "203.0.113.7:5000")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := do(h, http.MethodPost, "", "203.0.113.7:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request: status = %d, want 429", rec.Code)
	}
	if c.calls.Load() != 5 {
		t.Errorf("handler called %d times, want 5", c.calls.Load())
	}

	env := decodeEnvelope(t, rec)
	if env.Message.Key != domain.KeyTooManyRequests {
		t.Errorf("key = %q, want %q", env.Message.Key, domain.KeyTooManyRequests)
	}
	retryMs, ok := env.Message.Params["retryAfterMs"].(float64)
	if !ok || retryMs <= 0 || retryMs > 60000 {
		t.Errorf("retryAfterMs = %v, want in (0, 60000]", env.Message.Params["retryAfterMs"])
	}

	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Errorf("Retry-After = %q, want 1..60", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.sent) != 1 || reporter.sent[0].ClientKey != "ip:203.0.113.7" {
		t.Errorf("abuse reports = %+v", reporter.sent)
	}
}

func TestGateway_OtherClientsUnaffected(t *testing.T) {
	g := newGateway(&mockResolver{}, nil)
	h := g.Wrap((&counter{}).handle, Route{Tier: authTier})

	for i := 0; i < 6; i++ {
		do(h, http.MethodPost, "", "203.0.113.7:5000")
	}
	if rec := do(h, http.MethodPost, "", "198.51.100.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestGateway_NonAuthTierNotReported(t *testing.T) {
	reporter := &mockReporter{}
	g := newGateway(&mockResolver{}, reporter)
	tier := domain.Tier{Name: domain.TierRead, Window: time.Minute, MaxRequests: 1}
	h := g.Wrap((&counter{}).handle, Route{Tier: tier})

	do(h, http.MethodGet, "", "")
	if rec := do(h, http.MethodGet, "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if len(reporter.sent) != 0 {
		t.Errorf("read tier rejection should not be reported, got %d", len(reporter.sent))
	}
}

func TestGateway_Rejections(t *testing.T) {
	merchantOrAdmin := domain.Roles(domain.RoleMerchant, domain.RoleAdmin)

	tests := []struct {
		name       string
		route      Route
		credential string
		resolve    func(ctx context.Context, credential string) (*domain.Session, error)
		wantStatus int
		wantKey    string
	}{
		{
			name:       "no credential on role-protected route",
			route:      Route{Tier: readTier, Roles: merchantOrAdmin},
			wantStatus: http.StatusUnauthorized,
			wantKey:    domain.KeyUnauthorized,
		},
		{
			name:       "no credential on session-required route",
			route:      Route{Tier: readTier, Session: SessionRequired},
			wantStatus: http.StatusUnauthorized,
			wantKey:    domain.KeyUnauthorized,
		},
		{
			name:       "invalid credential",
			route:      Route{Tier: readTier, Session: SessionRequired},
			credential: "tok-bogus",
			resolve:    sessionsByToken,
			wantStatus: http.StatusUnauthorized,
			wantKey:    domain.KeyUnauthorized,
		},
		{
			name:       "user on merchant route",
			route:      Route{Tier: readTier, Roles: merchantOrAdmin},
			credential: "tok-user",
			resolve:    sessionsByToken,
			wantStatus: http.StatusForbidden,
			wantKey:    domain.KeyForbidden,
		},
		{
			name:       "admin on merchant-only route",
			route:      Route{Tier: readTier, Roles: domain.Roles(domain.RoleMerchant)},
			credential: "tok-admin",
			resolve:    sessionsByToken,
			wantStatus: http.StatusForbidden,
			wantKey:    domain.KeyForbidden,
		},
		{
			name:       "identity service down",
			route:      Route{Tier: readTier, Roles: merchantOrAdmin},
			credential: "tok-merchant",
			resolve: func(ctx context.Context, credential string) (*domain.Session, error) {
				return nil, domain.ErrIdentityUnavailable
			},
			wantStatus: http.StatusServiceUnavailable,
			wantKey:    domain.KeyServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(&mockResolver{ResolveFunc: tt.resolve}, nil)
			c := &counter{}

			rec := do(g.Wrap(c.handle, tt.route), http.MethodGet, tt.credential, "")

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if c.calls.Load() != 0 {
				t.Error("handler must not run for a rejected request")
			}
			env := decodeEnvelope(t, rec)
			if env.Message.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", env.Message.Key, tt.wantKey)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID should be set on rejections")
			}
			if tt.wantStatus == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") != "1" {
				t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGateway_Admitted(t *testing.T) {
	g := newGateway(&mockResolver{ResolveFunc: sessionsByToken}, nil)
	c := &counter{}
	h := g.Wrap(c.handle, Route{Tier: readTier, Roles: domain.Roles(domain.RoleMerchant, domain.RoleAdmin)})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Authorization", "Bearer tok-merchant")
	req.Header.Set("X-Request-ID", "req-42")
	req.RemoteAddr = "192.0.2.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rc := c.last.Load()
	if rc == nil {
		t.Fatal("handler did not run")
	}
	if rc.Session == nil || rc.Session.Role != domain.RoleMerchant {
		t.Errorf("session = %+v", rc.Session)
	}
	if rc.RequestID != "req-42" || rec.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("request id = %q / %q", rc.RequestID, rec.Header().Get("X-Request-ID"))
	}
	if rc.ClientKey != "ip:192.0.2.10" || rc.Tier != domain.TierRead {
		t.Errorf("client key = %q, tier = %q", rc.ClientKey, rc.Tier)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "120" || rec.Header().Get("X-RateLimit-Remaining") != "119" {
		t.Errorf("rate limit headers = %v", rec.Header())
	}
}

func TestGateway_OptionalSession(t *testing.T) {
	tests := []struct {
		name        string
		credential  string
		resolve     func(ctx context.Context, credential string) (*domain.Session, error)
		wantSession bool
	}{
		{"anonymous", "", nil, false},
		{"signed in", "tok-user", sessionsByToken, true},
		{"invalid credential", "tok-bogus", sessionsByToken, false},
		{
			name:       "identity service down",
			credential: "tok-user",
			resolve: func(ctx context.Context, credential string) (*domain.Session, error) {
				return nil, domain.ErrIdentityUnavailable
			},
			wantSession: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(&mockResolver{ResolveFunc: tt.resolve}, nil)
			c := &counter{}

			rec := do(g.Wrap(c.handle, Route{Tier: readTier}), http.MethodGet, tt.credential, "")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			rc := c.last.Load()
			if (rc.Session != nil) != tt.wantSession {
				t.Errorf("session = %+v, wantSession %v", rc.Session, tt.wantSession)
			}
		})
	}
}

func TestGateway_RateLimitPrecedesResolution(t *testing.T) {
	resolver := &mockResolver{ResolveFunc: sessionsByToken}
	g := newGateway(resolver, nil)
	tier := domain.Tier{Name: domain.TierAPI, Window: time.Minute, MaxRequests: 1}
	h := g.Wrap((&counter{}).handle, Route{Tier: tier, Session: SessionRequired})

	do(h, http.MethodGet, "tok-user", "")
	before := resolver.calls.Load()

	if rec := do(h, http.MethodGet, "tok-user", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if resolver.calls.Load() != before {
		t.Error("rejected request must not reach the identity provider")
	}
}

func TestGateway_UserTier(t *testing.T) {
	g := newGateway(&mockResolver{ResolveFunc: sessionsByToken}, nil)
	userTier := domain.Tier{Name: domain.TierWrite, Window: time.Minute, MaxRequests: 2}
	c := &counter{}
	h := g.Wrap(c.handle, Route{Tier: readTier, UserTier: &userTier, Session: SessionRequired})

	addrs := []string{"192.0.2.1:1", "192.0.2.2:1", "192.0.2.3:1"}
	var last *httptest.ResponseRecorder
	for _, addr := range addrs {
		last = do(h, http.MethodPost, "tok-user", addr)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the user quota is spent", last.Code)
	}
	if c.calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2", c.calls.Load())
	}

	// A different user from the same address is unaffected.
	if rec := do(h, http.MethodPost, "tok-merchant", addrs[2]); rec.Code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", rec.Code)
	}
}

func TestGateway_LimiterErrorAdmits(t *testing.T) {
	g := New(Config{
		Limiter: &mockLimiter{
			AdmitFunc: func(ctx context.Context, clientKey string, tier domain.Tier) (ratelimit.Decision, error) {
				return ratelimit.Decision{}, domain.ErrStoreUnavailable
			},
		},
		Resolver: &mockResolver{},
	})
	c := &counter{}

	if rec := do(g.Wrap(c.handle, Route{Tier: authTier}), http.MethodPost, "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if c.calls.Load() != 1 {
		t.Error("handler should run when the limiter store fails")
	}
}

func TestGateway_ResolverTimeout(t *testing.T) {
	provider := &slowProvider{}
	res := session.NewResolver(session.ResolverConfig{Provider: provider, Timeout: 20 * time.Millisecond})
	g := New(Config{Limiter: ratelimit.NewInMemoryLimiter(), Resolver: res})
	c := &counter{}

	start := time.Now()
	rec := do(g.Wrap(c.handle, Route{Tier: readTier, Session: SessionRequired}), http.MethodGet, "tok", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if time.Since(start) > time.Second {
		t.Error("request should be bounded by the identity timeout")
	}
	if c.calls.Load() != 0 {
		t.Error("handler must not run")
	}
}

type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }

func (slowProvider) Verify(ctx context.Context, credential string) (*domain.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMethods(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Methods(inner, http.MethodGet, http.MethodPost)

	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPost} {
		if rec := do(h, m, "", ""); rec.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want 204", m, rec.Code)
		}
	}

	rec := do(h, http.MethodDelete, "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST, HEAD" {
		t.Errorf("Allow = %q", got)
	}
	if env := decodeEnvelope(t, rec); env.Message.Key != domain.KeyMethodNotAllowed {
		t.Errorf("key = %q", env.Message.Key)
	}
}

func TestWriteError_Shape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, domain.KeyForbidden, "nope", nil)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(raw) != 2 {
		t.Errorf("envelope has %d top-level fields, want 2", len(raw))
	}

	var msg map[string]any
	if err := json.Unmarshal(raw["message"], &msg); err != nil {
		t.Fatalf("invalid message: %v", err)
	}
	if _, ok := msg["params"]; ok {
		t.Error("params should be omitted when empty")
	}
	if msg["key"] != "forbidden" || msg["fallback"] != "nope" {
		t.Errorf("message = %v", msg)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "1"},
		{1, "1"},
		{1000, "1"},
		{1001, "2"},
		{59500, "60"},
		{60000, "60"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.ms); got != tt.want {
			t.Errorf("retryAfterSeconds(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestGateway_ConcurrentAdmission(t *testing.T) {
	g := newGateway(&mockResolver{}, nil)
	c := &counter{}
	h := g.Wrap(c.handle, Route{Tier: authTier})

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec := do(h, http.MethodPost, "", "203.0.113.9:1"); rec.Code == http.StatusTooManyRequests {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if c.calls.Load() != 5 || rejected.Load() != 15 {
		t.Errorf("admitted %d, rejected %d; want 5 and 15", c.calls.Load(), rejected.Load())
	}
}
