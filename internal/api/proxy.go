package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdhttputil "net/http/httputil"
	"net/url"

	"github.com/felipepmaragno/storefront-gateway/internal/auth"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/gateway"
	"github.com/felipepmaragno/storefront-gateway/internal/httputil"
)

// Identity headers set on proxied requests. Client-sent copies are always
// removed so the upstream can trust them.
const (
	HeaderUserID    = "X-Gateway-User-Id"
	HeaderUserRole  = "X-Gateway-User-Role"
	HeaderUserEmail = "X-Gateway-User-Email"
	HeaderRequestID = "X-Request-ID"
)

var identityHeaders = []string{HeaderUserID, HeaderUserRole, HeaderUserEmail}

// Upstream forwards admitted requests to the storefront application.
type Upstream struct {
	target *url.URL
	proxy  *stdhttputil.ReverseProxy
}

func NewUpstream(rawURL string, transport http.RoundTripper) (*Upstream, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", rawURL)
	}
	if transport == nil {
		transport = httputil.NewTransport(httputil.UpstreamConfig())
	}

	u := &Upstream{target: target}
	u.proxy = &stdhttputil.ReverseProxy{
		Rewrite: func(pr *stdhttputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host
		},
		Transport:    transport,
		ErrorHandler: u.handleError,
	}
	return u, nil
}

// Forward is a gateway.HandlerFunc.
func (u *Upstream) Forward(w http.ResponseWriter, r *http.Request, rc auth.RequestContext) {
	r = r.Clone(r.Context())
	for _, h := range identityHeaders {
		r.Header.Del(h)
	}
	r.Header.Set(HeaderRequestID, rc.RequestID)
	if rc.Session != nil {
		r.Header.Set(HeaderUserID, rc.Session.UserID)
		r.Header.Set(HeaderUserRole, rc.Session.Role.String())
		if rc.Session.Email != "" {
			r.Header.Set(HeaderUserEmail, rc.Session.Email)
		}
	}
	u.proxy.ServeHTTP(w, r)
}

func (u *Upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody is left to read a response.
		return
	}
	slog.Error("upstream request failed",
		"request_id", r.Header.Get(HeaderRequestID),
		"upstream", u.target.Host,
		"path", r.URL.Path,
		"error", err,
	)
	gateway.WriteError(w, http.StatusBadGateway, domain.KeyBadGateway, "Upstream service unavailable.", nil)
}
