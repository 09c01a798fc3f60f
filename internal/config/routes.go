package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// RouteTable lists the upstream endpoints the gateway fronts.
type RouteTable struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig is the admission policy for one upstream path pattern.
type RouteConfig struct {
	// Pattern is a net/http ServeMux pattern without the method, e.g.
	// "/api/orders/{id}".
	Pattern string `yaml:"pattern"`
	// Methods restricts the route; empty allows every method.
	Methods  []string `yaml:"methods"`
	Tier     string   `yaml:"tier"`
	UserTier string   `yaml:"user_tier"`
	Roles    []string `yaml:"roles"`
	// Session is "optional" (default) or "required".
	Session string `yaml:"session"`
}

const (
	SessionOptional = "optional"
	SessionRequired = "required"
)

func LoadRoutes(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}

	for i := range table.Routes {
		if table.Routes[i].Session == "" {
			table.Routes[i].Session = SessionOptional
		}
		for j, m := range table.Routes[i].Methods {
			table.Routes[i].Methods[j] = strings.ToUpper(m)
		}
	}

	return &table, nil
}

// Validate checks every route against the configured tiers.
func (t *RouteTable) Validate(tiers map[string]domain.Tier) error {
	var errs []error
	seen := make(map[string]bool)

	for i, r := range t.Routes {
		where := fmt.Sprintf("route %d (%s)", i, r.Pattern)

		if !strings.HasPrefix(r.Pattern, "/") {
			errs = append(errs, fmt.Errorf("%s: pattern must start with /", where))
		}
		if reservedPattern(r.Pattern) {
			errs = append(errs, fmt.Errorf("%s: pattern is reserved by the gateway", where))
		}
		if seen[r.Pattern] {
			errs = append(errs, fmt.Errorf("%s: duplicate pattern", where))
		}
		seen[r.Pattern] = true

		if _, ok := tiers[r.Tier]; !ok {
			errs = append(errs, fmt.Errorf("%s: %w: %q", where, domain.ErrUnknownTier, r.Tier))
		}
		if r.UserTier != "" {
			if _, ok := tiers[r.UserTier]; !ok {
				errs = append(errs, fmt.Errorf("%s: user_tier: %w: %q", where, domain.ErrUnknownTier, r.UserTier))
			}
		}
		if _, err := r.RoleSet(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if r.Session != SessionOptional && r.Session != SessionRequired {
			errs = append(errs, fmt.Errorf("%s: session must be %q or %q", where, SessionOptional, SessionRequired))
		}
		for _, m := range r.Methods {
			if !validMethod(m) {
				errs = append(errs, fmt.Errorf("%s: unknown method %q", where, m))
			}
		}
	}

	return errors.Join(errs...)
}

func (r RouteConfig) RoleSet() (domain.RoleSet, error) {
	roles := make([]domain.Role, 0, len(r.Roles))
	for _, name := range r.Roles {
		role, err := domain.ParseRole(name)
		if err != nil {
			return 0, err
		}
		roles = append(roles, role)
	}
	return domain.Roles(roles...), nil
}

// reservedPrefixes are served by the gateway itself.
var reservedPrefixes = []string{"/health", "/metrics", "/admin", "/gateway"}

func reservedPattern(pattern string) bool {
	for _, p := range reservedPrefixes {
		if pattern == p || strings.HasPrefix(pattern, p+"/") {
			return true
		}
	}
	return false
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
