// Package auth decides whether a resolved session may use an endpoint and
// carries the per-request identity handed to business handlers.
package auth

import (
	"fmt"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

// Authorize returns nil when s holds one of the required roles. An empty
// set admits any session. Roles do not imply one another: an ADMIN is not
// a MERCHANT unless the set says so.
func Authorize(s *domain.Session, required domain.RoleSet) error {
	if s == nil {
		return domain.ErrUnauthenticated
	}
	if required.Empty() {
		return nil
	}
	if !required.Contains(s.Role) {
		return fmt.Errorf("%w: role %s not in %s", domain.ErrForbidden, s.Role, required)
	}
	return nil
}

// RequestContext is built once by the gateway after every check has passed
// and is handed to the handler by value.
type RequestContext struct {
	RequestID string
	ClientKey string
	Tier      string
	// Session is nil for anonymous requests on endpoints that allow them.
	Session       *domain.Session
	RequiredRoles domain.RoleSet
}

func (c RequestContext) Authenticated() bool {
	return c.Session != nil
}

func (c RequestContext) UserID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.UserID
}

func (c RequestContext) Role() domain.Role {
	if c.Session == nil {
		return 0
	}
	return c.Session.Role
}
