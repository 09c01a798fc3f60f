package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles a session can carry.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleMerchant
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleUser:     "USER",
	RoleMerchant: "MERCHANT",
	RoleAdmin:    "ADMIN",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole maps the identity provider's role string onto a Role.
// Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// RoleSet is a set of roles. The zero value is the empty set.
type RoleSet uint8

func Roles(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		if r.Valid() {
			s |= 1 << r
		}
	}
	return s
}

func (s RoleSet) Contains(r Role) bool {
	return r.Valid() && s&(1<<r) != 0
}

func (s RoleSet) Empty() bool {
	return s == 0
}

func (s RoleSet) List() []Role {
	var out []Role
	for _, r := range []Role{RoleUser, RoleMerchant, RoleAdmin} {
		if s.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RoleSet) String() string {
	roles := s.List()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Session is a verified view of the identity provider's state for one
// credential. It is never mutated after construction.
type Session struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

const (
	TierAuth  = "auth"
	TierRead  = "read"
	TierAPI   = "api"
	TierWrite = "write"
)

// Tier is a named fixed-window quota.
type Tier struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

// Message is the machine-readable part of the rejection envelope.
type Message struct {
	Fallback string         `json:"fallback"`
	Key      string         `json:"key"`
	Params   map[string]any `json:"params,omitempty"`
}

// ErrorEnvelope is the body of every gateway rejection.
type ErrorEnvelope struct {
	Code    int     `json:"code"`
	Message Message `json:"message"`
}

const (
	KeyTooManyRequests    = "tooManyRequests"
	KeyUnauthorized       = "unauthorized"
	KeyForbidden          = "forbidden"
	KeyServiceUnavailable = "serviceUnavailable"
	KeyMethodNotAllowed   = "methodNotAllowed"
	KeyBadRequest         = "badRequest"
	KeyNotFound           = "notFound"
	KeyBadGateway         = "badGateway"
	KeyInternal           = "internalError"
)
