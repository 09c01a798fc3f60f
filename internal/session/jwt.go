package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type JWTMethod string

const (
	JWTMethodHS256 JWTMethod = "hs256"
	JWTMethodEdDSA JWTMethod = "eddsa"
)

type JWTConfig struct {
	Method JWTMethod
	// Key is the HMAC secret for HS256, or an Ed25519 public key (raw or
	// PEM) for EdDSA.
	Key      []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTProvider verifies self-contained signed session tokens locally.
type JWTProvider struct {
	method jwt.SigningMethod
	key    any
	parser *jwt.Parser
}

func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	p := &JWTProvider{}

	switch JWTMethod(strings.ToLower(string(cfg.Method))) {
	case JWTMethodHS256, "":
		if len(cfg.Key) < 32 {
			return nil, errors.New("hs256 secret must be at least 32 bytes")
		}
		p.method = jwt.SigningMethodHS256
		p.key = cfg.Key
	case JWTMethodEdDSA:
		pub, err := parseEdPublicKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		p.method = jwt.SigningMethodEdDSA
		p.key = pub
	default:
		return nil, fmt.Errorf("unsupported jwt method %q", cfg.Method)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	p.parser = jwt.NewParser(options...)

	return p, nil
}

func (p *JWTProvider) Name() string {
	return "jwt"
}

func (p *JWTProvider) Verify(ctx context.Context, credential string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims := &sessionClaims{}
	_, err := p.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return p.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", domain.ErrUnauthenticated)
	}

	s := &domain.Session{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		s.CreatedAt = claims.IssuedAt.Time
	}
	return s, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
