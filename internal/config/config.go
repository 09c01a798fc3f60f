package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

type Config struct {
	Addr     string
	LogLevel string
	Version  string

	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string

	// TrustedProxyHops is how many reverse proxies append to
	// X-Forwarded-For in front of the gateway. Zero keys on RemoteAddr.
	TrustedProxyHops int
	Tiers            map[string]domain.Tier
	SweepInterval    time.Duration

	IdentityProvider string
	IdentityURL      string
	IdentityTimeout  time.Duration
	IdentityMaxRPS   float64
	IdentityBurst    int
	CookieNames      []string

	JWTMethod    string
	JWTSecret    string
	JWTPublicKey string
	JWTIssuer    string
	JWTAudience  string
	JWTLeeway    time.Duration
	// SecretName, when set, loads key material from AWS Secrets Manager
	// instead of the JWT_* and FINGERPRINT_KEY variables.
	SecretName     string
	FingerprintKey string

	SessionCacheTTL time.Duration
	SignOutQueueURL string
	SignOutChannel  string
	// SignOutTopicARN is the SNS topic the per-instance sign-out queues
	// subscribe to. Admin revokes are broadcast through it.
	SignOutTopicARN string

	AlertTopicARN    string
	AlertDedupWindow time.Duration

	UpstreamURL string
	RoutesFile  string

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

const (
	IdentityJWT      = "jwt"
	IdentityPostgres = "postgres"
	IdentityHTTP     = "http"
)

// DefaultTiers are the storefront's baseline quotas.
func DefaultTiers() map[string]domain.Tier {
	return map[string]domain.Tier{
		domain.TierAuth:  {Name: domain.TierAuth, Window: time.Minute, MaxRequests: 5},
		domain.TierRead:  {Name: domain.TierRead, Window: time.Minute, MaxRequests: 120},
		domain.TierAPI:   {Name: domain.TierAPI, Window: time.Minute, MaxRequests: 60},
		domain.TierWrite: {Name: domain.TierWrite, Window: time.Minute, MaxRequests: 30},
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Version:  getEnv("VERSION", "dev"),

		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:    getEnv("AWS_REGION", ""),

		TrustedProxyHops: getIntEnv("TRUSTED_PROXY_HOPS", 0),
		SweepInterval:    getDurationEnv("RATELIMIT_SWEEP_INTERVAL", time.Minute),

		IdentityProvider: strings.ToLower(getEnv("IDENTITY_PROVIDER", IdentityJWT)),
		IdentityURL:      getEnv("IDENTITY_URL", ""),
		IdentityTimeout:  getMillisEnv("IDENTITY_TIMEOUT_MS", 300*time.Millisecond),
		IdentityBurst:    getIntEnv("IDENTITY_BURST", 50),
		CookieNames:      getListEnv("SESSION_COOKIE_NAMES"),

		JWTMethod:      getEnv("JWT_METHOD", "hs256"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWTPublicKey:   getEnv("JWT_PUBLIC_KEY", ""),
		JWTIssuer:      getEnv("JWT_ISSUER", ""),
		JWTAudience:    getEnv("JWT_AUDIENCE", ""),
		JWTLeeway:      getDurationEnv("JWT_LEEWAY", 0),
		SecretName:     getEnv("SECRET_NAME", ""),
		FingerprintKey: getEnv("FINGERPRINT_KEY", ""),

		SessionCacheTTL: getDurationEnv("SESSION_CACHE_TTL", 30*time.Second),
		SignOutQueueURL: getEnv("SIGNOUT_QUEUE_URL", ""),
		SignOutChannel:  getEnv("SIGNOUT_REDIS_CHANNEL", ""),
		SignOutTopicARN: getEnv("SIGNOUT_TOPIC_ARN", ""),

		AlertTopicARN:    getEnv("ALERT_TOPIC_ARN", ""),
		AlertDedupWindow: getDurationEnv("ALERT_DEDUP_WINDOW", 10*time.Minute),

		UpstreamURL: getEnv("UPSTREAM_URL", ""),
		RoutesFile:  getEnv("ROUTES_FILE", ""),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	rps, err := getFloatEnv("IDENTITY_MAX_RPS", 0)
	if err != nil {
		return nil, err
	}
	cfg.IdentityMaxRPS = rps

	tiers, err := loadTiers()
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SignOutFeedEnabled reports whether any sign-out feed is configured. The
// session cache is only safe to enable when this is true.
func (c *Config) SignOutFeedEnabled() bool {
	return c.SignOutQueueURL != "" || (c.SignOutChannel != "" && c.RedisURL != "")
}

func (c *Config) Tier(name string) (domain.Tier, error) {
	t, ok := c.Tiers[name]
	if !ok {
		return domain.Tier{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, name)
	}
	return t, nil
}

func (c *Config) Validate() error {
	var errs []error

	for name, t := range c.Tiers {
		if t.Window <= 0 {
			errs = append(errs, fmt.Errorf("tier %s: window must be positive", name))
		}
		if t.MaxRequests < 1 {
			errs = append(errs, fmt.Errorf("tier %s: max requests must be at least 1", name))
		}
	}

	if c.IdentityTimeout <= 0 {
		errs = append(errs, errors.New("IDENTITY_TIMEOUT_MS must be positive"))
	}

	switch c.IdentityProvider {
	case IdentityJWT:
		if c.JWTSecret == "" && c.JWTPublicKey == "" && c.SecretName == "" {
			errs = append(errs, errors.New("jwt identity provider needs JWT_SECRET, JWT_PUBLIC_KEY or SECRET_NAME"))
		}
	case IdentityPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres identity provider needs DATABASE_URL"))
		}
	case IdentityHTTP:
		if c.IdentityURL == "" {
			errs = append(errs, errors.New("http identity provider needs IDENTITY_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_PROVIDER %q", c.IdentityProvider))
	}

	if c.TrustedProxyHops < 0 {
		errs = append(errs, errors.New("TRUSTED_PROXY_HOPS must not be negative"))
	}
	if c.SignOutTopicARN != "" && c.SignOutQueueURL == "" {
		errs = append(errs, errors.New("SIGNOUT_TOPIC_ARN requires SIGNOUT_QUEUE_URL"))
	}
	if c.SignOutChannel != "" && c.RedisURL == "" {
		errs = append(errs, errors.New("SIGNOUT_REDIS_CHANNEL requires REDIS_URL"))
	}
	if (c.SignOutQueueURL != "" || c.AlertTopicARN != "" || c.SecretName != "") && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required for SQS, SNS or Secrets Manager"))
	}
	if c.RoutesFile != "" && c.UpstreamURL == "" {
		errs = append(errs, errors.New("ROUTES_FILE requires UPSTREAM_URL"))
	}

	return errors.Join(errs...)
}

func loadTiers() (map[string]domain.Tier, error) {
	tiers := DefaultTiers()
	for name, t := range tiers {
		prefix := "TIER_" + strings.ToUpper(name)
		t.Window = getDurationEnv(prefix+"_WINDOW", t.Window)
		if v := os.Getenv(prefix + "_MAX"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s_MAX: %w", prefix, err)
			}
			t.MaxRequests = n
		}
		tiers[name] = t
	}
	return tiers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
