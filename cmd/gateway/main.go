package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/felipepmaragno/storefront-gateway/internal/api"
	"github.com/felipepmaragno/storefront-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/storefront-gateway/internal/config"
	"github.com/felipepmaragno/storefront-gateway/internal/crypto"
	"github.com/felipepmaragno/storefront-gateway/internal/gateway"
	"github.com/felipepmaragno/storefront-gateway/internal/httputil"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
	"github.com/felipepmaragno/storefront-gateway/internal/notifications"
	"github.com/felipepmaragno/storefront-gateway/internal/queue"
	"github.com/felipepmaragno/storefront-gateway/internal/ratelimit"
	"github.com/felipepmaragno/storefront-gateway/internal/secrets"
	"github.com/felipepmaragno/storefront-gateway/internal/session"
	"github.com/felipepmaragno/storefront-gateway/internal/telemetry"
)

const (
	identityBreaker  = "identity"
	rateLimitBreaker = "ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting storefront gateway", "addr", cfg.Addr, "version", cfg.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "storefront-gateway", cfg.Version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	instance, _ := os.Hostname()
	metrics.InitInstanceMetrics(instance, cfg.Version)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.Info("connected to redis")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	reporter := notifications.NewReporter(buildNotifier(ctx, cfg), buildDeduplicator(cfg, redisClient), 0)
	reporter.Start(ctx)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(),
		circuitbreaker.OnStateChange(breakerStateChanged(reporter)),
	)

	limiter := buildLimiter(ctx, cfg, redisClient, breakers)

	keys, err := loadKeys(ctx, cfg)
	if err != nil {
		slog.Error("failed to load key material", "error", err)
		os.Exit(1)
	}

	fingerprinter, err := crypto.NewFingerprinter(keys.fingerprint)
	if err != nil {
		slog.Error("invalid fingerprint key", "error", err)
		os.Exit(1)
	}

	provider, revoker, err := buildProvider(cfg, db, keys.verification)
	if err != nil {
		slog.Error("failed to configure identity provider", "error", err)
		os.Exit(1)
	}

	var throttle *rate.Limiter
	if cfg.IdentityMaxRPS > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.IdentityMaxRPS), cfg.IdentityBurst)
	}

	var (
		cache   *session.Cache
		signOut queue.Publisher
	)
	if cfg.SignOutFeedEnabled() {
		feed, publisher, err := buildSignOutFeed(ctx, cfg, redisClient)
		if err != nil {
			slog.Error("failed to configure sign-out feed", "error", err)
			os.Exit(1)
		}
		signOut = publisher

		cache = session.NewCache(fingerprinter, cfg.SessionCacheTTL)
		cache.StartJanitor(ctx, cfg.SweepInterval)
		go queue.NewListener(feed, cache).Run(ctx)
		slog.Info("session cache enabled", "ttl", cfg.SessionCacheTTL, "feed", feed.Name())
	} else {
		slog.Info("session cache disabled, no sign-out feed configured")
	}

	resolver := session.NewResolver(session.ResolverConfig{
		Provider:    provider,
		Timeout:     cfg.IdentityTimeout,
		Cache:       cache,
		Breaker:     breakers.Get(identityBreaker),
		Throttle:    throttle,
		CookieNames: cfg.CookieNames,
	})
	slog.Info("identity provider configured", "provider", provider.Name(), "timeout", cfg.IdentityTimeout)

	gw := gateway.New(gateway.Config{
		Limiter:          limiter,
		Resolver:         resolver,
		Reporter:         reporter,
		TrustedProxyHops: cfg.TrustedProxyHops,
	})

	handlerCfg := api.HandlerConfig{
		Gateway:  gw,
		Tiers:    cfg.Tiers,
		Limiter:  limiter,
		SignOut:  signOut,
		Breakers: breakers,
		Version:  cfg.Version,
	}
	if cache != nil {
		handlerCfg.Cache = cache
	}
	handlerCfg.Revoker = revoker
	if redisClient != nil {
		handlerCfg.Checkers = append(handlerCfg.Checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		handlerCfg.Checkers = append(handlerCfg.Checkers, api.NewPostgresHealthChecker(db))
	}

	if cfg.RoutesFile != "" {
		routes, err := config.LoadRoutes(cfg.RoutesFile)
		if err == nil {
			err = routes.Validate(cfg.Tiers)
		}
		if err != nil {
			slog.Error("failed to load routes", "file", cfg.RoutesFile, "error", err)
			os.Exit(1)
		}
		upstream, err := api.NewUpstream(cfg.UpstreamURL, nil)
		if err != nil {
			slog.Error("invalid upstream", "error", err)
			os.Exit(1)
		}
		handlerCfg.Routes = routes
		handlerCfg.Upstream = upstream
		slog.Info("proxy routes loaded", "count", len(routes.Routes), "upstream", cfg.UpstreamURL)
	}

	handler, err := api.NewHandler(handlerCfg)
	if err != nil {
		slog.Error("failed to build handler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		reporter.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("notification queue not drained before timeout")
	}

	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// limiter is what both the gateway and the admin reset endpoint need.
type limiter interface {
	ratelimit.Limiter
	ratelimit.Resetter
}

func buildLimiter(ctx context.Context, cfg *config.Config, client *redis.Client, breakers *circuitbreaker.Registry) limiter {
	if client != nil {
		slog.Info("using redis rate limiter")
		return ratelimit.NewFailOpen(
			ratelimit.NewRedisLimiterWithClient(client),
			"redis",
			breakers.Get(rateLimitBreaker),
		)
	}

	l := ratelimit.NewInMemoryLimiter()
	l.StartJanitor(ctx, cfg.SweepInterval)
	slog.Info("using in-memory rate limiter")
	return l
}

type keyMaterial struct {
	verification []byte
	fingerprint  []byte
}

func loadKeys(ctx context.Context, cfg *config.Config) (keyMaterial, error) {
	if cfg.SecretName == "" {
		km := keyMaterial{verification: []byte(cfg.JWTSecret)}
		if cfg.JWTPublicKey != "" {
			km.verification = []byte(cfg.JWTPublicKey)
		}
		if cfg.FingerprintKey != "" {
			b, err := hex.DecodeString(cfg.FingerprintKey)
			if err != nil {
				return keyMaterial{}, fmt.Errorf("decode FINGERPRINT_KEY: %w", err)
			}
			km.fingerprint = b
		}
		return km, nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return keyMaterial{}, err
	}
	keys, err := secrets.LoadKeys(ctx, store, cfg.SecretName)
	if err != nil {
		return keyMaterial{}, err
	}
	fp, err := keys.FingerprintKeyBytes()
	if err != nil {
		return keyMaterial{}, err
	}
	slog.Info("loaded key material from secrets manager", "secret", cfg.SecretName)
	return keyMaterial{verification: keys.VerificationKey(), fingerprint: fp}, nil
}

// buildProvider returns the configured identity provider and, when the
// provider owns session storage, a revoker for the admin endpoint.
func buildProvider(cfg *config.Config, db *sql.DB, key []byte) (session.IdentityProvider, api.SessionRevoker, error) {
	switch cfg.IdentityProvider {
	case config.IdentityPostgres:
		p := session.NewPostgresProvider(db)
		return p, p, nil
	case config.IdentityHTTP:
		client := httputil.NewClient(httputil.IdentityConfig(cfg.IdentityTimeout))
		return session.NewHTTPProvider(cfg.IdentityURL, client), nil, nil
	default:
		p, err := session.NewJWTProvider(session.JWTConfig{
			Method:   session.JWTMethod(cfg.JWTMethod),
			Key:      key,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
}

// buildSignOutFeed returns this instance's event source and the publisher
// admin revokes broadcast through. The publisher is nil when an SQS feed has
// no topic configured: sending to our own queue would reach nobody else.
func buildSignOutFeed(ctx context.Context, cfg *config.Config, client *redis.Client) (queue.Source, queue.Publisher, error) {
	if cfg.SignOutQueueURL != "" {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SignOutQueueURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.SignOutTopicARN == "" {
			slog.Warn("no SIGNOUT_TOPIC_ARN configured, admin revokes stay local to each instance")
			return q, nil, nil
		}
		p, err := queue.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.SignOutTopicARN)
		if err != nil {
			return nil, nil, err
		}
		return q, p, nil
	}

	ps := queue.NewRedisPubSub(client, cfg.SignOutChannel)
	if err := ps.Subscribe(ctx); err != nil {
		return nil, nil, err
	}
	return ps, ps, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config) notifications.Notifier {
	if cfg.AlertTopicARN == "" {
		slog.Info("alerts logged only, no SNS topic configured")
		return notifications.LogNotifier{}
	}
	n, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
	if err != nil {
		slog.Warn("failed to create SNS notifier, alerts logged only", "error", err)
		return notifications.LogNotifier{}
	}
	slog.Info("alerts published to SNS", "topic", cfg.AlertTopicARN)
	return n
}

func buildDeduplicator(cfg *config.Config, client *redis.Client) notifications.Deduplicator {
	if client != nil {
		return notifications.NewRedisDeduplicator(client, cfg.AlertDedupWindow)
	}
	return notifications.NewInMemoryDeduplicator(cfg.AlertDedupWindow)
}

func breakerStateChanged(reporter *notifications.Reporter) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
		slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())

		n := notifications.Notification{
			Message: fmt.Sprintf("circuit breaker %s moved from %s to %s", name, from, to),
			Data:    map[string]any{"breaker": name, "from": from.String(), "to": to.String()},
		}
		switch {
		case name == identityBreaker && to == circuitbreaker.StateOpen:
			n.Type = notifications.NotificationIdentityDown
		case name == identityBreaker && to == circuitbreaker.StateClosed:
			n.Type = notifications.NotificationIdentityUp
		case name == rateLimitBreaker && to == circuitbreaker.StateOpen:
			n.Type = notifications.NotificationRateLimitDegraded
		default:
			return
		}
		reporter.Report(n)
	}
}
