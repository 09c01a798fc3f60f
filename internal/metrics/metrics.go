package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admissions_total",
			Help: "Admission decisions by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Rejected requests by pipeline stage and error key",
		},
		[]string{"stage", "key"},
	)

	AdmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_admission_duration_seconds",
			Help:    "Time spent in the admission pipeline before the handler runs",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"tier"},
	)

	IdentityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_identity_lookups_total",
			Help: "Identity provider verifications by result",
		},
		[]string{"provider", "result"},
	)

	IdentityLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_identity_lookup_duration_seconds",
			Help:    "Identity provider round trip duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		},
		[]string{"provider"},
	)

	SessionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_session_cache_total",
			Help: "Session cache lookups by result",
		},
		[]string{"result"},
	)

	SessionCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_session_cache_entries",
			Help: "Sessions currently held in the positive cache",
		},
	)

	RateLimitStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_store_errors_total",
			Help: "Rate limit store failures that were admitted by the fail-open policy",
		},
		[]string{"backend"},
	)

	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_ratelimit_tracked_keys",
			Help: "Rate limit records held by the in-memory limiter",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	SignoutEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_signout_events_total",
			Help: "Sign-out notifications applied to the session cache",
		},
		[]string{"source"},
	)

	AbuseAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_abuse_alerts_total",
			Help: "Abuse alerts by outcome (sent, deduplicated, dropped, failed)",
		},
		[]string{"outcome"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"instance", "version"},
	)
)

func RecordAdmission(tier string, admitted bool) {
	outcome := "admitted"
	if !admitted {
		outcome = "rejected"
	}
	AdmissionsTotal.WithLabelValues(tier, outcome).Inc()
}

func RecordRejection(stage, key string) {
	RejectionsTotal.WithLabelValues(stage, key).Inc()
}

func ObserveAdmission(tier string, durationSec float64) {
	AdmissionDuration.WithLabelValues(tier).Observe(durationSec)
}

func RecordIdentityLookup(provider, result string, durationSec float64) {
	IdentityLookups.WithLabelValues(provider, result).Inc()
	IdentityLookupDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordSessionCacheHit() {
	SessionCache.WithLabelValues("hit").Inc()
}

func RecordSessionCacheMiss() {
	SessionCache.WithLabelValues("miss").Inc()
}

func SetSessionCacheEntries(n int) {
	SessionCacheEntries.Set(float64(n))
}

func RecordRateLimitStoreError(backend string) {
	RateLimitStoreErrors.WithLabelValues(backend).Inc()
}

func SetRateLimitKeys(n int) {
	RateLimitKeys.Set(float64(n))
}

func SetCircuitBreakerState(breaker string, state int) {
	CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

func RecordSignout(source string) {
	SignoutEvents.WithLabelValues(source).Inc()
}

func RecordAbuseAlert(outcome string) {
	AbuseAlerts.WithLabelValues(outcome).Inc()
}

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(instance, version string) {
	InstanceInfo.WithLabelValues(instance, version).Set(1)
}
