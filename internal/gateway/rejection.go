package gateway

import (
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
	"github.com/felipepmaragno/storefront-gateway/internal/ratelimit"
	"github.com/felipepmaragno/storefront-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// rejection writes a stage failure and records it in logs, metrics and
// the request span.
type rejection struct {
	w         http.ResponseWriter
	r         *http.Request
	requestID string
	clientKey string
	tier      string
	span      trace.Span
}

func (rj rejection) tooManyRequests(stage string, d ratelimit.Decision) {
	ms := d.RetryAfter.Milliseconds()
	rj.w.Header().Set("Retry-After", retryAfterSeconds(ms))
	rj.write(stage, http.StatusTooManyRequests, domain.KeyTooManyRequests, fallbackTooManyRequests,
		map[string]any{"retryAfterMs": ms}, nil)
}

func (rj rejection) write(stage string, status int, key, fallback string, params map[string]any, err error) {
	attrs := []any{
		"request_id", rj.requestID,
		"client_key", rj.clientKey,
		"tier", rj.tier,
		"stage", stage,
		"status", status,
		"method", rj.r.Method,
		"path", rj.r.URL.Path,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request rejected", attrs...)
	} else {
		slog.Info("request rejected", attrs...)
	}

	if status == http.StatusTooManyRequests {
		metrics.RecordAdmission(rj.tier, false)
	}
	metrics.RecordRejection(stage, key)

	telemetry.AddRejectionAttribute(rj.span, stage, key)
	if err != nil {
		telemetry.AddErrorAttribute(rj.span, err)
	}

	WriteError(rj.w, status, key, fallback, params)
}
