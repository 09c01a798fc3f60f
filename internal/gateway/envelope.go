package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

const (
	fallbackTooManyRequests    = "Too many requests. Please try again later."
	fallbackUnauthorized       = "Authentication required."
	fallbackForbidden          = "You do not have permission to access this resource."
	fallbackServiceUnavailable = "Service temporarily unavailable. Please try again shortly."
	fallbackMethodNotAllowed   = "Method not allowed."
)

// WriteError writes the rejection envelope shared by every stage.
func WriteError(w http.ResponseWriter, status int, key, fallback string, params map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorEnvelope{
		Code: status,
		Message: domain.Message{
			Fallback: fallback,
			Key:      key,
			Params:   params,
		},
	})
}

// Methods rejects requests whose method is not listed with 405 and an
// Allow header. HEAD is accepted wherever GET is.
func Methods(h http.Handler, methods ...string) http.Handler {
	allowed := make(map[string]bool, len(methods)+1)
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}
	if allowed[http.MethodGet] && !allowed[http.MethodHead] {
		allowed[http.MethodHead] = true
		methods = append(methods[:len(methods):len(methods)], http.MethodHead)
	}
	allow := strings.ToUpper(strings.Join(methods, ", "))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowed[r.Method] {
			w.Header().Set("Allow", allow)
			WriteError(w, http.StatusMethodNotAllowed, domain.KeyMethodNotAllowed, fallbackMethodNotAllowed,
				map[string]any{"allowed": methods})
			return
		}
		h.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(ms int64) string {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
