package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/auth"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/gateway"
	"github.com/felipepmaragno/storefront-gateway/internal/queue"
)

const maxAdminBody = 16 << 10

type ResetRateLimitRequest struct {
	Key  string `json:"key"`
	Tier string `json:"tier"`
}

type RevokeSessionsRequest struct {
	UserID string `json:"user_id"`
}

type RevokeSessionsResponse struct {
	UserID          string `json:"user_id"`
	CacheEntries    int    `json:"cache_entries_removed"`
	SessionsDeleted int64  `json:"sessions_deleted"`
	Broadcast       bool   `json:"broadcast"`
}

func (h *Handler) handleResetRateLimit(w http.ResponseWriter, r *http.Request, rc auth.RequestContext) {
	if h.limiter == nil {
		writeBadRequest(w, "rate limit backend does not support reset")
		return
	}

	var req ResetRateLimitRequest
	if err := decodeAdminBody(w, r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		writeBadRequest(w, "key is required")
		return
	}
	tier, err := h.tier(req.Tier)
	if err != nil {
		writeBadRequest(w, "unknown tier")
		return
	}

	if err := h.limiter.Reset(r.Context(), req.Key, tier); err != nil {
		slog.Error("failed to reset rate limit", "request_id", rc.RequestID, "client_key", req.Key, "error", err)
		gateway.WriteError(w, http.StatusServiceUnavailable, domain.KeyServiceUnavailable,
			"Rate limit store unavailable.", nil)
		return
	}

	slog.Info("rate limit reset",
		"request_id", rc.RequestID,
		"admin_id", rc.UserID(),
		"client_key", req.Key,
		"tier", tier.Name,
	)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeSessions(w http.ResponseWriter, r *http.Request, rc auth.RequestContext) {
	var req RevokeSessionsRequest
	if err := decodeAdminBody(w, r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}

	resp := RevokeSessionsResponse{UserID: req.UserID}
	ctx := r.Context()

	if h.revoker != nil {
		n, err := h.revoker.RevokeUser(ctx, req.UserID)
		if err != nil {
			slog.Error("failed to revoke sessions", "request_id", rc.RequestID, "user_id", req.UserID, "error", err)
			gateway.WriteError(w, http.StatusServiceUnavailable, domain.KeyServiceUnavailable,
				"Session store unavailable.", nil)
			return
		}
		resp.SessionsDeleted = n
	}

	if h.cache != nil {
		resp.CacheEntries = h.cache.InvalidateUser(req.UserID)
	}

	if h.signOut != nil {
		event := queue.SignOutEvent{Type: queue.EventUserSignedOut, UserID: req.UserID, At: time.Now()}
		if err := h.signOut.Publish(ctx, event); err != nil {
			slog.Warn("failed to broadcast sign-out", "request_id", rc.RequestID, "user_id", req.UserID, "error", err)
		} else {
			resp.Broadcast = true
		}
	}

	slog.Info("sessions revoked",
		"request_id", rc.RequestID,
		"admin_id", rc.UserID(),
		"user_id", req.UserID,
		"cache_entries_removed", resp.CacheEntries,
		"sessions_deleted", resp.SessionsDeleted,
	)

	writeJSON(w, http.StatusOK, resp)
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	gateway.WriteError(w, http.StatusBadRequest, domain.KeyBadRequest, message, nil)
}
