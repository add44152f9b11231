package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/utils"
)

// RateLimitResponse is the read-only view of one identity's window
type RateLimitResponse struct {
	Key            string `json:"key"`
	Limit          int    `json:"limit"`
	Count          int    `json:"count"`
	Remaining      int    `json:"remaining"`
	WindowSeconds  int    `json:"window_seconds"`
	ResetInSeconds int    `json:"reset_in_seconds"`
}

// RateLimitReader reports a window without consuming it
type RateLimitReader interface {
	RateLimitInfo(ctx context.Context, localID string) (*models.RateLimitWindow, error)
}

// RateLimitHandler exposes rate limit windows to auditors
type RateLimitHandler struct {
	limits RateLimitReader
	logger *zap.Logger
}

// NewRateLimitHandler creates a new RateLimitHandler
func NewRateLimitHandler(limits RateLimitReader, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		limits: limits,
		logger: logger,
	}
}

// HandleGetWindow handles GET /v1/ratelimit/{key}
func (h *RateLimitHandler) HandleGetWindow(w http.ResponseWriter, r *http.Request) {
	info, err := h.limits.RateLimitInfo(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RateLimitResponse{
		Key:            info.Key,
		Limit:          info.Limit,
		Count:          info.Count,
		Remaining:      info.Remaining,
		WindowSeconds:  int(info.Window.Seconds()),
		ResetInSeconds: int(info.ResetIn.Seconds()),
	})
}
