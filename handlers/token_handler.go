package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/services/token"
	"github.com/upb/assistant-auth-gateway/utils"
)

// RefreshRequest carries the token to exchange
type RefreshRequest struct {
	Token string `json:"token" validate:"required"`
}

// TokenRefresher exchanges a valid token for a fresh one
type TokenRefresher interface {
	RefreshToken(ctx context.Context, value string) (*token.Token, error)
}

// TokenHandler handles bearer token endpoints
type TokenHandler struct {
	tokens TokenRefresher
	logger *zap.Logger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(tokens TokenRefresher, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		logger: logger,
	}
}

// HandleRefresh handles POST /v1/tokens/refresh
func (h *TokenHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	tok, err := h.tokens.RefreshToken(r.Context(), req.Token)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tok)
}
