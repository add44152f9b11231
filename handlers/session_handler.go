package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/utils"
)

// SessionResponse describes a live session
type SessionResponse struct {
	SessionID    string                  `json:"session_id"`
	Identity     *models.IdentityContext `json:"identity"`
	LastActivity string                  `json:"last_activity"`
}

// SessionManager resumes and ends sessions
type SessionManager interface {
	Resume(ctx context.Context, sessionID string) (*models.IdentityContext, error)
	Logout(ctx context.Context, sessionID string) (bool, error)
}

// SessionHandler handles session lookups and logout
type SessionHandler struct {
	sessions SessionManager
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions SessionManager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// HandleGetSession handles GET /v1/sessions/{id}. Reading a session slides its expiry.
func (h *SessionHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, SessionResponse{
		SessionID:    identity.SessionID,
		Identity:     identity,
		LastActivity: identity.LastActivity.UTC().Format(time.RFC3339),
	})
}

// HandleDeleteSession handles DELETE /v1/sessions/{id}
func (h *SessionHandler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	deleted, err := h.sessions.Logout(r.Context(), identity.SessionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !deleted {
		_ = utils.WriteNotFound(w, "Session not found")
		return
	}
	utils.WriteNoContent(w)
}

// ownedSession loads the session named in the path. Callers may only see their own
// sessions unless they hold user_admin; others get the same 404 as a missing session.
func (h *SessionHandler) ownedSession(w http.ResponseWriter, r *http.Request) (*models.IdentityContext, bool) {
	ctx := r.Context()
	caller := middleware.GetIdentityFromContext(ctx)
	if caller == nil {
		_ = utils.WriteUnauthorized(w, "")
		return nil, false
	}

	sessionID := chi.URLParam(r, "id")
	identity, err := h.sessions.Resume(ctx, sessionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return nil, false
	}
	if identity == nil || (identity.LocalID != caller.LocalID && !caller.HasPermission(models.PermissionUserAdmin)) {
		HandleServiceError(w, services.ErrSessionNotFound, h.logger)
		return nil, false
	}
	if identity.SessionID == "" {
		identity.SessionID = sessionID
	}
	return identity, true
}
