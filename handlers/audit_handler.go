package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/utils"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditReader queries the persisted audit trail
type AuditReader interface {
	ListByExternalID(ctx context.Context, externalID string, limit, offset int) ([]*models.AuthEvent, error)
	ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuthEvent, error)
}

// AuditHandler serves the audit trail to holders of audit_view
type AuditHandler struct {
	events AuditReader
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(events AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		events: events,
		logger: logger,
	}
}

// HandleList handles GET /v1/audit/events?external_id=...|action=...&limit=&offset=
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), defaultAuditLimit)
	if err != nil || limit <= 0 || limit > maxAuditLimit {
		_ = utils.WriteBadRequest(w, "limit must be between 1 and 500", nil)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		_ = utils.WriteBadRequest(w, "offset must be a non-negative integer", nil)
		return
	}

	var events []*models.AuthEvent
	switch externalID, action := q.Get("external_id"), q.Get("action"); {
	case externalID != "" && action != "":
		_ = utils.WriteBadRequest(w, "filter by external_id or action, not both", nil)
		return
	case externalID != "":
		events, err = h.events.ListByExternalID(r.Context(), externalID, limit, offset)
	case action != "":
		events, err = h.events.ListByAction(r.Context(), models.AuditAction(action), limit, offset)
	default:
		_ = utils.WriteBadRequest(w, "external_id or action is required", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to read audit trail", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "audit trail unavailable")
		return
	}

	if events == nil {
		events = []*models.AuthEvent{}
	}
	_ = utils.WriteOK(w, events)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
