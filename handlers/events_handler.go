package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/services/authz"
	"github.com/upb/assistant-auth-gateway/services/gateway"
	"github.com/upb/assistant-auth-gateway/services/token"
	"github.com/upb/assistant-auth-gateway/utils"
)

// EventRequest is the signed body the chat platform adapter posts for each privileged call
type EventRequest struct {
	UserID     string `json:"user_id" validate:"required,max=64"`
	Permission string `json:"permission" validate:"required,permission"`
}

// EventResponse is returned when the request reaches AUTHORIZED
type EventResponse struct {
	State     gateway.State           `json:"state"`
	SessionID string                  `json:"session_id"`
	Identity  *models.IdentityContext `json:"identity"`
	Token     *token.Token            `json:"token"`
}

// EventProcessor runs the per-request flow
type EventProcessor interface {
	Process(ctx context.Context, req gateway.Request) *gateway.Decision
	RateLimitInfo(ctx context.Context, localID string) (*models.RateLimitWindow, error)
}

// EventsHandler handles privileged calls forwarded by the chat platform adapter
type EventsHandler struct {
	gateway EventProcessor
	logger  *zap.Logger
}

// NewEventsHandler creates a new EventsHandler
func NewEventsHandler(gw EventProcessor, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		gateway: gw,
		logger:  logger,
	}
}

// HandleEvent handles POST /v1/events
func (h *EventsHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req EventRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}
	perm, err := authz.ParsePermission(req.Permission)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	d := h.gateway.Process(ctx, gateway.Request{
		ExternalID: req.UserID,
		Permission: perm,
		IPAddress:  r.RemoteAddr,
	})

	h.logger.Debug("event processed",
		zap.String("request_id", requestID),
		zap.String("external_id", req.UserID),
		zap.String("state", string(d.State)),
		zap.String("reason", string(d.Reason)))

	if d.Allowed() {
		_ = utils.WriteOK(w, EventResponse{
			State:     d.State,
			SessionID: d.SessionID,
			Identity:  d.Identity,
			Token:     d.Token,
		})
		return
	}
	h.writeRejection(ctx, w, d)
}

func (h *EventsHandler) writeRejection(ctx context.Context, w http.ResponseWriter, d *gateway.Decision) {
	switch d.Reason {
	case gateway.ReasonNoMapping, gateway.ReasonInactive:
		// Unknown and inactive callers get the same answer
		_ = utils.WriteUnauthorized(w, "")

	case gateway.ReasonPermissionDenied:
		_ = utils.WriteForbidden(w, "Insufficient permissions", services.GetErrorDetails(d.Err))

	case gateway.ReasonRateLimited:
		retryIn := time.Second
		details := map[string]interface{}{}
		if info, err := h.gateway.RateLimitInfo(ctx, d.Identity.LocalID); err == nil && info != nil {
			retryIn = info.ResetIn
			details["limit"] = info.Limit
			details["window_seconds"] = int(info.Window.Seconds())
		}
		_ = utils.WriteRateLimited(w, retryIn, details)

	case gateway.ReasonInternalError:
		h.logger.Error("event processing failed", zap.Error(d.Err))
		_ = utils.WriteInternalServerError(w, "")

	default:
		if d.Err == nil {
			_ = utils.WriteServiceUnavailable(w, "")
			return
		}
		HandleServiceError(w, d.Err, h.logger)
	}
}
