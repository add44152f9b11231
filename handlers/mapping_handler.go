package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services/authz"
	"github.com/upb/assistant-auth-gateway/services/gateway"
	"github.com/upb/assistant-auth-gateway/utils"
)

// RoleRequest names a role to grant
type RoleRequest struct {
	Role string `json:"role" validate:"required,role"`
}

// PermissionRequest names an extra permission to grant
type PermissionRequest struct {
	Permission string `json:"permission" validate:"required,permission"`
}

// DeactivateResponse reports how many sessions were revoked
type DeactivateResponse struct {
	ExternalID      string `json:"external_id"`
	SessionsRevoked int    `json:"sessions_revoked"`
}

// MappingAdmin provisions and edits directory mappings
type MappingAdmin interface {
	Provision(ctx context.Context, req gateway.ProvisionRequest) (*models.IdentityMapping, error)
	GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error)
	ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error)
	GrantRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error)
	RevokeRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error)
	GrantPermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error)
	RevokePermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error)
	Deactivate(ctx context.Context, externalID string) (int, error)
	Delete(ctx context.Context, externalID string) error
}

// MappingHandler handles identity directory administration
type MappingHandler struct {
	admin  MappingAdmin
	logger *zap.Logger
}

// NewMappingHandler creates a new MappingHandler
func NewMappingHandler(admin MappingAdmin, logger *zap.Logger) *MappingHandler {
	return &MappingHandler{
		admin:  admin,
		logger: logger,
	}
}

// HandleCreate handles POST /v1/mappings
func (h *MappingHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req gateway.ProvisionRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	mapping, err := h.admin.Provision(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("mapping provisioned over http",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("external_id", mapping.ExternalID),
		zap.String("actor", actor(r)))
	_ = utils.WriteCreated(w, mapping)
}

// HandleList handles GET /v1/mappings?active=true
func (h *MappingHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid active filter", nil)
			return
		}
		activeOnly = parsed
	}

	mappings, err := h.admin.ListMappings(r.Context(), activeOnly)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if mappings == nil {
		mappings = []*models.IdentityMapping{}
	}
	_ = utils.WriteOK(w, mappings)
}

// HandleGet handles GET /v1/mappings/{externalID}
func (h *MappingHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	mapping, err := h.admin.GetMapping(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, mapping)
}

// HandleDelete handles DELETE /v1/mappings/{externalID}
func (h *MappingHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), chi.URLParam(r, "externalID")); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleGrantRole handles POST /v1/mappings/{externalID}/roles
func (h *MappingHandler) HandleGrantRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.respond(w, r, func(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
		return h.admin.GrantRole(ctx, externalID, role)
	})
}

// HandleRevokeRole handles DELETE /v1/mappings/{externalID}/roles/{role}
func (h *MappingHandler) HandleRevokeRole(w http.ResponseWriter, r *http.Request) {
	role, err := authz.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.respond(w, r, func(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
		return h.admin.RevokeRole(ctx, externalID, role)
	})
}

// HandleGrantPermission handles POST /v1/mappings/{externalID}/permissions
func (h *MappingHandler) HandleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}
	perm, err := authz.ParsePermission(req.Permission)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.respond(w, r, func(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
		return h.admin.GrantPermission(ctx, externalID, perm)
	})
}

// HandleRevokePermission handles DELETE /v1/mappings/{externalID}/permissions/{permission}
func (h *MappingHandler) HandleRevokePermission(w http.ResponseWriter, r *http.Request) {
	perm, err := authz.ParsePermission(chi.URLParam(r, "permission"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.respond(w, r, func(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
		return h.admin.RevokePermission(ctx, externalID, perm)
	})
}

// HandleDeactivate handles POST /v1/mappings/{externalID}/deactivate
func (h *MappingHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	revoked, err := h.admin.Deactivate(r.Context(), externalID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, DeactivateResponse{ExternalID: externalID, SessionsRevoked: revoked})
}

func (h *MappingHandler) respond(w http.ResponseWriter, r *http.Request, edit func(context.Context, string) (*models.IdentityMapping, error)) {
	mapping, err := edit(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, mapping)
}

func actor(r *http.Request) string {
	if identity := middleware.GetIdentityFromContext(r.Context()); identity != nil {
		return identity.LocalID
	}
	return ""
}
