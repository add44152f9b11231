package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/services/authz"
)

// ProvisionRequest creates or replaces a directory mapping
type ProvisionRequest struct {
	ExternalID       string              `json:"external_id" validate:"required,max=64"`
	LocalID          string              `json:"local_id" validate:"required,max=128"`
	Email            string              `json:"email,omitempty" validate:"omitempty,email"`
	FullName         string              `json:"full_name,omitempty" validate:"max=256"`
	DirectoryID      string              `json:"directory_id,omitempty" validate:"max=128"`
	Roles            []models.Role       `json:"roles" validate:"dive,role"`
	ExtraPermissions []models.Permission `json:"extra_permissions" validate:"dive,permission"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
}

func (r *ProvisionRequest) normalize() error {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.LocalID = strings.TrimSpace(r.LocalID)
	r.Email = strings.TrimSpace(r.Email)
	r.FullName = strings.TrimSpace(r.FullName)
	r.DirectoryID = strings.TrimSpace(r.DirectoryID)

	if r.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", services.ErrInvalidInput)
	}
	if r.LocalID == "" {
		return fmt.Errorf("%w: local id is required", services.ErrInvalidInput)
	}

	roles := make([]models.Role, 0, len(r.Roles))
	seenRoles := make(map[models.Role]bool)
	for _, name := range r.Roles {
		role, err := authz.ParseRole(string(name))
		if err != nil {
			return err
		}
		if !seenRoles[role] {
			seenRoles[role] = true
			roles = append(roles, role)
		}
	}
	r.Roles = roles

	extras := make([]models.Permission, 0, len(r.ExtraPermissions))
	seenPerms := make(map[models.Permission]bool)
	for _, name := range r.ExtraPermissions {
		perm, err := authz.ParsePermission(string(name))
		if err != nil {
			return err
		}
		if !seenPerms[perm] {
			seenPerms[perm] = true
			extras = append(extras, perm)
		}
	}
	r.ExtraPermissions = extras
	return nil
}

// Provision creates or replaces the mapping for req.ExternalID. The stored
// permission set is the role-derived union plus the explicit extras.
func (g *Gateway) Provision(ctx context.Context, req ProvisionRequest) (*models.IdentityMapping, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	owner, err := g.directory.GetMappingByLocalID(ctx, req.LocalID)
	if err != nil {
		return nil, mapDirectoryError("failed to check local id", err)
	}
	if owner != nil && owner.ExternalID != req.ExternalID {
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			fmt.Sprintf("local id %s already mapped", req.LocalID), nil).
			WithDetail("external_id", owner.ExternalID)
	}

	mapping := &models.IdentityMapping{
		ExternalID:       req.ExternalID,
		LocalID:          req.LocalID,
		Email:            req.Email,
		FullName:         req.FullName,
		DirectoryID:      req.DirectoryID,
		Roles:            req.Roles,
		ExtraPermissions: req.ExtraPermissions,
		Active:           true,
		Metadata:         req.Metadata,
	}
	mapping.Recompute()

	if err := g.directory.CreateOrUpdateMapping(ctx, mapping); err != nil {
		return nil, mapDirectoryError("failed to store mapping", err)
	}

	g.logger.Info("identity mapping provisioned",
		zap.String("external_id", mapping.ExternalID),
		zap.String("local_id", mapping.LocalID),
		zap.Any("roles", mapping.Roles))
	g.record(ctx, models.NewAuthEvent(models.AuditActionMappingUpdated).
		WithIdentity(mapping.ExternalID, mapping.LocalID).
		WithReason("provisioned").
		WithDetails(map[string]interface{}{"roles": mapping.Roles, "permissions": mapping.Permissions}))
	return mapping, nil
}

// GetMapping returns the mapping for externalID or a not_found error
func (g *Gateway) GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
	mapping, err := g.directory.GetMapping(ctx, externalID)
	if err != nil {
		return nil, mapDirectoryError("failed to read mapping", err)
	}
	if mapping == nil {
		return nil, services.ErrMappingNotFound
	}
	return mapping, nil
}

// ListMappings returns the directory ordered by external id
func (g *Gateway) ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error) {
	mappings, err := g.directory.ListMappings(ctx, activeOnly)
	if err != nil {
		return nil, mapDirectoryError("failed to list mappings", err)
	}
	return mappings, nil
}

// GrantRole adds role to the mapping and persists the recomputed permissions
func (g *Gateway) GrantRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error) {
	return g.edit(ctx, externalID, "grant_role", string(role), false, func(m *models.IdentityMapping) error {
		return authz.GrantRole(m, role)
	})
}

// RevokeRole removes role and revokes the identity's sessions so the smaller
// permission set applies from the next authentication
func (g *Gateway) RevokeRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error) {
	return g.edit(ctx, externalID, "revoke_role", string(role), true, func(m *models.IdentityMapping) error {
		return authz.RevokeRole(m, role)
	})
}

// GrantPermission adds an explicit extra permission
func (g *Gateway) GrantPermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error) {
	return g.edit(ctx, externalID, "grant_permission", string(perm), false, func(m *models.IdentityMapping) error {
		return authz.GrantPermission(m, perm)
	})
}

// RevokePermission removes an explicit extra permission and revokes the identity's sessions
func (g *Gateway) RevokePermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error) {
	return g.edit(ctx, externalID, "revoke_permission", string(perm), true, func(m *models.IdentityMapping) error {
		return authz.RevokePermission(m, perm)
	})
}

func (g *Gateway) edit(ctx context.Context, externalID, op, subject string, revokeSessions bool, fn func(*models.IdentityMapping) error) (*models.IdentityMapping, error) {
	mapping, err := g.directory.UpdateMapping(ctx, externalID, fn)
	if err != nil {
		return nil, mapDirectoryError("failed to update mapping", err)
	}

	revoked := 0
	if revokeSessions {
		if revoked, err = g.sessions.DeleteAll(ctx, mapping.LocalID); err != nil {
			return nil, err
		}
	}

	g.logger.Info("identity mapping updated",
		zap.String("external_id", externalID),
		zap.String("operation", op),
		zap.String("subject", subject),
		zap.Int("sessions_revoked", revoked))
	g.record(ctx, models.NewAuthEvent(models.AuditActionMappingUpdated).
		WithIdentity(externalID, mapping.LocalID).
		WithReason(op).
		WithDetails(map[string]interface{}{
			"subject":          subject,
			"permissions":      mapping.Permissions,
			"sessions_revoked": revoked,
		}))
	return mapping, nil
}

// Deactivate marks the mapping inactive and revokes every live session of the
// identity. Later authentications are rejected as unauthenticated.
func (g *Gateway) Deactivate(ctx context.Context, externalID string) (int, error) {
	mapping, err := g.directory.UpdateMapping(ctx, externalID, func(m *models.IdentityMapping) error {
		m.Active = false
		return nil
	})
	if err != nil {
		return 0, mapDirectoryError("failed to deactivate mapping", err)
	}

	revoked, err := g.sessions.DeleteAll(ctx, mapping.LocalID)
	if err != nil {
		return 0, err
	}

	g.logger.Info("identity mapping deactivated",
		zap.String("external_id", externalID),
		zap.String("local_id", mapping.LocalID),
		zap.Int("sessions_revoked", revoked))
	g.record(ctx, models.NewAuthEvent(models.AuditActionMappingDeactivated).
		WithIdentity(externalID, mapping.LocalID).
		WithDetails(map[string]int{"sessions_revoked": revoked}))
	return revoked, nil
}

// Delete removes the mapping and revokes the identity's sessions
func (g *Gateway) Delete(ctx context.Context, externalID string) error {
	mapping, err := g.GetMapping(ctx, externalID)
	if err != nil {
		return err
	}
	if err := g.directory.DeleteMapping(ctx, externalID); err != nil {
		return mapDirectoryError("failed to delete mapping", err)
	}
	revoked, err := g.sessions.DeleteAll(ctx, mapping.LocalID)
	if err != nil {
		return err
	}

	g.logger.Info("identity mapping deleted",
		zap.String("external_id", externalID),
		zap.String("local_id", mapping.LocalID),
		zap.Int("sessions_revoked", revoked))
	g.record(ctx, models.NewAuthEvent(models.AuditActionMappingDeactivated).
		WithIdentity(externalID, mapping.LocalID).
		WithReason("deleted").
		WithDetails(map[string]int{"sessions_revoked": revoked}))
	return nil
}
