// Package authz holds the capability guard and the role and permission
// edits applied to identity mappings. Every edit recomputes the stored
// permission set from scratch.
package authz

import (
	"fmt"
	"strings"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
)

// Require returns nil when identity holds perm.
// A nil identity is unauthenticated; a known identity without perm is forbidden.
func Require(identity *models.IdentityContext, perm models.Permission) error {
	if identity == nil {
		return services.ErrUnauthenticated
	}
	if !identity.Active {
		return services.ErrUnauthenticated
	}
	if identity.HasPermission(perm) {
		return nil
	}
	return denied(perm)
}

// RequireAny passes when identity holds at least one of perms
func RequireAny(identity *models.IdentityContext, perms ...models.Permission) error {
	if identity == nil || !identity.Active {
		return services.ErrUnauthenticated
	}
	if identity.HasAny(perms...) {
		return nil
	}
	return denied(perms...)
}

// RequireAll passes when identity holds every one of perms
func RequireAll(identity *models.IdentityContext, perms ...models.Permission) error {
	if identity == nil || !identity.Active {
		return services.ErrUnauthenticated
	}
	var missing []models.Permission
	for _, p := range perms {
		if !identity.HasPermission(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return denied(missing...)
}

func denied(perms ...models.Permission) error {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return services.NewDomainError(services.ErrorTypeForbidden,
		fmt.Sprintf("missing permission: %s", strings.Join(names, ", ")), nil).
		WithDetail("permissions", names)
}

// ParseRole validates a role name
func ParseRole(name string) (models.Role, error) {
	role := models.Role(strings.ToLower(strings.TrimSpace(name)))
	if !role.IsValid() {
		return "", fmt.Errorf("%w: %q", services.ErrUnknownRole, name)
	}
	return role, nil
}

// ParsePermission validates a permission name
func ParsePermission(name string) (models.Permission, error) {
	perm := models.Permission(strings.ToLower(strings.TrimSpace(name)))
	if !perm.IsValid() {
		return "", fmt.Errorf("%w: %q", services.ErrUnknownPermission, name)
	}
	return perm, nil
}

// GrantRole adds role to m. Granting a held role is a no-op.
func GrantRole(m *models.IdentityMapping, role models.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: %q", services.ErrUnknownRole, role)
	}
	for _, held := range m.Roles {
		if held == role {
			m.Recompute()
			return nil
		}
	}
	m.Roles = append(m.Roles, role)
	m.Recompute()
	return nil
}

// RevokeRole removes role from m. Permissions still granted by another held
// role or an explicit extra survive because the set is rebuilt, not subtracted.
func RevokeRole(m *models.IdentityMapping, role models.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: %q", services.ErrUnknownRole, role)
	}
	kept := m.Roles[:0:0]
	for _, held := range m.Roles {
		if held != role {
			kept = append(kept, held)
		}
	}
	m.Roles = kept
	m.Recompute()
	return nil
}

// GrantPermission adds an explicit extra grant
func GrantPermission(m *models.IdentityMapping, perm models.Permission) error {
	if !perm.IsValid() {
		return fmt.Errorf("%w: %q", services.ErrUnknownPermission, perm)
	}
	for _, held := range m.ExtraPermissions {
		if held == perm {
			m.Recompute()
			return nil
		}
	}
	m.ExtraPermissions = append(m.ExtraPermissions, perm)
	m.Recompute()
	return nil
}

// RevokePermission removes an explicit extra grant. A permission that one of
// the held roles grants stays in effect.
func RevokePermission(m *models.IdentityMapping, perm models.Permission) error {
	if !perm.IsValid() {
		return fmt.Errorf("%w: %q", services.ErrUnknownPermission, perm)
	}
	kept := m.ExtraPermissions[:0:0]
	for _, held := range m.ExtraPermissions {
		if held != perm {
			kept = append(kept, held)
		}
	}
	m.ExtraPermissions = kept
	m.Recompute()
	return nil
}
