package models

import (
	"time"
)

// Role is a named bundle of permissions
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleAnalyst    Role = "analyst"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Permission is a single capability checked before privileged work
type Permission string

const (
	PermissionQueryExecute Permission = "query_execute"
	PermissionQueryHistory Permission = "query_history"
	PermissionQueryShare   Permission = "query_share"
	PermissionUserAdmin    Permission = "user_admin"
	PermissionAuditView    Permission = "audit_view"
	PermissionSystemAdmin  Permission = "system_admin"
)

// AllPermissions lists every permission in canonical order.
var AllPermissions = []Permission{
	PermissionQueryExecute,
	PermissionQueryHistory,
	PermissionQueryShare,
	PermissionUserAdmin,
	PermissionAuditView,
	PermissionSystemAdmin,
}

// AllRoles lists every role from least to most privileged.
var AllRoles = []Role{RoleViewer, RoleAnalyst, RoleAdmin, RoleSuperAdmin}

// rolePermissions is the closed role to permission mapping.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {PermissionQueryHistory},
	RoleAnalyst: {
		PermissionQueryExecute,
		PermissionQueryHistory,
		PermissionQueryShare,
	},
	RoleAdmin: {
		PermissionQueryExecute,
		PermissionQueryHistory,
		PermissionQueryShare,
		PermissionUserAdmin,
		PermissionAuditView,
	},
	RoleSuperAdmin: {
		PermissionQueryExecute,
		PermissionQueryHistory,
		PermissionQueryShare,
		PermissionUserAdmin,
		PermissionAuditView,
		PermissionSystemAdmin,
	},
}

// IsValid reports whether r is one of the known roles
func (r Role) IsValid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permissions returns a copy of the permissions granted by r
func (r Role) Permissions() []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// IsValid reports whether p is one of the known permissions
func (p Permission) IsValid() bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// ComputePermissions returns the union of role-derived permissions and extras,
// deduplicated and in canonical order. Unknown roles contribute nothing.
func ComputePermissions(roles []Role, extras []Permission) []Permission {
	granted := make(map[Permission]struct{})
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			granted[p] = struct{}{}
		}
	}
	for _, p := range extras {
		granted[p] = struct{}{}
	}

	out := make([]Permission, 0, len(granted))
	for _, p := range AllPermissions {
		if _, ok := granted[p]; ok {
			out = append(out, p)
			delete(granted, p)
		}
	}
	return out
}

// IdentityContext is the authenticated view of a caller handed to downstream logic.
// Permissions is stored denormalized and recomputed only when roles or extras change.
type IdentityContext struct {
	LocalID          string            `json:"local_id"`
	ExternalID       string            `json:"external_id"`
	Email            string            `json:"email,omitempty"`
	DisplayName      string            `json:"display_name,omitempty"`
	Roles            []Role            `json:"roles"`
	ExtraPermissions []Permission      `json:"extra_permissions,omitempty"`
	Permissions      []Permission      `json:"permissions"`
	Active           bool              `json:"active"`
	LastActivity     time.Time         `json:"last_activity"`
	SessionID        string            `json:"session_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// HasPermission reports whether the context carries p
func (c *IdentityContext) HasPermission(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// HasRole reports whether the context holds r
func (c *IdentityContext) HasRole(r Role) bool {
	for _, held := range c.Roles {
		if held == r {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one of perms is granted
func (c *IdentityContext) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if c.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of perms is granted
func (c *IdentityContext) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !c.HasPermission(p) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so stored snapshots never alias caller state
func (c *IdentityContext) Clone() *IdentityContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Roles = append([]Role(nil), c.Roles...)
	out.ExtraPermissions = append([]Permission(nil), c.ExtraPermissions...)
	out.Permissions = append([]Permission(nil), c.Permissions...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// IdentityMapping is the directory record linking a chat-platform id to a local identity
type IdentityMapping struct {
	ExternalID       string            `json:"external_id" db:"slack_user_id"`
	LocalID          string            `json:"local_id" db:"internal_user_id"`
	Email            string            `json:"email,omitempty" db:"email"`
	FullName         string            `json:"full_name,omitempty" db:"full_name"`
	DirectoryID      string            `json:"directory_id,omitempty" db:"ldap_id"`
	Roles            []Role            `json:"roles" db:"roles"`
	ExtraPermissions []Permission      `json:"extra_permissions" db:"extra_permissions"`
	Permissions      []Permission      `json:"permissions" db:"permissions"`
	Active           bool              `json:"active" db:"is_active"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the IdentityMapping model
func (IdentityMapping) TableName() string {
	return "user_mappings"
}

// Recompute refreshes the denormalized permission set from roles and extras
func (m *IdentityMapping) Recompute() {
	m.Permissions = ComputePermissions(m.Roles, m.ExtraPermissions)
}

// ToContext builds a fresh identity context from the mapping
func (m *IdentityMapping) ToContext(now time.Time) *IdentityContext {
	ctx := &IdentityContext{
		LocalID:          m.LocalID,
		ExternalID:       m.ExternalID,
		Email:            m.Email,
		DisplayName:      m.FullName,
		Roles:            append([]Role(nil), m.Roles...),
		ExtraPermissions: append([]Permission(nil), m.ExtraPermissions...),
		Permissions:      append([]Permission(nil), m.Permissions...),
		Active:           m.Active,
		LastActivity:     now,
	}
	if len(m.Metadata) > 0 {
		ctx.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			ctx.Metadata[k] = v
		}
	}
	return ctx
}
