package rbac

import "time"

// SoftDelete is the mark carried by every entity that is never hard-deleted.
type SoftDelete struct {
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// Mark flags the entity as deleted by actor at now.
func (s *SoftDelete) Mark(actor string, now time.Time) {
	at := now.UTC()
	s.IsDeleted = true
	s.DeletedAt = &at
	s.DeletedBy = actor
}

// Clear restores the entity.
func (s *SoftDelete) Clear() {
	s.IsDeleted = false
	s.DeletedAt = nil
	s.DeletedBy = ""
}

// Active reports whether the entity is visible to read paths.
func (s SoftDelete) Active() bool { return !s.IsDeleted }

// Organization is a tenant root.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SoftDelete
}

// Role is a node of a per-organization forest. An empty OrganizationID marks a system-global role,
// an empty ParentRoleID marks a root.
type Role struct {
	ID                string           `json:"id"`
	OrganizationID    string           `json:"organization_id,omitempty"`
	ParentRoleID      string           `json:"parent_role_id,omitempty"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	IsSystemAdmin     bool             `json:"is_system_admin"`
	DirectPermissions []PermissionCode `json:"direct_permissions"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	SoftDelete
}

// IsGlobal reports whether the role belongs to no organization.
func (r Role) IsGlobal() bool { return r.OrganizationID == "" }

// IsRoot reports whether the role has no parent.
func (r Role) IsRoot() bool { return r.ParentRoleID == "" }

func (r Role) clone() Role {
	out := r
	out.DirectPermissions = append([]PermissionCode(nil), r.DirectPermissions...)
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// Permission is a catalog entry.
type Permission struct {
	Code        PermissionCode `json:"code"`
	Description string         `json:"description,omitempty"`
}

// Assignment grants a role to an opaque user id within one organization. An assignment is never
// deleted; revocation closes it by setting EffectiveTo.
type Assignment struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveTo    *time.Time `json:"effective_to,omitempty"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`
}

// ActiveAt reports whether the assignment is in effect at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	if t.Before(a.EffectiveFrom) {
		return false
	}
	return a.EffectiveTo == nil || t.Before(*a.EffectiveTo)
}

func (a Assignment) clone() Assignment {
	out := a
	if a.EffectiveTo != nil {
		to := *a.EffectiveTo
		out.EffectiveTo = &to
	}
	return out
}

// Revoke reasons recorded on assignments and in role_revoked events.
const (
	ReasonRevoked        = "revoked"
	ReasonRoleDeleted    = "role deleted"
	ReasonAncestorDelete = "ancestor deleted"
)
