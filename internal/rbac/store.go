package rbac

import (
	"context"
	"time"
)

// Reader is the read side of the role store. Role reads return only active (not soft-deleted) roles
// unless stated otherwise; missing or deleted roles yield *RoleNotFoundError.
type Reader interface {
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleIncludingDeleted(ctx context.Context, id string) (Role, error)
	ListChildRoles(ctx context.Context, parentID string) ([]Role, error)
	// ListRoles returns the active roles of one scope ordered by name; "" lists global roles.
	ListRoles(ctx context.Context, organizationID string) ([]Role, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	// ListActiveAssignments returns the user's assignments in organizationID that are in effect at
	// the given time, ordered by id.
	ListActiveAssignments(ctx context.Context, userID, organizationID string, at time.Time) ([]Assignment, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// TxOptions tunes a write transaction.
type TxOptions struct {
	// Serializable raises isolation above the default read committed.
	Serializable bool
}

// Tx is a write transaction. Lock methods block until the lock is held and release it at commit or
// rollback.
type Tx interface {
	Reader

	// LockScope serializes mutations within one organization ("" is the global scope).
	LockScope(ctx context.Context, organizationID string) error
	LockAssignment(ctx context.Context, id string) (Assignment, error)
	// LockActiveAdminAssignments locks, in id order, every open assignment in organizationID whose
	// role is an active system administrator role.
	LockActiveAdminAssignments(ctx context.Context, organizationID string, at time.Time) ([]Assignment, error)

	InsertRole(ctx context.Context, role Role) error
	UpdateRolePermissions(ctx context.Context, roleID string, codes []PermissionCode, at time.Time) error
	UpdateRoleParent(ctx context.Context, roleID, parentID string, at time.Time) error
	SetRoleDeleted(ctx context.Context, roleID string, mark SoftDelete, at time.Time) error
	SetOrganizationDeleted(ctx context.Context, organizationID string, mark SoftDelete, at time.Time) error

	InsertAssignment(ctx context.Context, a Assignment) error
	RevokeAssignment(ctx context.Context, id string, at time.Time, actor, reason string) error
	ListActiveAssignmentsForRole(ctx context.Context, roleID string, at time.Time) ([]Assignment, error)
}

// Store is the persistence boundary of the engine.
type Store interface {
	Reader
	WithinTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error
	EnsurePermissions(ctx context.Context, perms []Permission) error
	CreateOrganization(ctx context.Context, org Organization) error
}
