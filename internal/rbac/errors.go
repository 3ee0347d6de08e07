package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("rbac: invalid input")
	ErrNotFound           = errors.New("rbac: not found")
	ErrConflict           = errors.New("rbac: conflict")
	ErrAssignmentInactive = errors.New("rbac: assignment is not active")
	// ErrTransient marks store failures that may succeed when repeated (serialization failure,
	// deadlock, lock timeout, lost connection).
	ErrTransient = errors.New("rbac: transient store error")
)

// Sentinels for the typed errors below, so callers can use errors.Is without errors.As.
var (
	ErrCycleDetected          = errors.New("rbac: role hierarchy cycle")
	ErrCrossTenantHierarchy   = errors.New("rbac: role hierarchy crosses organizations")
	ErrCrossTenantAssignment  = errors.New("rbac: assignment crosses organizations")
	ErrHierarchyTooDeep       = errors.New("rbac: role hierarchy too deep")
	ErrLastAdminProtection    = errors.New("rbac: organization would lose its last administrator")
	ErrRoleHasActiveChildren  = errors.New("rbac: role has active children")
	ErrRoleNotFound           = errors.New("rbac: role not found")
	ErrPermissionCodeNotFound = errors.New("rbac: permission code not found")
	ErrAssignmentNotFound     = errors.New("rbac: assignment not found")
)

// CycleDetectedError names the role id that reappeared while walking parents.
type CycleDetectedError struct {
	RoleID string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("rbac: role hierarchy cycle at role %s", e.RoleID)
}

func (e *CycleDetectedError) Is(target error) bool { return target == ErrCycleDetected }

// CrossTenantHierarchyError is returned when a parent lives in another organization.
type CrossTenantHierarchyError struct {
	RoleID               string
	ParentRoleID         string
	OrganizationID       string
	ParentOrganizationID string
}

func (e *CrossTenantHierarchyError) Error() string {
	return fmt.Sprintf("rbac: role %s (organization %q) cannot inherit from role %s (organization %q)",
		e.RoleID, e.OrganizationID, e.ParentRoleID, e.ParentOrganizationID)
}

func (e *CrossTenantHierarchyError) Is(target error) bool { return target == ErrCrossTenantHierarchy }

// CrossTenantAssignmentError is returned when a role is assigned outside its organization.
type CrossTenantAssignmentError struct {
	RoleID             string
	RoleOrganizationID string
	OrganizationID     string
}

func (e *CrossTenantAssignmentError) Error() string {
	return fmt.Sprintf("rbac: role %s of organization %q cannot be used in organization %q",
		e.RoleID, e.RoleOrganizationID, e.OrganizationID)
}

func (e *CrossTenantAssignmentError) Is(target error) bool { return target == ErrCrossTenantAssignment }

// HierarchyTooDeepError is returned when a chain has more ancestors than allowed.
type HierarchyTooDeepError struct {
	RoleID   string
	MaxDepth int
}

func (e *HierarchyTooDeepError) Error() string {
	return fmt.Sprintf("rbac: role %s exceeds the maximum hierarchy depth of %d", e.RoleID, e.MaxDepth)
}

func (e *HierarchyTooDeepError) Is(target error) bool { return target == ErrHierarchyTooDeep }

// LastAdminProtectionError is returned when a mutation would leave an organization without an active
// system administrator assignment.
type LastAdminProtectionError struct {
	OrganizationID string
	AssignmentID   string
	RoleID         string
}

func (e *LastAdminProtectionError) Error() string {
	target := e.AssignmentID
	if target == "" {
		target = "role " + e.RoleID
	} else {
		target = "assignment " + target
	}
	return fmt.Sprintf("rbac: removing %s would leave organization %s without an administrator", target, e.OrganizationID)
}

func (e *LastAdminProtectionError) Is(target error) bool { return target == ErrLastAdminProtection }

// RoleHasActiveChildrenError is returned by a non-cascading delete.
type RoleHasActiveChildrenError struct {
	RoleID   string
	ChildIDs []string
}

func (e *RoleHasActiveChildrenError) Error() string {
	return fmt.Sprintf("rbac: role %s has %d active child role(s)", e.RoleID, len(e.ChildIDs))
}

func (e *RoleHasActiveChildrenError) Is(target error) bool { return target == ErrRoleHasActiveChildren }

// RoleNotFoundError covers missing and soft-deleted roles.
type RoleNotFoundError struct {
	RoleID string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("rbac: role %s not found", e.RoleID)
}

func (e *RoleNotFoundError) Is(target error) bool {
	return target == ErrRoleNotFound || target == ErrNotFound
}

// PermissionCodeNotFoundError lists codes absent from the catalog.
type PermissionCodeNotFoundError struct {
	Codes []string
}

func (e *PermissionCodeNotFoundError) Error() string {
	return fmt.Sprintf("rbac: permission code(s) not in catalog: %v", e.Codes)
}

func (e *PermissionCodeNotFoundError) Is(target error) bool {
	return target == ErrPermissionCodeNotFound || target == ErrNotFound
}

// AssignmentNotFoundError is returned for unknown assignment ids.
type AssignmentNotFoundError struct {
	AssignmentID string
}

func (e *AssignmentNotFoundError) Error() string {
	return fmt.Sprintf("rbac: assignment %s not found", e.AssignmentID)
}

func (e *AssignmentNotFoundError) Is(target error) bool {
	return target == ErrAssignmentNotFound || target == ErrNotFound
}

// transientError keeps the original cause while matching ErrTransient.
type transientError struct {
	err error
}

func (e *transientError) Error() string        { return "rbac: transient store error: " + e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// MarkTransient wraps err so that errors.Is(err, ErrTransient) holds. Stores call it for failures
// that are safe to repeat.
func MarkTransient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked by the store as repeatable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
