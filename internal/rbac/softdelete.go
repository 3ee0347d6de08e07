package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/obs"
)

// DeleteResult reports what a soft delete touched.
type DeleteResult struct {
	DeletedRoleIDs       []string `json:"deleted_role_ids"`
	RevokedAssignmentIDs []string `json:"revoked_assignment_ids"`
}

type pendingRevocation struct {
	assignment Assignment
	reason     string
	admin      bool
}

// SoftDeleteRole marks a role deleted. A role with active children is refused unless cascade is set,
// in which case every active descendant is deleted too. Active assignments of each deleted role are
// revoked; the whole operation fails with *LastAdminProtectionError if that would leave an
// organization without an administrator.
func (s *Service) SoftDeleteRole(ctx context.Context, actor, roleID string, cascade bool) (res DeleteResult, err error) {
	defer func() { obs.ObserveMutation("soft_delete_role", err) }()

	now := s.clock()
	var revocations []pendingRevocation
	err = s.store.WithinTx(ctx, s.revocationTx(), func(tx Tx) error {
		role, err := s.lockRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		children, err := tx.ListChildRoles(ctx, roleID)
		if err != nil {
			return err
		}
		targets := []Role{role}
		if len(children) > 0 {
			if !cascade {
				childIDs := make([]string, len(children))
				for i, c := range children {
					childIDs[i] = c.ID
				}
				return &RoleHasActiveChildrenError{RoleID: roleID, ChildIDs: childIDs}
			}
			desc, err := s.resolver.Descendants(ctx, tx, roleID)
			if err != nil {
				return err
			}
			targets = append(targets, desc...)
		}

		for i, target := range targets {
			reason := ReasonAncestorDelete
			if i == 0 {
				reason = ReasonRoleDeleted
			}
			asgs, err := tx.ListActiveAssignmentsForRole(ctx, target.ID, now)
			if err != nil {
				return err
			}
			for _, a := range asgs {
				revocations = append(revocations, pendingRevocation{assignment: a, reason: reason, admin: target.IsSystemAdmin})
			}
		}
		if err := s.guardAdmins(ctx, tx, role, revocations, now); err != nil {
			return err
		}

		for _, target := range targets {
			var mark SoftDelete
			mark.Mark(actor, now)
			if err := tx.SetRoleDeleted(ctx, target.ID, mark, now); err != nil {
				return err
			}
		}
		for _, rv := range revocations {
			if err := tx.RevokeAssignment(ctx, rv.assignment.ID, now, actor, rv.reason); err != nil {
				return err
			}
		}
		res.DeletedRoleIDs = make([]string, len(targets))
		for i, t := range targets {
			res.DeletedRoleIDs[i] = t.ID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLastAdminProtection) {
			obs.ObserveLastAdminRejection()
		}
		return DeleteResult{}, err
	}

	s.invalidate(ctx, res.DeletedRoleIDs...)
	for _, rv := range revocations {
		res.RevokedAssignmentIDs = append(res.RevokedAssignmentIDs, rv.assignment.ID)
		s.emitRevoked(ctx, rv.assignment, actor, rv.reason, now)
	}
	s.logger.WithFields(logrus.Fields{
		"role_id":             roleID,
		"cascade":             cascade,
		"deleted_roles":       len(res.DeletedRoleIDs),
		"revoked_assignments": len(res.RevokedAssignmentIDs),
		"actor":               actor,
	}).Info("role soft-deleted")
	return res, nil
}

// guardAdmins refuses revocations that would leave any affected organization without an active
// administrator assignment. Scope locks are taken in organization id order.
func (s *Service) guardAdmins(ctx context.Context, tx Tx, root Role, revocations []pendingRevocation, at time.Time) error {
	removed := make(map[string]map[string]struct{})
	for _, rv := range revocations {
		if !rv.admin {
			continue
		}
		org := rv.assignment.OrganizationID
		if removed[org] == nil {
			removed[org] = make(map[string]struct{})
		}
		removed[org][rv.assignment.ID] = struct{}{}
	}
	orgs := make([]string, 0, len(removed))
	for org := range removed {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	for _, org := range orgs {
		if err := tx.LockScope(ctx, org); err != nil {
			return err
		}
		admins, err := tx.LockActiveAdminAssignments(ctx, org, at)
		if err != nil {
			return err
		}
		if remainingAdmins(admins, removed[org]) == 0 {
			return &LastAdminProtectionError{OrganizationID: org, RoleID: root.ID}
		}
	}
	return nil
}

// RestoreRole clears the deletion mark of a role. The parent, if any, must be active; assignments
// revoked by the delete stay revoked.
func (s *Service) RestoreRole(ctx context.Context, actor, roleID string) (role Role, err error) {
	defer func() { obs.ObserveMutation("restore_role", err) }()

	now := s.clock()
	var affected []string
	err = s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		current, err := tx.GetRoleIncludingDeleted(ctx, roleID)
		if err != nil {
			return err
		}
		if err := tx.LockScope(ctx, current.OrganizationID); err != nil {
			return err
		}
		if current, err = tx.GetRoleIncludingDeleted(ctx, roleID); err != nil {
			return err
		}
		if current.Active() {
			role = current
			return nil
		}
		if current.ParentRoleID != "" {
			if _, err := tx.GetRole(ctx, current.ParentRoleID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return &RoleNotFoundError{RoleID: current.ParentRoleID}
				}
				return err
			}
			if err := s.resolver.ValidateParent(ctx, tx, current, current.ParentRoleID); err != nil {
				return err
			}
		}
		if err := tx.SetRoleDeleted(ctx, roleID, SoftDelete{}, now); err != nil {
			return err
		}
		// Active roles left under the deleted role stopped inheriting at it and were cached that way.
		desc, err := s.resolver.Descendants(ctx, tx, roleID)
		if err != nil {
			return err
		}
		affected = append(affected, roleID)
		for _, d := range desc {
			affected = append(affected, d.ID)
		}
		current.SoftDelete.Clear()
		current.UpdatedAt = now
		role = current
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	if len(affected) > 0 {
		s.invalidate(ctx, affected...)
		s.logger.WithFields(logrus.Fields{"role_id": roleID, "actor": actor}).Info("role restored")
	}
	return role, nil
}

// SoftDeleteOrganization marks a tenant deleted. Its roles and assignments are left untouched so a
// restore brings access back as it was; while deleted, checks inside it are denied and no role or
// assignment can be added to it.
func (s *Service) SoftDeleteOrganization(ctx context.Context, actor, organizationID string) (org Organization, err error) {
	defer func() { obs.ObserveMutation("soft_delete_organization", err) }()
	return s.setOrganizationDeleted(ctx, actor, organizationID, true)
}

// RestoreOrganization clears the deletion mark of a tenant. It fails with ErrConflict when another
// active organization took its name in the meantime.
func (s *Service) RestoreOrganization(ctx context.Context, actor, organizationID string) (org Organization, err error) {
	defer func() { obs.ObserveMutation("restore_organization", err) }()
	return s.setOrganizationDeleted(ctx, actor, organizationID, false)
}

func (s *Service) setOrganizationDeleted(ctx context.Context, actor, organizationID string, deleted bool) (Organization, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return Organization{}, fmt.Errorf("%w: organization id is required", ErrInvalidInput)
	}
	now := s.clock()
	var org Organization
	err := s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		if err := tx.LockScope(ctx, organizationID); err != nil {
			return err
		}
		current, err := tx.GetOrganization(ctx, organizationID)
		if err != nil {
			return err
		}
		org = current
		if current.IsDeleted == deleted {
			return nil
		}
		var mark SoftDelete
		if deleted {
			mark.Mark(actor, now)
		}
		if err := tx.SetOrganizationDeleted(ctx, organizationID, mark, now); err != nil {
			return err
		}
		org.SoftDelete = mark
		org.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Organization{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"deleted":         deleted,
		"actor":           actor,
	}).Info("organization deletion mark updated")
	return org, nil
}
