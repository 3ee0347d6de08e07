package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/ids"
	"tenantguard.org/internal/obs"
)

// AssignRole grants roleID to userID inside organizationID and returns the assignment id.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, organizationID, actor string) (id string, err error) {
	defer func() { obs.ObserveMutation("assign_role", err) }()

	userID = strings.TrimSpace(userID)
	organizationID = strings.TrimSpace(organizationID)
	if userID == "" || roleID == "" || organizationID == "" {
		return "", fmt.Errorf("%w: user, role and organization are required", ErrInvalidInput)
	}
	now := s.clock()
	asg := Assignment{
		ID:             ids.NewWithPrefix(ids.PrefixAssignment),
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: organizationID,
		EffectiveFrom:  now,
		GrantedBy:      actor,
	}
	var role Role
	err = s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		peek, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		// Global before organization, the order SoftDeleteRole takes them in for a global role.
		if peek.IsGlobal() {
			if err := tx.LockScope(ctx, ""); err != nil {
				return err
			}
		}
		if err := tx.LockScope(ctx, organizationID); err != nil {
			return err
		}
		if _, err := requireActiveOrganization(ctx, tx, organizationID); err != nil {
			return err
		}
		role, err = tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if err := ValidateScope(role, organizationID); err != nil {
			return err
		}
		return tx.InsertAssignment(ctx, asg)
	})
	if err != nil {
		return "", err
	}

	evt := audit.NewEvent(audit.RoleAssigned, actor, userID, organizationID, now)
	evt.RoleID = roleID
	evt.AssignmentID = asg.ID
	evt.Rationale["role_name"] = role.Name
	evt.Rationale["is_system_admin"] = strconv.FormatBool(role.IsSystemAdmin)
	s.emit(ctx, evt)
	return asg.ID, nil
}

// RevokeRole closes an assignment. Revoking the last active administrator assignment of an
// organization fails with *LastAdminProtectionError; the check and the write share one transaction
// holding the organization's scope lock and row locks on every active admin assignment.
func (s *Service) RevokeRole(ctx context.Context, assignmentID, actor string) (err error) {
	defer func() { obs.ObserveMutation("revoke_role", err) }()

	if strings.TrimSpace(assignmentID) == "" {
		return fmt.Errorf("%w: assignment id is required", ErrInvalidInput)
	}
	now := s.clock()
	var revoked Assignment
	err = s.store.WithinTx(ctx, s.revocationTx(), func(tx Tx) error {
		peek, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := tx.LockScope(ctx, peek.OrganizationID); err != nil {
			return err
		}
		asg, err := tx.LockAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if asg.EffectiveTo != nil {
			return fmt.Errorf("%w: assignment %s", ErrAssignmentInactive, assignmentID)
		}
		role, err := tx.GetRoleIncludingDeleted(ctx, asg.RoleID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && role.Active() && role.IsSystemAdmin {
			admins, err := tx.LockActiveAdminAssignments(ctx, asg.OrganizationID, now)
			if err != nil {
				return err
			}
			if remainingAdmins(admins, map[string]struct{}{asg.ID: {}}) == 0 {
				return &LastAdminProtectionError{OrganizationID: asg.OrganizationID, AssignmentID: asg.ID, RoleID: asg.RoleID}
			}
		}
		if err := tx.RevokeAssignment(ctx, asg.ID, now, actor, ReasonRevoked); err != nil {
			return err
		}
		revoked = asg
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLastAdminProtection) {
			obs.ObserveLastAdminRejection()
			s.logger.WithFields(logrus.Fields{
				"assignment_id": assignmentID,
				"actor":         actor,
			}).Warn("revocation rejected: last administrator")
		}
		return err
	}
	s.emitRevoked(ctx, revoked, actor, ReasonRevoked, now)
	return nil
}

func remainingAdmins(admins []Assignment, removed map[string]struct{}) int {
	n := 0
	for _, a := range admins {
		if _, gone := removed[a.ID]; !gone {
			n++
		}
	}
	return n
}

func (s *Service) emitRevoked(ctx context.Context, a Assignment, actor, reason string, at time.Time) {
	evt := audit.NewEvent(audit.RoleRevoked, actor, a.UserID, a.OrganizationID, at)
	evt.RoleID = a.RoleID
	evt.AssignmentID = a.ID
	evt.Rationale["reason"] = reason
	s.emit(ctx, evt)
}

// ListEffectiveRoles returns the active roles directly assigned to userID in organizationID, ordered
// by name. Inherited ancestors are not listed; they contribute permissions, not membership.
func (s *Service) ListEffectiveRoles(ctx context.Context, userID, organizationID string) ([]Role, error) {
	var assigned []assignedRole
	err := s.read(ctx, "list_effective_roles", func(ctx context.Context) error {
		active, err := s.organizationActive(ctx, organizationID)
		if err != nil || !active {
			return err
		}
		assigned, err = s.assignedRoles(ctx, userID, organizationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(assigned))
	for _, r := range assigned {
		out = append(out, r.role)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// organizationActive reports false for deleted organizations. Unknown organizations count as active;
// they simply have no assignments.
func (s *Service) organizationActive(ctx context.Context, organizationID string) (bool, error) {
	org, err := s.store.GetOrganization(ctx, organizationID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return org.Active(), nil
}

type assignedRole struct {
	assignment Assignment
	role       Role
}

// assignedRoles resolves the user's active assignments to active, in-scope roles, one entry per role.
func (s *Service) assignedRoles(ctx context.Context, userID, organizationID string) ([]assignedRole, error) {
	asgs, err := s.store.ListActiveAssignments(ctx, userID, organizationID, s.clock())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(asgs))
	out := make([]assignedRole, 0, len(asgs))
	for _, a := range asgs {
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		role, err := s.store.GetRole(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := ValidateScope(role, organizationID); err != nil {
			s.logger.WithError(err).WithField("assignment_id", a.ID).Warn("ignoring out-of-scope assignment")
			continue
		}
		seen[a.RoleID] = struct{}{}
		out = append(out, assignedRole{assignment: a, role: role})
	}
	return out, nil
}
