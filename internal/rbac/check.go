package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/identity"
	"tenantguard.org/internal/obs"
)

// Denial reasons carried by Decision.Reason and permission_check_denied events.
const (
	DenyNoAssignment = "no active assignment"
	DenyNoMatch      = "no matching permission"
	DenyOrgDeleted   = "organization deleted"
)

// Decision is the outcome of a permission check. For an allowed check it names the assigned role,
// the role on its chain that supplied the permission and the stored code that matched.
type Decision struct {
	Allowed        bool           `json:"allowed"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	Requested      PermissionCode `json:"requested"`
	AssignedRoleID string         `json:"assigned_role_id,omitempty"`
	MatchedRoleID  string         `json:"matched_role_id,omitempty"`
	MatchedCode    PermissionCode `json:"matched_code,omitempty"`
	// Chain is the assigned role's ancestry, root first, ending with AssignedRoleID.
	Chain  []string `json:"chain,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// HasPermission decides whether userID may perform code inside organizationID. Unknown users, roles
// and organizations are denials, not errors; a malformed code is ErrInvalidInput.
//
// When several assigned roles match, the grant closest to its assigned role wins, then the more
// specific code, then the earlier assignment.
func (s *Service) HasPermission(ctx context.Context, userID, organizationID, code string) (Decision, error) {
	requested, err := ParsePermissionCode(code)
	if err != nil {
		return Decision{}, err
	}
	req := Decision{
		UserID:         strings.TrimSpace(userID),
		OrganizationID: strings.TrimSpace(organizationID),
		Requested:      requested,
	}
	if req.UserID == "" || req.OrganizationID == "" {
		return Decision{}, fmt.Errorf("%w: user and organization are required", ErrInvalidInput)
	}

	var dec Decision
	err = s.read(ctx, "has_permission", func(ctx context.Context) error {
		out, err := s.decide(ctx, req)
		if err != nil {
			return err
		}
		dec = out
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	obs.ObservePermissionCheck(dec.Allowed)
	if !dec.Allowed {
		evt := audit.NewEvent(audit.PermissionCheckDenied, dec.UserID, dec.UserID, dec.OrganizationID, s.clock())
		evt.Rationale["permission"] = requested.String()
		evt.Rationale["reason"] = dec.Reason
		s.emit(ctx, evt)
	}
	return dec, nil
}

func (s *Service) decide(ctx context.Context, dec Decision) (Decision, error) {
	dec.Allowed = false
	dec.AssignedRoleID, dec.MatchedRoleID, dec.MatchedCode, dec.Chain = "", "", PermissionCode{}, nil

	active, err := s.organizationActive(ctx, dec.OrganizationID)
	if err != nil {
		return Decision{}, err
	}
	if !active {
		dec.Reason = DenyOrgDeleted
		return dec, nil
	}
	assigned, err := s.assignedRoles(ctx, dec.UserID, dec.OrganizationID)
	if err != nil {
		return Decision{}, err
	}
	if len(assigned) == 0 {
		dec.Reason = DenyNoAssignment
		return dec, nil
	}

	var (
		best    Grant
		bestSet EffectiveSet
		found   bool
	)
	for _, ar := range assigned {
		set, err := s.evaluator.EffectivePermissions(ctx, s.store, ar.role.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return Decision{}, err
		}
		g, ok := HasPermission(set, dec.Requested)
		if !ok {
			continue
		}
		if !found || betterGrant(g, best) {
			best, bestSet, found = g, set, true
		}
	}
	if !found {
		dec.Reason = DenyNoMatch
		return dec, nil
	}
	dec.Allowed = true
	dec.Reason = ""
	dec.AssignedRoleID = bestSet.RoleID
	dec.MatchedRoleID = best.RoleID
	dec.MatchedCode = best.Code
	dec.Chain = append([]string(nil), bestSet.Chain...)
	return dec, nil
}

func betterGrant(a, b Grant) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Code.specificity() < b.Code.specificity()
}

// Check runs HasPermission for the subject carried by ctx.
func (s *Service) Check(ctx context.Context, code string) (Decision, error) {
	subject, err := identity.RequireSubject(ctx)
	if err != nil {
		return Decision{}, err
	}
	dec, err := s.HasPermission(ctx, subject.UserID, subject.OrganizationID, code)
	if err != nil {
		return Decision{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"user_id":         subject.UserID,
		"organization_id": subject.OrganizationID,
		"permission":      dec.Requested.String(),
		"allowed":         dec.Allowed,
		"matched_role_id": dec.MatchedRoleID,
	}).Debug("permission check")
	return dec, nil
}
