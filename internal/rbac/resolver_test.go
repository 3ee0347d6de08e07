package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// seedRoles writes roles straight into the store, bypassing the service's hierarchy checks.
func seedRoles(t *testing.T, s *InMemory, roles ...Role) {
	t.Helper()
	err := s.WithinTx(context.Background(), TxOptions{}, func(tx Tx) error {
		for _, r := range roles {
			if err := tx.InsertRole(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed roles: %v", err)
	}
}

func chainOf(n int, org string) []Role {
	roles := make([]Role, n)
	for i := range roles {
		roles[i] = Role{ID: fmt.Sprintf("r%d", i), OrganizationID: org, Name: fmt.Sprintf("level-%d", i)}
		if i > 0 {
			roles[i].ParentRoleID = roles[i-1].ID
		}
	}
	return roles
}

func TestAncestorsRootFirst(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, chainOf(4, "org1")...)
	leaf, _ := s.GetRole(context.Background(), "r3")

	got, err := NewResolver(0).Ancestors(context.Background(), s, leaf)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(got) != 3 || got[0].ID != "r0" || got[1].ID != "r1" || got[2].ID != "r2" {
		t.Fatalf("unexpected chain: %+v", got)
	}
}

func TestAncestorsDetectsCycle(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s,
		Role{ID: "x", OrganizationID: "org1", Name: "x", ParentRoleID: "y"},
		Role{ID: "y", OrganizationID: "org1", Name: "y", ParentRoleID: "x"},
	)
	x, _ := s.GetRole(context.Background(), "x")

	_, err := NewResolver(0).Ancestors(context.Background(), s, x)
	var cyc *CycleDetectedError
	if !errors.As(err, &cyc) || cyc.RoleID != "x" {
		t.Fatalf("expected cycle at x, got %v", err)
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("cycle error must match ErrCycleDetected")
	}
}

func TestAncestorsDepthBound(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, chainOf(5, "org1")...)
	r := NewResolver(3)

	ok, _ := s.GetRole(context.Background(), "r3")
	if _, err := r.Ancestors(context.Background(), s, ok); err != nil {
		t.Fatalf("3 ancestors must be allowed: %v", err)
	}
	deep, _ := s.GetRole(context.Background(), "r4")
	_, err := r.Ancestors(context.Background(), s, deep)
	var tooDeep *HierarchyTooDeepError
	if !errors.As(err, &tooDeep) || tooDeep.RoleID != "r4" || tooDeep.MaxDepth != 3 {
		t.Fatalf("expected HierarchyTooDeepError for r4, got %v", err)
	}
}

func TestAncestorsStopAtDeletedParent(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, chainOf(3, "org1")...)
	err := s.WithinTx(context.Background(), TxOptions{}, func(tx Tx) error {
		var mark SoftDelete
		mark.Mark("tester", time.Now())
		return tx.SetRoleDeleted(context.Background(), "r1", mark, time.Now())
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	leaf, _ := s.GetRole(context.Background(), "r2")
	got, err := NewResolver(0).Ancestors(context.Background(), s, leaf)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("deleted parent must end the chain, got %+v", got)
	}
}

func TestAncestorsRejectsForeignParent(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s,
		Role{ID: "p", OrganizationID: "org2", Name: "p"},
		Role{ID: "c", OrganizationID: "org1", Name: "c", ParentRoleID: "p"},
		Role{ID: "g", Name: "global"},
		Role{ID: "d", OrganizationID: "org1", Name: "d", ParentRoleID: "g"},
	)
	c, _ := s.GetRole(context.Background(), "c")
	if _, err := NewResolver(0).Ancestors(context.Background(), s, c); !errors.Is(err, ErrCrossTenantHierarchy) {
		t.Fatalf("expected cross-tenant hierarchy error, got %v", err)
	}
	d, _ := s.GetRole(context.Background(), "d")
	if got, err := NewResolver(0).Ancestors(context.Background(), s, d); err != nil || len(got) != 1 {
		t.Fatalf("global parent must be accepted: %v %+v", err, got)
	}
}

func TestValidateParent(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, chainOf(3, "org1")...)
	r := NewResolver(0)
	root, _ := s.GetRole(context.Background(), "r0")

	if err := r.ValidateParent(context.Background(), s, root, "r2"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if err := r.ValidateParent(context.Background(), s, root, "r0"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected self-parent cycle, got %v", err)
	}
	if err := r.ValidateParent(context.Background(), s, root, "missing"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected missing parent, got %v", err)
	}
	seedRoles(t, s, Role{ID: "other", OrganizationID: "org1", Name: "other"})
	if err := r.ValidateParent(context.Background(), s, root, "other"); err != nil {
		t.Fatalf("valid reparent rejected: %v", err)
	}
	if err := NewResolver(2).ValidateParent(context.Background(), s, root, "other"); !errors.Is(err, ErrHierarchyTooDeep) {
		t.Fatalf("reparent must account for descendants, got %v", err)
	}
}

func TestDescendants(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, chainOf(3, "org1")...)
	seedRoles(t, s, Role{ID: "side", OrganizationID: "org1", Name: "side", ParentRoleID: "r0"})

	got, err := NewResolver(0).Descendants(context.Background(), s, "r0")
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(got) != 3 || got[0].ID != "r1" || got[1].ID != "side" || got[2].ID != "r2" {
		t.Fatalf("unexpected descendants: %+v", got)
	}
}

func TestScopeGuards(t *testing.T) {
	global := Role{ID: "g"}
	local := Role{ID: "l", OrganizationID: "org1"}
	if err := ValidateScope(global, "org2"); err != nil {
		t.Fatalf("global role must be assignable anywhere: %v", err)
	}
	if err := ValidateScope(local, "org1"); err != nil {
		t.Fatalf("same-org assignment rejected: %v", err)
	}
	var cross *CrossTenantAssignmentError
	if err := ValidateScope(local, "org2"); !errors.As(err, &cross) || cross.RoleID != "l" {
		t.Fatalf("expected CrossTenantAssignmentError, got %v", err)
	}
	if err := ValidateHierarchyScope(local, "org2"); !errors.Is(err, ErrCrossTenantHierarchy) {
		t.Fatalf("expected CrossTenantHierarchyError, got %v", err)
	}
}
