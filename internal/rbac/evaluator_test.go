package rbac

import (
	"context"
	"testing"
)

func codes(values ...string) []PermissionCode {
	out := make([]PermissionCode, len(values))
	for i, v := range values {
		out[i] = MustParsePermissionCode(v)
	}
	return out
}

func TestBuildEffectiveSetOrdering(t *testing.T) {
	root := Role{ID: "admin", Name: "Admin", DirectPermissions: codes("*:*")}
	mid := Role{ID: "lead", Name: "Lead", ParentRoleID: "admin", DirectPermissions: codes("read:*", "approve:invoice")}
	leaf := Role{ID: "editor", Name: "Editor", ParentRoleID: "lead", DirectPermissions: codes("*:*", "write:*", "write:task")}

	set := BuildEffectiveSet(leaf, []Role{root, mid})

	if got := set.Chain; len(got) != 3 || got[0] != "admin" || got[2] != "editor" {
		t.Fatalf("unexpected chain: %v", got)
	}
	want := []struct {
		code, role string
		depth      int
	}{
		{"write:task", "editor", 0},
		{"write:*", "editor", 0},
		{"*:*", "editor", 0},
		{"approve:invoice", "lead", 1},
		{"read:*", "lead", 1},
		{"*:*", "admin", 2},
	}
	if len(set.Grants) != len(want) {
		t.Fatalf("expected %d grants, got %d: %+v", len(want), len(set.Grants), set.Grants)
	}
	for i, w := range want {
		g := set.Grants[i]
		if g.Code.String() != w.code || g.RoleID != w.role || g.Depth != w.depth {
			t.Fatalf("grant %d = %+v, want %+v", i, g, w)
		}
	}
	if got := len(set.Codes()); got != 5 {
		t.Fatalf("expected 5 distinct codes, got %d", got)
	}
	if !set.DependsOn("lead") || set.DependsOn("other") {
		t.Fatalf("DependsOn disagrees with chain %v", set.Chain)
	}
}

func TestHasPermissionPrefersNearestMatch(t *testing.T) {
	admin := Role{ID: "admin", Name: "Admin", DirectPermissions: codes("*:*")}
	editor := Role{ID: "editor", Name: "Editor", ParentRoleID: "admin", DirectPermissions: codes("write:task")}
	set := BuildEffectiveSet(editor, []Role{admin})

	g, ok := HasPermission(set, MustParsePermissionCode("write:task"))
	if !ok || g.RoleID != "editor" || g.Code.String() != "write:task" {
		t.Fatalf("write:task should match Editor directly, got %+v %v", g, ok)
	}
	g, ok = HasPermission(set, MustParsePermissionCode("delete:invoice"))
	if !ok || g.RoleID != "admin" || g.Code.String() != "*:*" {
		t.Fatalf("delete:invoice should match the inherited wildcard, got %+v %v", g, ok)
	}
}

func TestInheritanceIsUnion(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s,
		Role{ID: "base", OrganizationID: "org1", Name: "Base", DirectPermissions: codes("read:task")},
		Role{ID: "mid", OrganizationID: "org1", Name: "Mid", ParentRoleID: "base", DirectPermissions: codes("write:task")},
		Role{ID: "top", OrganizationID: "org1", Name: "Top", ParentRoleID: "mid", DirectPermissions: codes("delete:task")},
	)
	e := NewEvaluator(NewResolver(0), nil)
	set, err := e.EffectivePermissions(context.Background(), s, "top")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	for _, c := range []string{"read:task", "write:task", "delete:task"} {
		if _, ok := HasPermission(set, MustParsePermissionCode(c)); !ok {
			t.Fatalf("expected %s to be inherited", c)
		}
	}
	if _, ok := HasPermission(set, MustParsePermissionCode("read:invoice")); ok {
		t.Fatalf("read:invoice must not be granted")
	}
}

func TestEvaluatorUsesCache(t *testing.T) {
	s := NewInMemory()
	seedRoles(t, s, Role{ID: "r", OrganizationID: "org1", Name: "R", DirectPermissions: codes("read:task")})
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	e := NewEvaluator(NewResolver(0), c)
	if _, err := e.EffectivePermissions(context.Background(), s, "r"); err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if _, ok := c.Get("r"); !ok {
		t.Fatalf("expected set to be cached")
	}
}
