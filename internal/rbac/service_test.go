package rbac

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/identity"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *InMemory
	svc   *Service
	rec   *audit.Recorder
	org   Organization
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewInMemory(), opts...)
}

func newFixtureWithStore(t *testing.T, store Store, opts ...ServiceOption) *fixture {
	t.Helper()
	rec := audit.NewRecorder()
	base := []ServiceOption{
		WithCatalog(NewCatalog(DefaultPermissions()...)),
		WithEmitter(rec),
		WithLogger(quietLogger()),
	}
	svc, err := NewService(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	org, err := svc.CreateOrganization(ctx, "org1")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	mem, _ := store.(*InMemory)
	return &fixture{t: t, ctx: ctx, store: mem, svc: svc, rec: rec, org: org}
}

func (f *fixture) role(in CreateRoleInput) Role {
	f.t.Helper()
	if in.OrganizationID == "" {
		in.OrganizationID = f.org.ID
	}
	r, err := f.svc.CreateRole(f.ctx, "tester", in)
	if err != nil {
		f.t.Fatalf("CreateRole(%s): %v", in.Name, err)
	}
	return r
}

func (f *fixture) assign(user string, role Role) string {
	f.t.Helper()
	id, err := f.svc.AssignRole(f.ctx, user, role.ID, f.org.ID, "tester")
	if err != nil {
		f.t.Fatalf("AssignRole(%s, %s): %v", user, role.Name, err)
	}
	return id
}

func (f *fixture) check(user, code string) Decision {
	f.t.Helper()
	d, err := f.svc.HasPermission(f.ctx, user, f.org.ID, code)
	if err != nil {
		f.t.Fatalf("HasPermission(%s, %s): %v", user, code, err)
	}
	return d
}

// adminEditor builds the org1 example: Admin (*:*, system admin) with child Editor (write:task).
func (f *fixture) adminEditor() (admin, editor Role) {
	admin = f.role(CreateRoleInput{Name: "Admin", IsSystemAdmin: true, Permissions: []string{"*:*"}})
	editor = f.role(CreateRoleInput{Name: "Editor", ParentRoleID: admin.ID, Permissions: []string{"write:task"}})
	return admin, editor
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t)
	admin, editor := f.adminEditor()
	f.assign("u1", editor)

	d := f.check("u1", "write:task")
	if !d.Allowed || d.MatchedRoleID != editor.ID || d.MatchedCode.String() != "write:task" {
		t.Fatalf("write:task: %+v", d)
	}
	d = f.check("u1", "delete:invoice")
	if !d.Allowed || d.MatchedRoleID != admin.ID || d.AssignedRoleID != editor.ID {
		t.Fatalf("delete:invoice should be granted by the inherited wildcard: %+v", d)
	}
	if len(d.Chain) != 2 || d.Chain[0] != admin.ID || d.Chain[1] != editor.ID {
		t.Fatalf("unexpected chain: %v", d.Chain)
	}
}

func TestUnknownSubjectsAreDenied(t *testing.T) {
	f := newFixture(t)
	f.adminEditor()

	d := f.check("nobody", "read:task")
	if d.Allowed || d.Reason != DenyNoAssignment {
		t.Fatalf("unknown user must be denied: %+v", d)
	}
	d, err := f.svc.HasPermission(f.ctx, "u1", "org_missing", "read:task")
	if err != nil || d.Allowed {
		t.Fatalf("unknown organization must be a denial, got %+v %v", d, err)
	}
	if got := len(f.rec.OfType(audit.PermissionCheckDenied)); got != 2 {
		t.Fatalf("expected 2 denial events, got %d", got)
	}
	if _, err := f.svc.HasPermission(f.ctx, "u1", f.org.ID, "*:task"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed code must be rejected, got %v", err)
	}
}

func TestCheckUsesContextSubject(t *testing.T) {
	f := newFixture(t)
	_, editor := f.adminEditor()
	f.assign("u1", editor)

	if _, err := f.svc.Check(f.ctx, "write:task"); !errors.Is(err, identity.ErrNoSubject) {
		t.Fatalf("expected ErrNoSubject, got %v", err)
	}
	ctx := identity.ContextWithSubject(f.ctx, identity.Subject{UserID: "u1", OrganizationID: f.org.ID})
	d, err := f.svc.Check(ctx, "write:task")
	if err != nil || !d.Allowed {
		t.Fatalf("Check: %+v %v", d, err)
	}
}

func TestCreateRoleValidatesCatalog(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{OrganizationID: f.org.ID, Name: "X", Permissions: []string{"approve:invoice"}})
	if !errors.Is(err, ErrPermissionCodeNotFound) {
		t.Fatalf("expected PermissionCodeNotFoundError, got %v", err)
	}
	if err := f.svc.RegisterPermissions(f.ctx, Permission{Code: MustParsePermissionCode("approve:invoice")}); err != nil {
		t.Fatalf("RegisterPermissions: %v", err)
	}
	f.role(CreateRoleInput{Name: "X", Permissions: []string{"approve:invoice"}})
	persisted, _ := f.store.ListPermissions(f.ctx)
	if len(persisted) != 1 {
		t.Fatalf("expected registered permission to be persisted, got %d", len(persisted))
	}

	if _, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{OrganizationID: f.org.ID, Name: "x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate role name must conflict, got %v", err)
	}
	if _, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{OrganizationID: f.org.ID, Name: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name must be rejected, got %v", err)
	}
}

func TestCycleRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	a := f.role(CreateRoleInput{Name: "A", Permissions: []string{"read:task"}})
	b := f.role(CreateRoleInput{Name: "B", ParentRoleID: a.ID})
	c := f.role(CreateRoleInput{Name: "C", ParentRoleID: b.ID})

	_, err := f.svc.SetRoleParent(f.ctx, "tester", a.ID, c.ID)
	var cyc *CycleDetectedError
	if !errors.As(err, &cyc) || cyc.RoleID != a.ID {
		t.Fatalf("expected cycle naming %s, got %v", a.ID, err)
	}
	got, _ := f.svc.GetRole(f.ctx, a.ID)
	if got.ParentRoleID != "" {
		t.Fatalf("rejected reparent was written: %+v", got)
	}

	d := f.role(CreateRoleInput{Name: "D"})
	moved, err := f.svc.SetRoleParent(f.ctx, "tester", c.ID, d.ID)
	if err != nil || moved.ParentRoleID != d.ID {
		t.Fatalf("valid reparent failed: %+v %v", moved, err)
	}
}

func TestHierarchyDepthLimit(t *testing.T) {
	f := newFixture(t, WithMaxDepth(2))
	r0 := f.role(CreateRoleInput{Name: "r0"})
	r1 := f.role(CreateRoleInput{Name: "r1", ParentRoleID: r0.ID})
	r2 := f.role(CreateRoleInput{Name: "r2", ParentRoleID: r1.ID})

	_, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{OrganizationID: f.org.ID, Name: "r3", ParentRoleID: r2.ID})
	if !errors.Is(err, ErrHierarchyTooDeep) {
		t.Fatalf("expected HierarchyTooDeepError, got %v", err)
	}
	top := f.role(CreateRoleInput{Name: "top"})
	if _, err := f.svc.SetRoleParent(f.ctx, "tester", r0.ID, top.ID); !errors.Is(err, ErrHierarchyTooDeep) {
		t.Fatalf("reparent deepening descendants must fail, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	_, editor := f.adminEditor()
	f.assign("u1", editor)

	org2, err := f.svc.CreateOrganization(f.ctx, "org2")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	foreign := f.role(CreateRoleInput{OrganizationID: org2.ID, Name: "Foreign", Permissions: []string{"read:*"}})

	_, err = f.svc.AssignRole(f.ctx, "u1", foreign.ID, f.org.ID, "tester")
	var cross *CrossTenantAssignmentError
	if !errors.As(err, &cross) || cross.RoleID != foreign.ID {
		t.Fatalf("expected CrossTenantAssignmentError, got %v", err)
	}
	_, err = f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{OrganizationID: f.org.ID, Name: "Child", ParentRoleID: foreign.ID})
	if !errors.Is(err, ErrCrossTenantHierarchy) {
		t.Fatalf("expected CrossTenantHierarchyError, got %v", err)
	}

	d, err := f.svc.HasPermission(f.ctx, "u1", org2.ID, "write:task")
	if err != nil || d.Allowed {
		t.Fatalf("org1 assignment leaked into org2: %+v %v", d, err)
	}

	g, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{Name: "GlobalAuditor", Permissions: []string{"read:*"}})
	if err != nil {
		t.Fatalf("create global role: %v", err)
	}
	if _, err := f.svc.AssignRole(f.ctx, "u2", g.ID, org2.ID, "tester"); err != nil {
		t.Fatalf("global role must be assignable in any organization: %v", err)
	}
	d, _ = f.svc.HasPermission(f.ctx, "u2", org2.ID, "read:task")
	if !d.Allowed {
		t.Fatalf("global role assignment not honoured: %+v", d)
	}
	d, _ = f.svc.HasPermission(f.ctx, "u2", f.org.ID, "read:task")
	if d.Allowed {
		t.Fatalf("assignment in org2 must not grant in org1")
	}
}

func TestAssignAndRevoke(t *testing.T) {
	f := newFixture(t)
	admin, editor := f.adminEditor()
	f.assign("root", admin)
	id := f.assign("u1", editor)

	if _, err := f.svc.AssignRole(f.ctx, "u1", editor.ID, f.org.ID, "tester"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate assignment must conflict, got %v", err)
	}
	ev := f.rec.OfType(audit.RoleAssigned)
	if len(ev) != 2 || ev[1].AssignmentID != id || ev[1].Target != "u1" {
		t.Fatalf("unexpected role_assigned events: %+v", ev)
	}

	if err := f.svc.RevokeRole(f.ctx, id, "tester"); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if d := f.check("u1", "write:task"); d.Allowed {
		t.Fatalf("revoked assignment still grants: %+v", d)
	}
	if err := f.svc.RevokeRole(f.ctx, id, "tester"); !errors.Is(err, ErrAssignmentInactive) {
		t.Fatalf("expected ErrAssignmentInactive, got %v", err)
	}
	var nf *AssignmentNotFoundError
	if err := f.svc.RevokeRole(f.ctx, "asg_missing", "tester"); !errors.As(err, &nf) {
		t.Fatalf("expected AssignmentNotFoundError, got %v", err)
	}
	revoked := f.rec.OfType(audit.RoleRevoked)
	if len(revoked) != 1 || revoked[0].Rationale["reason"] != ReasonRevoked || revoked[0].Actor != "tester" {
		t.Fatalf("unexpected role_revoked events: %+v", revoked)
	}
	asg, _ := f.store.GetAssignment(f.ctx, id)
	if asg.EffectiveTo == nil || asg.RevokedBy != "tester" {
		t.Fatalf("assignment not closed: %+v", asg)
	}

	if _, err := f.svc.AssignRole(f.ctx, "u1", editor.ID, f.org.ID, "tester"); err != nil {
		t.Fatalf("re-assignment after revoke: %v", err)
	}
}

func TestLastAdminProtection(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.adminEditor()
	id := f.assign("root", admin)

	err := f.svc.RevokeRole(f.ctx, id, "tester")
	var last *LastAdminProtectionError
	if !errors.As(err, &last) || last.OrganizationID != f.org.ID || last.AssignmentID != id {
		t.Fatalf("expected LastAdminProtectionError, got %v", err)
	}
	if d := f.check("root", "delete:org"); !d.Allowed {
		t.Fatalf("rejected revocation must not take effect")
	}

	second := f.assign("deputy", admin)
	if err := f.svc.RevokeRole(f.ctx, id, "tester"); err != nil {
		t.Fatalf("revoking one of two admins: %v", err)
	}
	if err := f.svc.RevokeRole(f.ctx, second, "tester"); !errors.Is(err, ErrLastAdminProtection) {
		t.Fatalf("expected last admin protection, got %v", err)
	}
}

func TestConcurrentLastAdminRevocations(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newFixture(t)
		admin, _ := f.adminEditor()
		ids := []string{f.assign("a1", admin), f.assign("a2", admin)}

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			succeeded int32
			protected int32
		)
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				err := f.svc.RevokeRole(f.ctx, id, "tester")
				switch {
				case err == nil:
					atomic.AddInt32(&succeeded, 1)
				case errors.Is(err, ErrLastAdminProtection):
					atomic.AddInt32(&protected, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
		close(start)
		wg.Wait()

		if succeeded != 1 || protected != 1 {
			t.Fatalf("run %d: succeeded=%d protected=%d", run, succeeded, protected)
		}
		active, _ := f.store.ListActiveAssignments(f.ctx, "a1", f.org.ID, time.Now())
		active2, _ := f.store.ListActiveAssignments(f.ctx, "a2", f.org.ID, time.Now())
		if len(active)+len(active2) != 1 {
			t.Fatalf("run %d: expected exactly one admin left", run)
		}
	}
}

func TestCacheCoherenceAfterMutation(t *testing.T) {
	f := newFixture(t)
	base := f.role(CreateRoleInput{Name: "Base", Permissions: []string{"read:task"}})
	editor := f.role(CreateRoleInput{Name: "Editor", ParentRoleID: base.ID, Permissions: []string{"write:task"}})
	f.assign("u1", editor)

	if d := f.check("u1", "read:task"); !d.Allowed || d.MatchedRoleID != base.ID {
		t.Fatalf("expected inherited read:task, got %+v", d)
	}
	if _, ok := f.svc.Cache().Get(editor.ID); !ok {
		t.Fatalf("editor set should be cached after a check")
	}

	if _, err := f.svc.UpdateRolePermissions(f.ctx, "tester", base.ID, nil); err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}
	if d := f.check("u1", "read:task"); d.Allowed {
		t.Fatalf("stale permission served after ancestor update: %+v", d)
	}

	other := f.role(CreateRoleInput{Name: "Other", Permissions: []string{"delete:task"}})
	f.check("u1", "write:task")
	if _, err := f.svc.SetRoleParent(f.ctx, "tester", editor.ID, other.ID); err != nil {
		t.Fatalf("SetRoleParent: %v", err)
	}
	if d := f.check("u1", "delete:task"); !d.Allowed || d.MatchedRoleID != other.ID {
		t.Fatalf("reparent not visible to checks: %+v", d)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids [][]string
}

func (n *recordingNotifier) PublishInvalidation(_ context.Context, roleIDs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, append([]string(nil), roleIDs...))
	return nil
}

func TestInvalidationNotifierCalledAfterCommit(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, WithInvalidationNotifier(n))
	r := f.role(CreateRoleInput{Name: "R", Permissions: []string{"read:task"}})
	if _, err := f.svc.UpdateRolePermissions(f.ctx, "tester", r.ID, []string{"approve:invoice"}); err == nil {
		t.Fatalf("unknown code must be rejected")
	}
	if len(n.ids) != 0 {
		t.Fatalf("failed mutation must not publish")
	}
	if _, err := f.svc.UpdateRolePermissions(f.ctx, "tester", r.ID, []string{"write:task"}); err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}
	if len(n.ids) != 1 || n.ids[0][0] != r.ID {
		t.Fatalf("unexpected notifications: %v", n.ids)
	}
}

func TestSoftDeleteRole(t *testing.T) {
	f := newFixture(t)
	owner := f.role(CreateRoleInput{Name: "Owner", IsSystemAdmin: true, Permissions: []string{"*:*"}})
	f.assign("root", owner)
	lead := f.role(CreateRoleInput{Name: "Lead", Permissions: []string{"read:*"}})
	editor := f.role(CreateRoleInput{Name: "Editor", ParentRoleID: lead.ID, Permissions: []string{"write:task"}})
	viewer := f.role(CreateRoleInput{Name: "Viewer", ParentRoleID: editor.ID})
	leadAsg := f.assign("u0", lead)
	f.assign("u1", editor)
	viewerAsg := f.assign("u2", viewer)

	var children *RoleHasActiveChildrenError
	if _, err := f.svc.SoftDeleteRole(f.ctx, "tester", lead.ID, false); !errors.As(err, &children) || children.ChildIDs[0] != editor.ID {
		t.Fatalf("expected RoleHasActiveChildrenError, got %v", err)
	}

	if d := f.check("u2", "read:task"); !d.Allowed {
		t.Fatalf("viewer should inherit read:* before delete")
	}
	res, err := f.svc.SoftDeleteRole(f.ctx, "tester", lead.ID, true)
	if err != nil {
		t.Fatalf("SoftDeleteRole: %v", err)
	}
	if len(res.DeletedRoleIDs) != 3 || len(res.RevokedAssignmentIDs) != 3 {
		t.Fatalf("unexpected delete result: %+v", res)
	}
	for _, u := range []string{"u0", "u1", "u2"} {
		if d := f.check(u, "read:task"); d.Allowed {
			t.Fatalf("%s still allowed after cascade delete", u)
		}
	}
	if _, err := f.svc.GetRole(f.ctx, editor.ID); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("deleted role must be invisible, got %v", err)
	}
	roles, _ := f.svc.ListRoles(f.ctx, f.org.ID)
	if len(roles) != 1 || roles[0].ID != owner.ID {
		t.Fatalf("ListRoles must hide deleted roles: %+v", roles)
	}

	reasons := map[string]string{}
	for _, evt := range f.rec.OfType(audit.RoleRevoked) {
		reasons[evt.AssignmentID] = evt.Rationale["reason"]
	}
	if reasons[leadAsg] != ReasonRoleDeleted || reasons[viewerAsg] != ReasonAncestorDelete {
		t.Fatalf("unexpected revoke reasons: %v", reasons)
	}
	asg, _ := f.store.GetAssignment(f.ctx, viewerAsg)
	if asg.EffectiveTo == nil || asg.RevokeReason != ReasonAncestorDelete {
		t.Fatalf("assignment must be revoked, not deleted: %+v", asg)
	}
	deleted, _ := f.store.GetRoleIncludingDeleted(f.ctx, viewer.ID)
	if !deleted.IsDeleted || deleted.DeletedBy != "tester" || deleted.DeletedAt == nil {
		t.Fatalf("soft delete fields not set: %+v", deleted.SoftDelete)
	}
}

func TestSoftDeleteKeepsLastAdmin(t *testing.T) {
	f := newFixture(t)
	admin, editor := f.adminEditor()
	f.assign("root", admin)

	_, err := f.svc.SoftDeleteRole(f.ctx, "tester", admin.ID, true)
	if !errors.Is(err, ErrLastAdminProtection) {
		t.Fatalf("expected LastAdminProtectionError, got %v", err)
	}
	if _, err := f.svc.GetRole(f.ctx, editor.ID); err != nil {
		t.Fatalf("rejected delete must leave descendants alone: %v", err)
	}
}

func TestRestoreRole(t *testing.T) {
	f := newFixture(t)
	parent := f.role(CreateRoleInput{Name: "Parent", Permissions: []string{"read:*"}})
	child := f.role(CreateRoleInput{Name: "Child", ParentRoleID: parent.ID})
	asg := f.assign("u1", child)
	if _, err := f.svc.SoftDeleteRole(f.ctx, "tester", parent.ID, true); err != nil {
		t.Fatalf("SoftDeleteRole: %v", err)
	}

	_, err := f.svc.RestoreRole(f.ctx, "tester", child.ID)
	var nf *RoleNotFoundError
	if !errors.As(err, &nf) || nf.RoleID != parent.ID {
		t.Fatalf("restore under deleted parent must name the parent, got %v", err)
	}
	if _, err := f.svc.RestoreRole(f.ctx, "tester", parent.ID); err != nil {
		t.Fatalf("restore parent: %v", err)
	}
	restored, err := f.svc.RestoreRole(f.ctx, "tester", child.ID)
	if err != nil || restored.IsDeleted || restored.DeletedAt != nil {
		t.Fatalf("restore child: %+v %v", restored, err)
	}
	if d := f.check("u1", "read:task"); d.Allowed {
		t.Fatalf("revoked assignment must stay revoked after restore")
	}
	a, _ := f.store.GetAssignment(f.ctx, asg)
	if a.EffectiveTo == nil {
		t.Fatalf("assignment reopened by restore")
	}
	if _, err := f.svc.AssignRole(f.ctx, "u1", child.ID, f.org.ID, "tester"); err != nil {
		t.Fatalf("restored role must be assignable: %v", err)
	}
	if d := f.check("u1", "read:task"); !d.Allowed {
		t.Fatalf("restored hierarchy not effective: %+v", d)
	}
}

func TestListEffectiveRoles(t *testing.T) {
	f := newFixture(t)
	admin, editor := f.adminEditor()
	f.assign("u1", editor)
	f.assign("u1", admin)
	gone := f.role(CreateRoleInput{Name: "Gone"})
	f.assign("u1", gone)
	if _, err := f.svc.SoftDeleteRole(f.ctx, "tester", gone.ID, false); err != nil {
		t.Fatalf("SoftDeleteRole: %v", err)
	}

	roles, err := f.svc.ListEffectiveRoles(f.ctx, "u1", f.org.ID)
	if err != nil {
		t.Fatalf("ListEffectiveRoles: %v", err)
	}
	if len(roles) != 2 || roles[0].Name != "Admin" || roles[1].Name != "Editor" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestAssignRequiresActiveOrganization(t *testing.T) {
	f := newFixture(t)
	_, editor := f.adminEditor()
	if _, err := f.svc.AssignRole(f.ctx, "u1", editor.ID, "org_missing", "tester"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown organization, got %v", err)
	}
	if _, err := f.svc.AssignRole(f.ctx, "u1", "role_missing", f.org.ID, "tester"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected RoleNotFoundError, got %v", err)
	}
}

// flakyStore fails the first call of selected operations with a transient error.
type flakyStore struct {
	*InMemory
	listCalls int32
	txCalls   int32
}

func (s *flakyStore) ListActiveAssignments(ctx context.Context, userID, organizationID string, at time.Time) ([]Assignment, error) {
	if atomic.AddInt32(&s.listCalls, 1) == 1 {
		return nil, MarkTransient(errors.New("connection reset"))
	}
	return s.InMemory.ListActiveAssignments(ctx, userID, organizationID, at)
}

func (s *flakyStore) WithinTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	if atomic.LoadInt32(&s.listCalls) > 0 && atomic.AddInt32(&s.txCalls, 1) == 1 {
		return MarkTransient(errors.New("serialization failure"))
	}
	return s.InMemory.WithinTx(ctx, opts, fn)
}

func TestTransientErrorsRetriedForReadsOnly(t *testing.T) {
	store := &flakyStore{InMemory: NewInMemory()}
	f := newFixtureWithStore(t, store)
	f.store = store.InMemory
	_, editor := f.adminEditor()
	f.assign("u1", editor)

	d := f.check("u1", "write:task")
	if !d.Allowed {
		t.Fatalf("read should succeed after one retry: %+v", d)
	}
	if d.UserID != "u1" || d.OrganizationID != f.org.ID || d.Requested.String() != "write:task" {
		t.Fatalf("retried decision lost its request: %+v", d)
	}
	if denied := f.rec.OfType(audit.PermissionCheckDenied); len(denied) != 0 {
		t.Fatalf("retried allow emitted denial events: %+v", denied)
	}
	if got := atomic.LoadInt32(&store.listCalls); got != 2 {
		t.Fatalf("expected 2 list calls, got %d", got)
	}

	_, err := f.svc.AssignRole(f.ctx, "u2", editor.ID, f.org.ID, "tester")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("mutation must surface the transient error, got %v", err)
	}
	if got := atomic.LoadInt32(&store.txCalls); got != 1 {
		t.Fatalf("mutation was retried: %d tx calls", got)
	}
}

func TestRestoreRefreshesRolesLeftUnderDeletedParent(t *testing.T) {
	f := newFixture(t)
	global, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{Name: "Reader", Permissions: []string{"read:task"}})
	if err != nil {
		t.Fatalf("CreateRole global: %v", err)
	}
	child := f.role(CreateRoleInput{Name: "Clerk", ParentRoleID: global.ID, Permissions: []string{"write:task"}})
	f.assign("u1", child)

	// A concurrent reparent can leave an active child under a parent deleted a moment later.
	err = f.store.WithinTx(f.ctx, TxOptions{}, func(tx Tx) error {
		now := time.Now()
		var mark SoftDelete
		mark.Mark("tester", now)
		return tx.SetRoleDeleted(f.ctx, global.ID, mark, now)
	})
	if err != nil {
		t.Fatalf("mark parent deleted: %v", err)
	}
	f.svc.Cache().Invalidate(global.ID)

	if d := f.check("u1", "read:task"); d.Allowed {
		t.Fatalf("deleted parent must not contribute: %+v", d)
	}
	if _, ok := f.svc.Cache().Get(child.ID); !ok {
		t.Fatalf("expected the truncated set to be cached")
	}

	if _, err := f.svc.RestoreRole(f.ctx, "tester", global.ID); err != nil {
		t.Fatalf("RestoreRole: %v", err)
	}
	d := f.check("u1", "read:task")
	if !d.Allowed || d.MatchedRoleID != global.ID {
		t.Fatalf("restored parent not inherited: %+v", d)
	}
}

// lockRecordingStore records the scope locks each transaction takes, in order.
type lockRecordingStore struct {
	*InMemory
	mu    sync.Mutex
	locks []string
}

type lockRecordingTx struct {
	Tx
	store *lockRecordingStore
}

func (t lockRecordingTx) LockScope(ctx context.Context, organizationID string) error {
	t.store.mu.Lock()
	t.store.locks = append(t.store.locks, organizationID)
	t.store.mu.Unlock()
	return t.Tx.LockScope(ctx, organizationID)
}

func (s *lockRecordingStore) WithinTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	return s.InMemory.WithinTx(ctx, opts, func(tx Tx) error {
		return fn(lockRecordingTx{Tx: tx, store: s})
	})
}

func (s *lockRecordingStore) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

func TestAssignGlobalRoleTakesGlobalScopeFirst(t *testing.T) {
	store := &lockRecordingStore{InMemory: NewInMemory()}
	f := newFixtureWithStore(t, store)
	f.store = store.InMemory

	global, err := f.svc.CreateRole(f.ctx, "tester", CreateRoleInput{Name: "Auditor", IsSystemAdmin: true, Permissions: []string{"*:*"}})
	if err != nil {
		t.Fatalf("CreateRole global: %v", err)
	}
	local := f.role(CreateRoleInput{Name: "Editor", Permissions: []string{"write:task"}})
	store.take()

	f.assign("u1", global)
	if got := store.take(); len(got) != 2 || got[0] != "" || got[1] != f.org.ID {
		t.Fatalf("global role assignment locks = %q, want [\"\" %q]", got, f.org.ID)
	}

	f.assign("u1", local)
	if got := store.take(); len(got) != 1 || got[0] != f.org.ID {
		t.Fatalf("organization role assignment locks = %q, want [%q]", got, f.org.ID)
	}

	// Deleting the global role walks the same order: global scope, then each affected organization.
	if _, err := f.svc.SoftDeleteRole(f.ctx, "tester", global.ID, false); err == nil {
		t.Fatalf("expected last-admin protection")
	} else if !errors.Is(err, ErrLastAdminProtection) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.take(); len(got) != 2 || got[0] != "" || got[1] != f.org.ID {
		t.Fatalf("global role delete locks = %q", got)
	}
}

func TestOrganizationSoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	_, editor := f.adminEditor()
	f.assign("u1", editor)

	org, err := f.svc.SoftDeleteOrganization(f.ctx, "ops", f.org.ID)
	if err != nil {
		t.Fatalf("SoftDeleteOrganization: %v", err)
	}
	if !org.IsDeleted || org.DeletedBy != "ops" {
		t.Fatalf("deletion mark not set: %+v", org)
	}

	d := f.check("u1", "write:task")
	if d.Allowed || d.Reason != DenyOrgDeleted {
		t.Fatalf("checks in a deleted organization must be denied: %+v", d)
	}
	roles, err := f.svc.ListEffectiveRoles(f.ctx, "u1", f.org.ID)
	if err != nil || len(roles) != 0 {
		t.Fatalf("expected no effective roles, got %v %v", roles, err)
	}
	if _, err := f.svc.AssignRole(f.ctx, "u2", editor.ID, f.org.ID, "tester"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assignment into a deleted organization: %v", err)
	}

	if _, err := f.svc.RestoreOrganization(f.ctx, "ops", f.org.ID); err != nil {
		t.Fatalf("RestoreOrganization: %v", err)
	}
	if d := f.check("u1", "write:task"); !d.Allowed {
		t.Fatalf("restore must bring access back: %+v", d)
	}
}

func TestRestoreOrganizationNameTaken(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SoftDeleteOrganization(f.ctx, "ops", f.org.ID); err != nil {
		t.Fatalf("SoftDeleteOrganization: %v", err)
	}
	if _, err := f.svc.CreateOrganization(f.ctx, f.org.Name); err != nil {
		t.Fatalf("name of a deleted organization must be reusable: %v", err)
	}
	if _, err := f.svc.RestoreOrganization(f.ctx, "ops", f.org.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.SoftDeleteOrganization(f.ctx, "ops", "org_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
