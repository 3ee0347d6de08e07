package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store in process. Transactions are serialized by a single lock and applied to
// a copy of the state that replaces the live one only when fn succeeds.
type InMemory struct {
	mu    sync.RWMutex
	state *memState
}

var _ Store = (*InMemory)(nil)

type memState struct {
	orgs        map[string]Organization
	roles       map[string]Role
	assignments map[string]Assignment
	perms       map[PermissionCode]Permission
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{state: &memState{
		orgs:        make(map[string]Organization),
		roles:       make(map[string]Role),
		assignments: make(map[string]Assignment),
		perms:       make(map[PermissionCode]Permission),
	}}
}

func (st *memState) clone() *memState {
	out := &memState{
		orgs:        make(map[string]Organization, len(st.orgs)),
		roles:       make(map[string]Role, len(st.roles)),
		assignments: make(map[string]Assignment, len(st.assignments)),
		perms:       make(map[PermissionCode]Permission, len(st.perms)),
	}
	for k, v := range st.orgs {
		out.orgs[k] = v
	}
	for k, v := range st.roles {
		out.roles[k] = v.clone()
	}
	for k, v := range st.assignments {
		out.assignments[k] = v.clone()
	}
	for k, v := range st.perms {
		out.perms[k] = v
	}
	return out
}

// view snapshots the committed state. Committed states are never mutated in place, so the view stays
// consistent after the lock is released.
func (s *InMemory) view() memView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{st: s.state}
}

func (s *InMemory) GetOrganization(ctx context.Context, id string) (Organization, error) {
	return s.view().GetOrganization(ctx, id)
}

func (s *InMemory) GetRole(ctx context.Context, id string) (Role, error) {
	return s.view().GetRole(ctx, id)
}

func (s *InMemory) GetRoleIncludingDeleted(ctx context.Context, id string) (Role, error) {
	return s.view().GetRoleIncludingDeleted(ctx, id)
}

func (s *InMemory) ListChildRoles(ctx context.Context, parentID string) ([]Role, error) {
	return s.view().ListChildRoles(ctx, parentID)
}

func (s *InMemory) ListRoles(ctx context.Context, organizationID string) ([]Role, error) {
	return s.view().ListRoles(ctx, organizationID)
}

func (s *InMemory) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return s.view().GetAssignment(ctx, id)
}

func (s *InMemory) ListActiveAssignments(ctx context.Context, userID, organizationID string, at time.Time) ([]Assignment, error) {
	return s.view().ListActiveAssignments(ctx, userID, organizationID, at)
}

func (s *InMemory) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.view().ListPermissions(ctx)
}

// WithinTx runs fn on a private copy of the state and publishes it when fn returns nil.
func (s *InMemory) WithinTx(ctx context.Context, _ TxOptions, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{memView: memView{st: work}}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *InMemory) EnsurePermissions(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	for _, p := range perms {
		if p.Code.IsZero() {
			return fmt.Errorf("%w: empty permission code", ErrInvalidInput)
		}
		if _, ok := work.perms[p.Code]; !ok {
			work.perms[p.Code] = p
		}
	}
	s.state = work
	return nil
}

func (s *InMemory) CreateOrganization(_ context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.orgs[org.ID]; ok {
		return fmt.Errorf("%w: organization %s exists", ErrConflict, org.ID)
	}
	for _, o := range s.state.orgs {
		if o.Active() && strings.EqualFold(o.Name, org.Name) {
			return fmt.Errorf("%w: organization name %q in use", ErrConflict, org.Name)
		}
	}
	work := s.state.clone()
	work.orgs[org.ID] = org
	s.state = work
	return nil
}

type memView struct {
	st *memState
}

func (v memView) GetOrganization(_ context.Context, id string) (Organization, error) {
	org, ok := v.st.orgs[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: organization %s", ErrNotFound, id)
	}
	return org, nil
}

func (v memView) GetRole(ctx context.Context, id string) (Role, error) {
	role, err := v.GetRoleIncludingDeleted(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if !role.Active() {
		return Role{}, &RoleNotFoundError{RoleID: id}
	}
	return role, nil
}

func (v memView) GetRoleIncludingDeleted(_ context.Context, id string) (Role, error) {
	role, ok := v.st.roles[id]
	if !ok {
		return Role{}, &RoleNotFoundError{RoleID: id}
	}
	return role.clone(), nil
}

func (v memView) ListChildRoles(_ context.Context, parentID string) ([]Role, error) {
	var out []Role
	for _, r := range v.st.roles {
		if r.ParentRoleID == parentID && r.Active() {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memView) ListRoles(_ context.Context, organizationID string) ([]Role, error) {
	var out []Role
	for _, r := range v.st.roles {
		if r.OrganizationID == organizationID && r.Active() {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (v memView) GetAssignment(_ context.Context, id string) (Assignment, error) {
	a, ok := v.st.assignments[id]
	if !ok {
		return Assignment{}, &AssignmentNotFoundError{AssignmentID: id}
	}
	return a.clone(), nil
}

func (v memView) ListActiveAssignments(_ context.Context, userID, organizationID string, at time.Time) ([]Assignment, error) {
	return v.filterAssignments(func(a Assignment) bool {
		return a.UserID == userID && a.OrganizationID == organizationID && a.ActiveAt(at)
	}), nil
}

func (v memView) ListPermissions(context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(v.st.perms))
	for _, p := range v.st.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code.String() < out[j].Code.String() })
	return out, nil
}

func (v memView) filterAssignments(keep func(Assignment) bool) []Assignment {
	var out []Assignment
	for _, a := range v.st.assignments {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// memTx needs no real locks: the owning InMemory holds its write lock for the whole transaction.
type memTx struct {
	memView
}

func (t *memTx) LockScope(ctx context.Context, _ string) error { return ctx.Err() }

func (t *memTx) LockAssignment(ctx context.Context, id string) (Assignment, error) {
	return t.GetAssignment(ctx, id)
}

func (t *memTx) LockActiveAdminAssignments(_ context.Context, organizationID string, at time.Time) ([]Assignment, error) {
	return t.filterAssignments(func(a Assignment) bool {
		if a.OrganizationID != organizationID || !a.ActiveAt(at) {
			return false
		}
		role, ok := t.st.roles[a.RoleID]
		return ok && role.Active() && role.IsSystemAdmin
	}), nil
}

func (t *memTx) nameTaken(organizationID, name, exceptID string) bool {
	for _, r := range t.st.roles {
		if r.ID != exceptID && r.Active() && r.OrganizationID == organizationID && strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

func (t *memTx) InsertRole(_ context.Context, role Role) error {
	if _, ok := t.st.roles[role.ID]; ok {
		return fmt.Errorf("%w: role %s exists", ErrConflict, role.ID)
	}
	if t.nameTaken(role.OrganizationID, role.Name, "") {
		return fmt.Errorf("%w: role name %q in use", ErrConflict, role.Name)
	}
	t.st.roles[role.ID] = role.clone()
	return nil
}

func (t *memTx) UpdateRolePermissions(_ context.Context, roleID string, codes []PermissionCode, at time.Time) error {
	role, ok := t.st.roles[roleID]
	if !ok {
		return &RoleNotFoundError{RoleID: roleID}
	}
	role.DirectPermissions = append([]PermissionCode(nil), codes...)
	role.UpdatedAt = at
	t.st.roles[roleID] = role
	return nil
}

func (t *memTx) UpdateRoleParent(_ context.Context, roleID, parentID string, at time.Time) error {
	role, ok := t.st.roles[roleID]
	if !ok {
		return &RoleNotFoundError{RoleID: roleID}
	}
	role.ParentRoleID = parentID
	role.UpdatedAt = at
	t.st.roles[roleID] = role
	return nil
}

func (t *memTx) SetRoleDeleted(_ context.Context, roleID string, mark SoftDelete, at time.Time) error {
	role, ok := t.st.roles[roleID]
	if !ok {
		return &RoleNotFoundError{RoleID: roleID}
	}
	if !mark.IsDeleted && t.nameTaken(role.OrganizationID, role.Name, roleID) {
		return fmt.Errorf("%w: role name %q in use", ErrConflict, role.Name)
	}
	role.SoftDelete = mark
	role.UpdatedAt = at
	t.st.roles[roleID] = role
	return nil
}

func (t *memTx) SetOrganizationDeleted(_ context.Context, organizationID string, mark SoftDelete, at time.Time) error {
	org, ok := t.st.orgs[organizationID]
	if !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, organizationID)
	}
	if !mark.IsDeleted {
		for id, o := range t.st.orgs {
			if id != organizationID && o.Active() && strings.EqualFold(o.Name, org.Name) {
				return fmt.Errorf("%w: organization name %q in use", ErrConflict, org.Name)
			}
		}
	}
	org.SoftDelete = mark
	org.UpdatedAt = at
	t.st.orgs[organizationID] = org
	return nil
}

func (t *memTx) InsertAssignment(_ context.Context, a Assignment) error {
	if _, ok := t.st.assignments[a.ID]; ok {
		return fmt.Errorf("%w: assignment %s exists", ErrConflict, a.ID)
	}
	for _, cur := range t.st.assignments {
		if cur.EffectiveTo == nil && cur.UserID == a.UserID && cur.RoleID == a.RoleID && cur.OrganizationID == a.OrganizationID {
			return fmt.Errorf("%w: user %s already holds role %s", ErrConflict, a.UserID, a.RoleID)
		}
	}
	t.st.assignments[a.ID] = a.clone()
	return nil
}

func (t *memTx) RevokeAssignment(_ context.Context, id string, at time.Time, actor, reason string) error {
	a, ok := t.st.assignments[id]
	if !ok {
		return &AssignmentNotFoundError{AssignmentID: id}
	}
	to := at.UTC()
	a.EffectiveTo = &to
	a.RevokedBy = actor
	a.RevokeReason = reason
	t.st.assignments[id] = a
	return nil
}

func (t *memTx) ListActiveAssignmentsForRole(_ context.Context, roleID string, at time.Time) ([]Assignment, error) {
	return t.filterAssignments(func(a Assignment) bool {
		return a.RoleID == roleID && a.ActiveAt(at)
	}), nil
}
