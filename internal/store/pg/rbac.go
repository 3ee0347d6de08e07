package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantguard.org/internal/rbac"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements rbac.Reader on top of a pool or a transaction.
type reader struct {
	q queryer
}

var _ rbac.Reader = reader{}

const roleSelect = `
	select r.id, coalesce(r.organization_id, ''), coalesce(r.parent_role_id, ''), r.name, r.description,
	       r.is_system_admin, r.is_deleted, r.deleted_at, coalesce(r.deleted_by, ''), r.created_at, r.updated_at,
	       coalesce(string_agg(rp.permission_code, ',' order by rp.permission_code), '')
	from roles r
	left join role_permissions rp on rp.role_id = r.id
`

const assignmentColumns = `
	a.id, a.user_id, a.role_id, a.organization_id, a.effective_from, a.effective_to,
	coalesce(a.granted_by, ''), coalesce(a.revoked_by, ''), coalesce(a.revoke_reason, '')
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var (
		role      rbac.Role
		deletedAt sql.NullTime
		rawCodes  string
	)
	if err := row.Scan(&role.ID, &role.OrganizationID, &role.ParentRoleID, &role.Name, &role.Description,
		&role.IsSystemAdmin, &role.IsDeleted, &deletedAt, &role.DeletedBy, &role.CreatedAt, &role.UpdatedAt,
		&rawCodes); err != nil {
		return rbac.Role{}, err
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		role.DeletedAt = &at
	}
	if rawCodes != "" {
		codes, err := rbac.ParsePermissionCodes(strings.Split(rawCodes, ","))
		if err != nil {
			return rbac.Role{}, fmt.Errorf("role %s: stored permissions: %w", role.ID, err)
		}
		role.DirectPermissions = codes
	}
	return role, nil
}

func scanAssignment(row rowScanner) (rbac.Assignment, error) {
	var (
		a  rbac.Assignment
		to sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.EffectiveFrom, &to,
		&a.GrantedBy, &a.RevokedBy, &a.RevokeReason); err != nil {
		return rbac.Assignment{}, err
	}
	if to.Valid {
		t := to.Time
		a.EffectiveTo = &t
	}
	return a, nil
}

func (r reader) queryRoles(ctx context.Context, query string, args ...any) ([]rbac.Role, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, role)
	}
	return out, classify(rows.Err())
}

func (r reader) queryAssignments(ctx context.Context, query string, args ...any) ([]rbac.Assignment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []rbac.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (r reader) GetOrganization(ctx context.Context, id string) (rbac.Organization, error) {
	var (
		org       rbac.Organization
		deletedAt sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		select id, name, is_deleted, deleted_at, coalesce(deleted_by, ''), created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.IsDeleted, &deletedAt, &org.DeletedBy, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Organization{}, fmt.Errorf("%w: organization %s", rbac.ErrNotFound, id)
	}
	if err != nil {
		return rbac.Organization{}, classify(err)
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		org.DeletedAt = &at
	}
	return org, nil
}

func (r reader) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	return r.getRole(ctx, id, false)
}

func (r reader) GetRoleIncludingDeleted(ctx context.Context, id string) (rbac.Role, error) {
	return r.getRole(ctx, id, true)
}

func (r reader) getRole(ctx context.Context, id string, includeDeleted bool) (rbac.Role, error) {
	role, err := scanRole(r.q.QueryRowContext(ctx, roleSelect+`
		where r.id = $1 and ($2 or not r.is_deleted)
		group by r.id
	`, id, includeDeleted))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, &rbac.RoleNotFoundError{RoleID: id}
	}
	if err != nil {
		return rbac.Role{}, classify(err)
	}
	return role, nil
}

func (r reader) ListChildRoles(ctx context.Context, parentID string) ([]rbac.Role, error) {
	return r.queryRoles(ctx, roleSelect+`
		where r.parent_role_id = $1 and not r.is_deleted
		group by r.id
		order by r.id
	`, parentID)
}

func (r reader) ListRoles(ctx context.Context, organizationID string) ([]rbac.Role, error) {
	return r.queryRoles(ctx, roleSelect+`
		where coalesce(r.organization_id, '') = $1 and not r.is_deleted
		group by r.id
		order by r.name, r.id
	`, organizationID)
}

func (r reader) GetAssignment(ctx context.Context, id string) (rbac.Assignment, error) {
	return r.getAssignment(ctx, id, "")
}

func (r reader) getAssignment(ctx context.Context, id, suffix string) (rbac.Assignment, error) {
	a, err := scanAssignment(r.q.QueryRowContext(ctx, `
		select `+assignmentColumns+`
		from user_role_assignments a
		where a.id = $1
	`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, &rbac.AssignmentNotFoundError{AssignmentID: id}
	}
	if err != nil {
		return rbac.Assignment{}, classify(err)
	}
	return a, nil
}

func (r reader) ListActiveAssignments(ctx context.Context, userID, organizationID string, at time.Time) ([]rbac.Assignment, error) {
	return r.queryAssignments(ctx, `
		select `+assignmentColumns+`
		from user_role_assignments a
		where a.user_id = $1 and a.organization_id = $2
		  and a.effective_from <= $3 and (a.effective_to is null or a.effective_to > $3)
		order by a.id
	`, userID, organizationID, at)
}

func (r reader) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := r.q.QueryContext(ctx, `select code, description from permissions order by code`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []rbac.Permission
	for rows.Next() {
		var raw, desc string
		if err := rows.Scan(&raw, &desc); err != nil {
			return nil, classify(err)
		}
		code, err := rbac.ParsePermissionCode(raw)
		if err != nil {
			return nil, fmt.Errorf("stored permission: %w", err)
		}
		out = append(out, rbac.Permission{Code: code, Description: desc})
	}
	return out, classify(rows.Err())
}

// txStore is the write side bound to one transaction.
type txStore struct {
	reader
	tx *sql.Tx
}

var _ rbac.Tx = (*txStore)(nil)

// scopeKey names the advisory lock of an organization or of the global scope.
func scopeKey(organizationID string) string {
	if organizationID == "" {
		return "rbac:global"
	}
	return "rbac:org:" + organizationID
}

// LockScope takes a transaction-scoped advisory lock; Postgres releases it at commit or rollback.
func (t *txStore) LockScope(ctx context.Context, organizationID string) error {
	if _, err := t.tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, scopeKey(organizationID)); err != nil {
		return classify(err)
	}
	return nil
}

func (t *txStore) LockAssignment(ctx context.Context, id string) (rbac.Assignment, error) {
	return t.getAssignment(ctx, id, ` for update`)
}

func (t *txStore) LockActiveAdminAssignments(ctx context.Context, organizationID string, at time.Time) ([]rbac.Assignment, error) {
	return t.queryAssignments(ctx, `
		select `+assignmentColumns+`
		from user_role_assignments a
		join roles r on r.id = a.role_id
		where a.organization_id = $1
		  and r.is_system_admin and not r.is_deleted
		  and a.effective_from <= $2 and (a.effective_to is null or a.effective_to > $2)
		order by a.id
		for update of a
	`, organizationID, at)
}

func (t *txStore) InsertRole(ctx context.Context, role rbac.Role) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into roles (id, organization_id, parent_role_id, name, description, is_system_admin,
		                   is_deleted, deleted_at, deleted_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, role.ID, nullIfEmpty(role.OrganizationID), nullIfEmpty(role.ParentRoleID), role.Name, role.Description,
		role.IsSystemAdmin, role.IsDeleted, nullTime(role.DeletedAt), nullIfEmpty(role.DeletedBy),
		role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role name %q in use", rbac.ErrConflict, role.Name)
		}
		return classify(err)
	}
	return t.insertRolePermissions(ctx, role.ID, role.DirectPermissions)
}

func (t *txStore) insertRolePermissions(ctx context.Context, roleID string, codes []rbac.PermissionCode) error {
	for _, c := range codes {
		if _, err := t.tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_code)
			values ($1, $2)
			on conflict do nothing
		`, roleID, c.String()); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return &rbac.PermissionCodeNotFoundError{Codes: []string{c.String()}}
			}
			return classify(err)
		}
	}
	return nil
}

// touchRole bumps updated_at and reports a missing role.
func (t *txStore) touchRole(ctx context.Context, roleID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `update roles set updated_at = $2 where id = $1`, roleID, at)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, &rbac.RoleNotFoundError{RoleID: roleID})
}

func (t *txStore) UpdateRolePermissions(ctx context.Context, roleID string, codes []rbac.PermissionCode, at time.Time) error {
	if err := t.touchRole(ctx, roleID, at); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return classify(err)
	}
	return t.insertRolePermissions(ctx, roleID, codes)
}

func (t *txStore) UpdateRoleParent(ctx context.Context, roleID, parentID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update roles set parent_role_id = $2, updated_at = $3 where id = $1
	`, roleID, nullIfEmpty(parentID), at)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, &rbac.RoleNotFoundError{RoleID: roleID})
}

func (t *txStore) SetRoleDeleted(ctx context.Context, roleID string, mark rbac.SoftDelete, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update roles
		set is_deleted = $2, deleted_at = $3, deleted_by = $4, updated_at = $5
		where id = $1
	`, roleID, mark.IsDeleted, nullTime(mark.DeletedAt), nullIfEmpty(mark.DeletedBy), at)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: name of role %s is in use by an active role", rbac.ErrConflict, roleID)
		}
		return classify(err)
	}
	return requireAffected(res, &rbac.RoleNotFoundError{RoleID: roleID})
}

func (t *txStore) SetOrganizationDeleted(ctx context.Context, organizationID string, mark rbac.SoftDelete, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update organizations
		set is_deleted = $2, deleted_at = $3, deleted_by = $4, updated_at = $5
		where id = $1
	`, organizationID, mark.IsDeleted, nullTime(mark.DeletedAt), nullIfEmpty(mark.DeletedBy), at)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: name of organization %s is in use by an active organization", rbac.ErrConflict, organizationID)
		}
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("%w: organization %s", rbac.ErrNotFound, organizationID))
}

func (t *txStore) InsertAssignment(ctx context.Context, a rbac.Assignment) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into user_role_assignments (id, user_id, role_id, organization_id, effective_from, effective_to,
		                                   granted_by, revoked_by, revoke_reason)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.UserID, a.RoleID, a.OrganizationID, a.EffectiveFrom, nullTime(a.EffectiveTo),
		nullIfEmpty(a.GrantedBy), nullIfEmpty(a.RevokedBy), nullIfEmpty(a.RevokeReason))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: user %s already holds role %s", rbac.ErrConflict, a.UserID, a.RoleID)
		}
		return classify(err)
	}
	return nil
}

func (t *txStore) RevokeAssignment(ctx context.Context, id string, at time.Time, actor, reason string) error {
	res, err := t.tx.ExecContext(ctx, `
		update user_role_assignments
		set effective_to = $2, revoked_by = $3, revoke_reason = $4
		where id = $1
	`, id, at.UTC(), nullIfEmpty(actor), nullIfEmpty(reason))
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, &rbac.AssignmentNotFoundError{AssignmentID: id})
}

func (t *txStore) ListActiveAssignmentsForRole(ctx context.Context, roleID string, at time.Time) ([]rbac.Assignment, error) {
	return t.queryAssignments(ctx, `
		select `+assignmentColumns+`
		from user_role_assignments a
		where a.role_id = $1
		  and a.effective_from <= $2 and (a.effective_to is null or a.effective_to > $2)
		order by a.id
	`, roleID, at)
}

func requireAffected(res sql.Result, notFound error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if aff == 0 {
		return notFound
	}
	return nil
}
