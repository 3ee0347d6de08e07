package pg

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tenantguard.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrLockNotAvailable    = "55P03"
	pgErrAdminShutdown       = "57P01"
	pgClassConnection        = "08"
)

// classify maps driver errors onto the engine taxonomy. Errors that already carry an engine meaning
// pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return rbac.MarkTransient(err)
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		if pgconn.SafeToRetry(err) {
			return rbac.MarkTransient(err)
		}
		return err
	}
	switch {
	case pgErr.Code == pgErrSerialization,
		pgErr.Code == pgErrDeadlock,
		pgErr.Code == pgErrLockNotAvailable,
		pgErr.Code == pgErrAdminShutdown,
		strings.HasPrefix(pgErr.Code, pgClassConnection):
		return rbac.MarkTransient(err)
	case pgErr.Code == pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", rbac.ErrConflict, constraintDetail(pgErr))
	case pgErr.Code == pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", rbac.ErrNotFound, constraintDetail(pgErr))
	}
	return err
}

func constraintDetail(pgErr *pgconn.PgError) string {
	if pgErr.Detail != "" {
		return pgErr.Detail
	}
	if pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	return pgErr.Message
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
