// Package pg is the Postgres implementation of the role store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantguard.org/internal/rbac"
)

// Store talks to Postgres through database/sql and the pgx driver.
type Store struct {
	reader
	db *sql.DB
}

var _ rbac.Store = (*Store)(nil)

// PoolOptions tunes the connection pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolOptions returns the pool settings used when none are configured.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (p PoolOptions) withDefaults() PoolOptions {
	def := DefaultPoolOptions()
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = def.MaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = def.MaxIdleConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	return p
}

// Open connects with the pgx stdlib driver. The connection is established lazily; use Ping to check it.
func Open(dsn string, pool PoolOptions) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pool = pool.withDefaults()
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{reader: reader{q: db}, db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// WithinTx runs fn in one transaction at read committed, or serializable when requested. The
// transaction is rolled back unless fn succeeds and the commit goes through.
func (s *Store) WithinTx(ctx context.Context, opts rbac.TxOptions, fn func(tx rbac.Tx) error) error {
	level := sql.LevelReadCommitted
	if opts.Serializable {
		level = sql.LevelSerializable
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// EnsurePermissions inserts catalog entries that are not stored yet. Existing descriptions are kept.
func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if p.Code.IsZero() {
			return fmt.Errorf("%w: empty permission code", rbac.ErrInvalidInput)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (code, description)
			values ($1, $2)
			on conflict (code) do nothing
		`, p.Code.String(), p.Description); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *Store) CreateOrganization(ctx context.Context, org rbac.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations (id, name, created_at, updated_at)
		values ($1, $2, $3, $4)
	`, org.ID, org.Name, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: organization name %q in use", rbac.ErrConflict, org.Name)
		}
		return classify(err)
	}
	return nil
}
