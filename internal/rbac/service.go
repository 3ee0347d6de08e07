// Package rbac is the hierarchical, multi-tenant authorization engine: roles form per-organization
// forests, permissions are inherited along parent pointers, assignments bind users to roles inside
// one organization, and every organization keeps at least one administrator.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/ids"
	"tenantguard.org/internal/obs"
)

// Service is the entry point of the engine. All methods are safe for concurrent use.
type Service struct {
	store        Store
	catalog      *Catalog
	cache        *Cache
	resolver     *Resolver
	evaluator    *Evaluator
	emitter      audit.Emitter
	notifier     InvalidationNotifier
	logger       *logrus.Logger
	now          func() time.Time
	maxDepth     int
	serializable bool
	noCache      bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithCatalog sets the permission catalog role writes are validated against.
func WithCatalog(c *Catalog) ServiceOption {
	return func(s *Service) error {
		if c == nil {
			return errors.New("rbac: nil catalog")
		}
		s.catalog = c
		return nil
	}
}

// WithCache replaces the default cache. A nil cache disables caching.
func WithCache(c *Cache) ServiceOption {
	return func(s *Service) error {
		s.cache = c
		s.noCache = c == nil
		return nil
	}
}

// WithEmitter sets the audit sink.
func WithEmitter(e audit.Emitter) ServiceOption {
	return func(s *Service) error {
		if e != nil {
			s.emitter = e
		}
		return nil
	}
}

// WithInvalidationNotifier publishes local invalidations to other processes.
func WithInvalidationNotifier(n InvalidationNotifier) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l *logrus.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithMaxDepth bounds the number of ancestors of a role.
func WithMaxDepth(depth int) ServiceOption {
	return func(s *Service) error {
		if depth < 0 {
			return fmt.Errorf("rbac: negative max depth %d", depth)
		}
		s.maxDepth = depth
		return nil
	}
}

// WithSerializableRevocations runs revocations and deletions at serializable isolation.
func WithSerializableRevocations(on bool) ServiceOption {
	return func(s *Service) error {
		s.serializable = on
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	svc := &Service{
		store:   store,
		emitter: audit.Discard,
		logger:  obs.Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.catalog == nil {
		svc.catalog = NewCatalog()
	}
	if svc.cache == nil && !svc.noCache {
		c, err := NewCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		svc.cache = c
	}
	svc.resolver = NewResolver(svc.maxDepth)
	svc.evaluator = NewEvaluator(svc.resolver, svc.cache)
	return svc, nil
}

// Catalog exposes the permission catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Cache exposes the effective-set cache; nil when caching is disabled.
func (s *Service) Cache() *Cache { return s.cache }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) revocationTx() TxOptions { return TxOptions{Serializable: s.serializable} }

// invalidate drops cached sets after a committed mutation and tells other processes.
func (s *Service) invalidate(ctx context.Context, roleIDs ...string) {
	if len(roleIDs) == 0 {
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(roleIDs...)
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishInvalidation(ctx, roleIDs); err != nil {
		s.logger.WithError(err).WithField("role_ids", roleIDs).Warn("publish cache invalidation")
	}
}

// emit forwards an event; sink failures never undo a committed change.
func (s *Service) emit(ctx context.Context, evt audit.Event) {
	if evt.RequestID == "" {
		evt.RequestID = audit.RequestIDFromContext(ctx)
	}
	if err := s.emitter.Emit(ctx, evt); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"event":    string(evt.Type),
			"event_id": evt.ID,
		}).Error("emit audit event")
	}
}

// lockRole reads an active role and takes its organization's scope lock.
func (s *Service) lockRole(ctx context.Context, tx Tx, roleID string) (Role, error) {
	role, err := tx.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if err := tx.LockScope(ctx, role.OrganizationID); err != nil {
		return Role{}, err
	}
	return tx.GetRole(ctx, roleID)
}

func requireActiveOrganization(ctx context.Context, r Reader, organizationID string) (Organization, error) {
	org, err := r.GetOrganization(ctx, organizationID)
	if err != nil {
		return Organization{}, err
	}
	if !org.Active() {
		return Organization{}, fmt.Errorf("%w: organization %s is deleted", ErrNotFound, organizationID)
	}
	return org, nil
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	OrganizationID string
	ParentRoleID   string
	Name           string
	Description    string
	IsSystemAdmin  bool
	Permissions    []string
}

// CreateRole validates permissions against the catalog and the parent against the hierarchy rules
// before inserting.
func (s *Service) CreateRole(ctx context.Context, actor string, in CreateRoleInput) (role Role, err error) {
	defer func() { obs.ObserveMutation("create_role", err) }()

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	codes, err := s.catalog.Validate(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	now := s.clock()
	role = Role{
		ID:                ids.NewWithPrefix(ids.PrefixRole),
		OrganizationID:    strings.TrimSpace(in.OrganizationID),
		ParentRoleID:      strings.TrimSpace(in.ParentRoleID),
		Name:              in.Name,
		Description:       strings.TrimSpace(in.Description),
		IsSystemAdmin:     in.IsSystemAdmin,
		DirectPermissions: codes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		if err := tx.LockScope(ctx, role.OrganizationID); err != nil {
			return err
		}
		if role.OrganizationID != "" {
			if _, err := requireActiveOrganization(ctx, tx, role.OrganizationID); err != nil {
				return err
			}
		}
		if err := s.resolver.ValidateParent(ctx, tx, role, role.ParentRoleID); err != nil {
			return err
		}
		return tx.InsertRole(ctx, role)
	})
	if err != nil {
		return Role{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"role_id":         role.ID,
		"organization_id": role.OrganizationID,
		"parent_role_id":  role.ParentRoleID,
		"actor":           actor,
	}).Info("role created")
	return role, nil
}

// UpdateRolePermissions replaces the direct permission set of a role.
func (s *Service) UpdateRolePermissions(ctx context.Context, actor, roleID string, codes []string) (role Role, err error) {
	defer func() { obs.ObserveMutation("update_role_permissions", err) }()

	parsed, err := s.catalog.Validate(codes)
	if err != nil {
		return Role{}, err
	}
	now := s.clock()
	err = s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		current, err := s.lockRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if err := tx.UpdateRolePermissions(ctx, roleID, parsed, now); err != nil {
			return err
		}
		current.DirectPermissions = parsed
		current.UpdatedAt = now
		role = current
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, roleID)
	s.logger.WithFields(logrus.Fields{
		"role_id":     roleID,
		"permissions": CodeStrings(parsed),
		"actor":       actor,
	}).Info("role permissions updated")
	return role, nil
}

// SetRoleParent moves a role under parentID, or makes it a root when parentID is empty. A move that
// would close a cycle is rejected before anything is written.
func (s *Service) SetRoleParent(ctx context.Context, actor, roleID, parentID string) (role Role, err error) {
	defer func() { obs.ObserveMutation("set_role_parent", err) }()

	parentID = strings.TrimSpace(parentID)
	now := s.clock()
	err = s.store.WithinTx(ctx, TxOptions{}, func(tx Tx) error {
		current, err := s.lockRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if err := s.resolver.ValidateParent(ctx, tx, current, parentID); err != nil {
			return err
		}
		if err := tx.UpdateRoleParent(ctx, roleID, parentID, now); err != nil {
			return err
		}
		current.ParentRoleID = parentID
		current.UpdatedAt = now
		role = current
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, roleID)
	s.logger.WithFields(logrus.Fields{
		"role_id":        roleID,
		"parent_role_id": parentID,
		"actor":          actor,
	}).Info("role parent changed")
	return role, nil
}

// GetRole returns an active role.
func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	var role Role
	err := s.read(ctx, "get_role", func(ctx context.Context) error {
		var err error
		role, err = s.store.GetRole(ctx, roleID)
		return err
	})
	return role, err
}

// ListRoles returns the active roles of one organization ("" lists global roles).
func (s *Service) ListRoles(ctx context.Context, organizationID string) ([]Role, error) {
	var roles []Role
	err := s.read(ctx, "list_roles", func(ctx context.Context) error {
		var err error
		roles, err = s.store.ListRoles(ctx, organizationID)
		return err
	})
	return roles, err
}

// CreateOrganization provisions a tenant.
func (s *Service) CreateOrganization(ctx context.Context, name string) (org Organization, err error) {
	defer func() { obs.ObserveMutation("create_organization", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return Organization{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	now := s.clock()
	org = Organization{ID: ids.NewWithPrefix(ids.PrefixOrganization), Name: name, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return Organization{}, err
	}
	return org, nil
}

// RegisterPermissions persists new catalog entries and makes them available to role writes.
func (s *Service) RegisterPermissions(ctx context.Context, perms ...Permission) error {
	if len(perms) == 0 {
		return nil
	}
	for _, p := range perms {
		if p.Code.IsZero() {
			return fmt.Errorf("%w: empty permission code", ErrInvalidInput)
		}
	}
	if err := s.store.EnsurePermissions(ctx, perms); err != nil {
		return err
	}
	s.catalog.Register(perms...)
	return nil
}
