package rbac

import (
	"context"
	"sort"
	"sync"
)

// Catalog is the append-only registry of known permission codes. Role permission sets are validated
// against it at write time so evaluation never sees an unknown code.
type Catalog struct {
	mu    sync.RWMutex
	perms map[PermissionCode]Permission
}

// NewCatalog returns a catalog holding perms.
func NewCatalog(perms ...Permission) *Catalog {
	c := &Catalog{perms: make(map[PermissionCode]Permission, len(perms))}
	c.Register(perms...)
	return c
}

// Register adds permissions. Codes already present keep their original entry.
func (c *Catalog) Register(perms ...Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range perms {
		if p.Code.IsZero() {
			continue
		}
		if _, ok := c.perms[p.Code]; ok {
			continue
		}
		c.perms[p.Code] = p
	}
}

// Lookup returns the catalog entry for code.
func (c *Catalog) Lookup(code PermissionCode) (Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.perms[code]
	return p, ok
}

// Validate parses codes and checks every one of them against the catalog.
func (c *Catalog) Validate(codes []string) ([]PermissionCode, error) {
	parsed, err := ParsePermissionCodes(codes)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for _, code := range parsed {
		if _, ok := c.perms[code]; !ok {
			missing = append(missing, code.String())
		}
	}
	if len(missing) > 0 {
		return nil, &PermissionCodeNotFoundError{Codes: missing}
	}
	return parsed, nil
}

// List returns all entries sorted by code.
func (c *Catalog) List() []Permission {
	c.mu.RLock()
	out := make([]Permission, 0, len(c.perms))
	for _, p := range c.perms {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code.String() < out[j].Code.String() })
	return out
}

// Len reports the number of registered codes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.perms)
}

// LoadCatalog builds a catalog from the permissions persisted in r.
func LoadCatalog(ctx context.Context, r Reader) (*Catalog, error) {
	perms, err := r.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return NewCatalog(perms...), nil
}

// DefaultPermissions is the baseline catalog seeded by migrations.
func DefaultPermissions() []Permission {
	return []Permission{
		{Code: MustParsePermissionCode("*:*"), Description: "Full access"},
		{Code: MustParsePermissionCode("read:*"), Description: "Read any resource"},
		{Code: MustParsePermissionCode("write:*"), Description: "Write any resource"},
		{Code: MustParsePermissionCode("read:task"), Description: "Read tasks"},
		{Code: MustParsePermissionCode("write:task"), Description: "Create and update tasks"},
		{Code: MustParsePermissionCode("delete:task"), Description: "Delete tasks"},
		{Code: MustParsePermissionCode("read:role"), Description: "Inspect roles"},
		{Code: MustParsePermissionCode("write:role"), Description: "Manage roles"},
		{Code: MustParsePermissionCode("write:assignment"), Description: "Assign and revoke roles"},
	}
}
