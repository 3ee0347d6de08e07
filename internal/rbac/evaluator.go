package rbac

import (
	"context"
	"sort"
)

// Grant is one permission of an effective set together with the role that supplied it.
// Depth is 0 for the role's own permissions, 1 for its parent and so on.
type Grant struct {
	Code     PermissionCode `json:"code"`
	RoleID   string         `json:"role_id"`
	RoleName string         `json:"role_name"`
	Depth    int            `json:"depth"`
}

// EffectiveSet is the merged permission set of one role.
type EffectiveSet struct {
	RoleID         string
	OrganizationID string
	// Chain lists role ids root first, ending with RoleID.
	Chain []string
	// Grants are ordered own role first, then ancestors nearest first; inside one role exact codes
	// come before action wildcards, which come before "*:*".
	Grants []Grant
}

// Codes returns the distinct codes of the set in grant order.
func (s EffectiveSet) Codes() []PermissionCode {
	seen := make(map[PermissionCode]struct{}, len(s.Grants))
	out := make([]PermissionCode, 0, len(s.Grants))
	for _, g := range s.Grants {
		if _, ok := seen[g.Code]; ok {
			continue
		}
		seen[g.Code] = struct{}{}
		out = append(out, g.Code)
	}
	return out
}

// DependsOn reports whether roleID is the set's role or one of its ancestors.
func (s EffectiveSet) DependsOn(roleID string) bool {
	for _, id := range s.Chain {
		if id == roleID {
			return true
		}
	}
	return false
}

func (s EffectiveSet) clone() EffectiveSet {
	out := s
	out.Chain = append([]string(nil), s.Chain...)
	out.Grants = append([]Grant(nil), s.Grants...)
	return out
}

// HasPermission returns the first grant of set matching requested.
func HasPermission(set EffectiveSet, requested PermissionCode) (Grant, bool) {
	for _, g := range set.Grants {
		if g.Code.Matches(requested) {
			return g, true
		}
	}
	return Grant{}, false
}

// BuildEffectiveSet merges role's direct permissions with those of ancestors (root first, as returned
// by Resolver.Ancestors).
func BuildEffectiveSet(role Role, ancestors []Role) EffectiveSet {
	set := EffectiveSet{
		RoleID:         role.ID,
		OrganizationID: role.OrganizationID,
		Chain:          make([]string, 0, len(ancestors)+1),
	}
	for _, a := range ancestors {
		set.Chain = append(set.Chain, a.ID)
	}
	set.Chain = append(set.Chain, role.ID)

	set.Grants = appendGrants(set.Grants, role, 0)
	for i := len(ancestors) - 1; i >= 0; i-- {
		set.Grants = appendGrants(set.Grants, ancestors[i], len(ancestors)-i)
	}
	return set
}

func appendGrants(dst []Grant, role Role, depth int) []Grant {
	start := len(dst)
	seen := make(map[PermissionCode]struct{}, len(role.DirectPermissions))
	for _, code := range role.DirectPermissions {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		dst = append(dst, Grant{Code: code, RoleID: role.ID, RoleName: role.Name, Depth: depth})
	}
	own := dst[start:]
	sort.SliceStable(own, func(i, j int) bool {
		return own[i].Code.specificity() < own[j].Code.specificity()
	})
	return dst
}

// Evaluator computes effective sets through the cache.
type Evaluator struct {
	resolver *Resolver
	cache    *Cache
}

// NewEvaluator returns an evaluator. cache may be nil.
func NewEvaluator(resolver *Resolver, cache *Cache) *Evaluator {
	if resolver == nil {
		resolver = NewResolver(0)
	}
	return &Evaluator{resolver: resolver, cache: cache}
}

// EffectivePermissions returns the merged set of the active role roleID read from src. src must be
// committed state since the result is cached. The epoch is taken before the role is read so a
// concurrent invalidation always wins over this computation.
func (e *Evaluator) EffectivePermissions(ctx context.Context, src RoleGetter, roleID string) (EffectiveSet, error) {
	var epoch uint64
	if e.cache != nil {
		if set, ok := e.cache.Get(roleID); ok {
			return set, nil
		}
		epoch = e.cache.Begin()
	}
	role, err := src.GetRole(ctx, roleID)
	if err != nil {
		return EffectiveSet{}, err
	}
	ancestors, err := e.resolver.Ancestors(ctx, src, role)
	if err != nil {
		return EffectiveSet{}, err
	}
	set := BuildEffectiveSet(role, ancestors)
	if e.cache != nil {
		e.cache.Put(epoch, set)
	}
	return set, nil
}
