package rbac

import (
	"context"
	"errors"
)

// DefaultMaxDepth bounds the number of ancestors of any role.
const DefaultMaxDepth = 32

// RoleGetter returns active roles. Both Store and Tx satisfy it.
type RoleGetter interface {
	GetRole(ctx context.Context, id string) (Role, error)
}

// ChildLister returns the active direct children of a role.
type ChildLister interface {
	ListChildRoles(ctx context.Context, parentID string) ([]Role, error)
}

// RoleTree can walk the forest in both directions.
type RoleTree interface {
	RoleGetter
	ChildLister
}

// Resolver walks the parent pointers of the role forest. It holds no state besides its depth limit.
type Resolver struct {
	maxDepth int
}

// NewResolver returns a resolver; maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{maxDepth: maxDepth}
}

// MaxDepth reports the configured ancestor limit.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Ancestors returns the active ancestors of role ordered root first; role itself is not included.
// The walk ends at a root or at a parent that is missing or soft-deleted.
func (r *Resolver) Ancestors(ctx context.Context, src RoleGetter, role Role) ([]Role, error) {
	visited := map[string]struct{}{role.ID: {}}
	var chain []Role
	cur := role
	for cur.ParentRoleID != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid := cur.ParentRoleID
		if _, seen := visited[pid]; seen {
			return nil, &CycleDetectedError{RoleID: pid}
		}
		parent, err := src.GetRole(ctx, pid)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !parent.Active() {
			break
		}
		if err := validateHierarchyScope(cur.ID, parent, cur.OrganizationID); err != nil {
			return nil, err
		}
		visited[pid] = struct{}{}
		chain = append(chain, parent)
		if len(chain) > r.maxDepth {
			return nil, &HierarchyTooDeepError{RoleID: role.ID, MaxDepth: r.maxDepth}
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ValidateParent checks that making parentID the parent of child keeps the forest acyclic, in scope
// and within the depth limit, including for child's own descendants. Nothing is written.
func (r *Resolver) ValidateParent(ctx context.Context, src RoleTree, child Role, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == child.ID {
		return &CycleDetectedError{RoleID: child.ID}
	}
	parent, err := src.GetRole(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return &RoleNotFoundError{RoleID: parentID}
	}
	if err != nil {
		return err
	}
	if err := validateHierarchyScope(child.ID, parent, child.OrganizationID); err != nil {
		return err
	}
	candidate := child
	candidate.ParentRoleID = parentID
	ancestors, err := r.Ancestors(ctx, src, candidate)
	if err != nil {
		return err
	}
	if child.ID == "" {
		return nil
	}
	height, err := r.height(ctx, src, child.ID)
	if err != nil {
		return err
	}
	if len(ancestors)+height > r.maxDepth {
		return &HierarchyTooDeepError{RoleID: child.ID, MaxDepth: r.maxDepth}
	}
	return nil
}

// Descendants returns every active role below roleID, nearest first.
func (r *Resolver) Descendants(ctx context.Context, src ChildLister, roleID string) ([]Role, error) {
	var out []Role
	err := r.walkDown(ctx, src, roleID, func(role Role, _ int) {
		out = append(out, role)
	})
	return out, err
}

// height is the number of levels below roleID.
func (r *Resolver) height(ctx context.Context, src ChildLister, roleID string) (int, error) {
	deepest := 0
	err := r.walkDown(ctx, src, roleID, func(_ Role, level int) {
		if level > deepest {
			deepest = level
		}
	})
	return deepest, err
}

func (r *Resolver) walkDown(ctx context.Context, src ChildLister, roleID string, visit func(Role, int)) error {
	visited := map[string]struct{}{roleID: {}}
	frontier := []string{roleID}
	for level := 1; len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return err
			}
			children, err := src.ListChildRoles(ctx, id)
			if err != nil {
				return err
			}
			for _, c := range children {
				if _, seen := visited[c.ID]; seen {
					continue
				}
				visited[c.ID] = struct{}{}
				visit(c, level)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return nil
}
