package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// PermissionResolver answers role based access questions against an
// immutable permission table. Grants are additive across an account's roles
// and there is no deny rule.
type PermissionResolver struct {
	permissions map[string]model.Permission // by ID
	byName      map[string][]string         // name or ID -> permission IDs
	byAction    map[string][]string         // "resource:action" -> permission IDs
	grants      map[string]map[string]struct{}
	roles       map[string]struct{}
}

// NewPermissionResolver indexes table. Every grant must reference a known
// permission.
func NewPermissionResolver(table *model.PermissionTable) (*PermissionResolver, error) {
	if table == nil {
		table = model.DefaultPermissionTable()
	}

	r := &PermissionResolver{
		permissions: make(map[string]model.Permission, len(table.Permissions)),
		byName:      make(map[string][]string),
		byAction:    make(map[string][]string),
		grants:      make(map[string]map[string]struct{}),
		roles:       make(map[string]struct{}),
	}

	for _, p := range table.Permissions {
		if p.ID == "" {
			return nil, fmt.Errorf("permission %q has no id", p.Name)
		}
		if _, dup := r.permissions[p.ID]; dup {
			return nil, fmt.Errorf("duplicate permission id %q", p.ID)
		}
		r.permissions[p.ID] = p
		r.byName[p.ID] = appendUnique(r.byName[p.ID], p.ID)
		if p.Name != "" {
			r.byName[p.Name] = appendUnique(r.byName[p.Name], p.ID)
		}
		key := model.PermissionName(p.Resource, p.Action)
		r.byAction[key] = append(r.byAction[key], p.ID)
	}

	for _, rp := range table.RolePermissions {
		if _, ok := r.permissions[rp.PermissionID]; !ok {
			return nil, fmt.Errorf("role %q is granted unknown permission %q", rp.RoleID, rp.PermissionID)
		}
		set, ok := r.grants[rp.RoleID]
		if !ok {
			set = make(map[string]struct{})
			r.grants[rp.RoleID] = set
		}
		set[rp.PermissionID] = struct{}{}
		r.roles[rp.RoleID] = struct{}{}
	}

	return r, nil
}

// LoadPermissionResolver builds a resolver from the table held in store.
func LoadPermissionResolver(ctx context.Context, store repository.PermissionStore) (*PermissionResolver, error) {
	table, err := store.LoadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission table: %w", err)
	}
	return NewPermissionResolver(table)
}

// EffectiveRoles is the primary role plus any additional roles.
func EffectiveRoles(account *model.Account) map[string]struct{} {
	roles := make(map[string]struct{}, len(account.Roles)+1)
	if account.Role != "" {
		roles[account.Role] = struct{}{}
	}
	for _, r := range account.Roles {
		if r != "" {
			roles[r] = struct{}{}
		}
	}
	return roles
}

// HasPermission reports whether any of the account's roles is granted a
// permission with the given name or ID.
func (r *PermissionResolver) HasPermission(account *model.Account, name string) bool {
	if account == nil {
		return false
	}
	return r.anyGranted(account, r.byName[name])
}

// CanPerformAction reports whether the account may perform action on resource.
func (r *PermissionResolver) CanPerformAction(account *model.Account, resource, action string) bool {
	if account == nil {
		return false
	}
	return r.anyGranted(account, r.byAction[model.PermissionName(resource, action)])
}

// PermissionsFor lists every permission the account holds, sorted by name.
func (r *PermissionResolver) PermissionsFor(account *model.Account) []model.Permission {
	if account == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []model.Permission
	for role := range EffectiveRoles(account) {
		for id := range r.grants[role] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r.permissions[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// KnownRole reports whether the table grants anything to role.
func (r *PermissionResolver) KnownRole(role string) bool {
	_, ok := r.roles[role]
	return ok
}

func (r *PermissionResolver) anyGranted(account *model.Account, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for role := range EffectiveRoles(account) {
		granted := r.grants[role]
		for _, id := range ids {
			if _, ok := granted[id]; ok {
				return true
			}
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
