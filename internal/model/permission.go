package model

// Permission is a capability on a resource.
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// RolePermission grants a permission to a role.
type RolePermission struct {
	RoleID       string `json:"roleId"`
	PermissionID string `json:"permissionId"`
}

// PermissionTable is the static role to capability mapping loaded at startup.
type PermissionTable struct {
	Permissions     []Permission     `json:"permissions"`
	RolePermissions []RolePermission `json:"rolePermissions"`
}

// PermissionName builds the canonical "resource:action" name.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

type permissionSpec struct {
	resource, action, description string
}

var defaultPermissions = []permissionSpec{
	{"tickets", "view", "View tickets"},
	{"tickets", "create", "Open new tickets"},
	{"tickets", "update", "Edit ticket fields and comments"},
	{"tickets", "assign", "Assign tickets to agents"},
	{"tickets", "close", "Resolve and close tickets"},
	{"tickets", "delete", "Delete tickets"},
	{"knowledge", "view", "Read knowledge base articles"},
	{"knowledge", "create", "Draft knowledge base articles"},
	{"knowledge", "update", "Edit knowledge base articles"},
	{"knowledge", "publish", "Publish knowledge base articles"},
	{"kanban", "view", "View kanban boards"},
	{"kanban", "update", "Move cards on kanban boards"},
	{"backlog", "view", "View the backlog"},
	{"backlog", "manage", "Prioritise and groom the backlog"},
	{"notifications", "view", "Read notifications"},
	{"notifications", "manage", "Configure notification rules"},
	{"reports", "view", "View service reports"},
	{"users", "view", "View user directory"},
	{"users", "manage", "Create, edit and unlock users"},
	{"security", "view", "View security events"},
	{"security", "manage", "Change security settings"},
}

var defaultGrants = map[string][]string{
	RoleUser: {
		"tickets:view", "tickets:create",
		"knowledge:view",
		"notifications:view",
	},
	RoleAgent: {
		"tickets:view", "tickets:create", "tickets:update", "tickets:assign", "tickets:close",
		"knowledge:view", "knowledge:create", "knowledge:update",
		"kanban:view", "kanban:update",
		"backlog:view",
		"notifications:view",
	},
	RoleManager: {
		"tickets:view", "tickets:create", "tickets:update", "tickets:assign", "tickets:close", "tickets:delete",
		"knowledge:view", "knowledge:create", "knowledge:update", "knowledge:publish",
		"kanban:view", "kanban:update",
		"backlog:view", "backlog:manage",
		"notifications:view", "notifications:manage",
		"reports:view",
		"users:view",
		"security:view",
	},
}

// DefaultPermissionTable returns the built-in service desk permission table.
// Admins hold every permission.
func DefaultPermissionTable() *PermissionTable {
	t := &PermissionTable{}
	for _, p := range defaultPermissions {
		name := PermissionName(p.resource, p.action)
		t.Permissions = append(t.Permissions, Permission{
			ID:          name,
			Name:        name,
			Resource:    p.resource,
			Action:      p.action,
			Description: p.description,
		})
		t.RolePermissions = append(t.RolePermissions, RolePermission{RoleID: RoleAdmin, PermissionID: name})
	}
	for _, role := range []string{RoleManager, RoleAgent, RoleUser} {
		for _, name := range defaultGrants[role] {
			t.RolePermissions = append(t.RolePermissions, RolePermission{RoleID: role, PermissionID: name})
		}
	}
	return t
}
