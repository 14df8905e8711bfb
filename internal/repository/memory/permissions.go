package memory

import (
	"context"
	"sync"

	"github.com/servicedesk/authcore/internal/model"
)

// PermissionStore holds a permission table in memory.
type PermissionStore struct {
	mu    sync.RWMutex
	table *model.PermissionTable
}

// NewPermissionStore creates a store seeded with table. A nil table means
// the built-in default.
func NewPermissionStore(table *model.PermissionTable) *PermissionStore {
	if table == nil {
		table = model.DefaultPermissionTable()
	}
	return &PermissionStore{table: table}
}

func (s *PermissionStore) LoadTable(ctx context.Context) (*model.PermissionTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &model.PermissionTable{
		Permissions:     append([]model.Permission(nil), s.table.Permissions...),
		RolePermissions: append([]model.RolePermission(nil), s.table.RolePermissions...),
	}, nil
}

func (s *PermissionStore) ReplaceTable(ctx context.Context, table *model.PermissionTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	return nil
}
