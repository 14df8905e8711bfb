package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

// PermissionRepository reads and seeds the permission table
type PermissionRepository struct {
	db *database.Postgres
}

// NewPermissionRepository creates a new PermissionRepository
func NewPermissionRepository(db *database.Postgres) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// LoadTable reads every permission and role grant
func (r *PermissionRepository) LoadTable(ctx context.Context) (*model.PermissionTable, error) {
	table := &model.PermissionTable{}

	rows, err := r.db.QueryContext(ctx, `SELECT id, name, resource, action, description FROM permissions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	for rows.Next() {
		var p model.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		table.Permissions = append(table.Permissions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `SELECT role_id, permission_id FROM role_permissions ORDER BY role_id, permission_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rp model.RolePermission
		if err := rows.Scan(&rp.RoleID, &rp.PermissionID); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		table.RolePermissions = append(table.RolePermissions, rp)
	}
	return table, rows.Err()
}

// ReplaceTable swaps the whole table in one transaction
func (r *PermissionRepository) ReplaceTable(ctx context.Context, table *model.PermissionTable) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions`); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
			return fmt.Errorf("failed to clear permissions: %w", err)
		}
		for _, p := range table.Permissions {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO permissions (id, name, resource, action, description) VALUES ($1, $2, $3, $4, $5)`,
				p.ID, p.Name, p.Resource, p.Action, p.Description,
			)
			if err != nil {
				return fmt.Errorf("failed to insert permission %s: %w", p.ID, err)
			}
		}
		for _, rp := range table.RolePermissions {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
				rp.RoleID, rp.PermissionID,
			)
			if err != nil {
				return fmt.Errorf("failed to grant %s to %s: %w", rp.PermissionID, rp.RoleID, err)
			}
		}
		return nil
	})
}
