package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/servicedesk/authcore/internal/database"
)

// PasswordHistoryRepository stores previous password hashes per account
type PasswordHistoryRepository struct {
	db *database.Postgres
}

// NewPasswordHistoryRepository creates a new PasswordHistoryRepository
func NewPasswordHistoryRepository(db *database.Postgres) *PasswordHistoryRepository {
	return &PasswordHistoryRepository{db: db}
}

// Add records a password hash
func (r *PasswordHistoryRepository) Add(ctx context.Context, accountID, passwordHash string, at time.Time) error {
	query := `INSERT INTO password_history (account_id, password_hash, created_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, accountID, passwordHash, at); err != nil {
		return fmt.Errorf("failed to add password history: %w", err)
	}
	return nil
}

// Recent returns up to n hashes, newest first
func (r *PasswordHistoryRepository) Recent(ctx context.Context, accountID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
		SELECT password_hash FROM password_history
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query password history: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan password history: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
