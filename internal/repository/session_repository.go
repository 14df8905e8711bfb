package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

// SessionRepository handles session persistence
type SessionRepository struct {
	db *database.Postgres
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.Postgres) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, account_id, token_hash, refresh_token_hash, issued_at, expires_at,
	token_expires_at, client_ip, user_agent, refreshed_at`

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.AccountID,
		s.TokenHash,
		s.RefreshTokenHash,
		s.IssuedAt,
		s.ExpiresAt,
		s.TokenExpiresAt,
		s.ClientIP,
		s.UserAgent,
		s.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.db.QueryRowContext(ctx, query, id))
}

// GetByTokenHash retrieves a session by the hash of its access token
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(r.db.QueryRowContext(ctx, query, tokenHash))
}

// ListByAccount lists an account's sessions, newest first
func (r *SessionRepository) ListByAccount(ctx context.Context, accountID string) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE account_id = $1 ORDER BY issued_at DESC`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Rotate swaps the token pair when the refresh hash still matches.
func (r *SessionRepository) Rotate(ctx context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, tokenExpiresAt, refreshedAt time.Time) error {
	query := `
		UPDATE sessions
		SET token_hash = $3, refresh_token_hash = $4, token_expires_at = $5, refreshed_at = $6
		WHERE id = $1 AND refresh_token_hash = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, oldRefreshHash, newTokenHash, newRefreshHash, tokenExpiresAt, refreshedAt)
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Delete removes a session
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByAccount removes all of an account's sessions except exceptID
func (r *SessionRepository) DeleteByAccount(ctx context.Context, accountID, exceptID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = $1 AND id <> $2`, accountID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete account sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired removes sessions whose absolute lifetime has passed
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func scanSession(row rowScanner) (*model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.TokenHash,
		&s.RefreshTokenHash,
		&s.IssuedAt,
		&s.ExpiresAt,
		&s.TokenExpiresAt,
		&s.ClientIP,
		&s.UserAgent,
		&s.RefreshedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &s, nil
}
