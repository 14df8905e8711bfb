package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

// SigningKeyRepository handles signing key persistence.
type SigningKeyRepository struct {
	db *database.Postgres
}

// NewSigningKeyRepository creates a new SigningKeyRepository.
func NewSigningKeyRepository(db *database.Postgres) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

const signingKeyColumns = `id, algorithm, public_key, private_key, is_active, created_at, retired_at, verify_until`

// Create stores a new signing key.
func (r *SigningKeyRepository) Create(ctx context.Context, key *model.SigningKey) error {
	query := `INSERT INTO signing_keys (` + signingKeyColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Algorithm,
		key.PublicKey,
		key.PrivateKey,
		key.Active,
		key.CreatedAt,
		key.RetiredAt,
		key.VerifyUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to create signing key: %w", err)
	}
	return nil
}

// GetActive retrieves the currently active signing key for a given algorithm.
func (r *SigningKeyRepository) GetActive(ctx context.Context, algorithm string) (*model.SigningKey, error) {
	query := `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE algorithm = $1 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanKey(r.db.QueryRowContext(ctx, query, algorithm))
}

// ListVerification returns keys still accepted for token verification.
func (r *SigningKeyRepository) ListVerification(ctx context.Context, algorithm string, now time.Time) ([]*model.SigningKey, error) {
	query := `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE algorithm = $1 AND (is_active = TRUE OR verify_until > $2)
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, algorithm, now)
}

// Retire deactivates all keys of a given algorithm.
func (r *SigningKeyRepository) Retire(ctx context.Context, algorithm string, at, verifyUntil time.Time) error {
	query := `
		UPDATE signing_keys SET is_active = FALSE, retired_at = $2, verify_until = $3
		WHERE algorithm = $1 AND is_active = TRUE
	`
	if _, err := r.db.ExecContext(ctx, query, algorithm, at, verifyUntil); err != nil {
		return fmt.Errorf("failed to retire signing keys: %w", err)
	}
	return nil
}

// ListAll lists all signing keys.
func (r *SigningKeyRepository) ListAll(ctx context.Context) ([]*model.SigningKey, error) {
	return r.list(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY created_at DESC`)
}

func (r *SigningKeyRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.SigningKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanKey(row rowScanner) (*model.SigningKey, error) {
	var key model.SigningKey
	err := row.Scan(
		&key.ID, &key.Algorithm, &key.PublicKey, &key.PrivateKey,
		&key.Active, &key.CreatedAt, &key.RetiredAt, &key.VerifyUntil,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan signing key: %w", err)
	}
	return &key, nil
}
