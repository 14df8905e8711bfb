package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

// AccountRepository handles account persistence
type AccountRepository struct {
	db *database.Postgres
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *database.Postgres) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, email, password_hash, role, roles, mfa_enabled, mfa_method, totp_secret, phone,
	login_attempts, locked_until, password_last_changed, allowed_ip_ranges,
	session_timeout_minutes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, a *model.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		strings.ToLower(a.Email),
		a.PasswordHash,
		a.Role,
		pq.Array(a.Roles),
		a.MFAEnabled,
		string(a.MFAMethod),
		a.TOTPSecret,
		a.Phone,
		a.LoginAttempts,
		a.LockedUntil,
		a.PasswordLastChanged,
		pq.Array(a.AllowedIPRanges),
		a.SessionTimeoutMinutes,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves an account by email, case-insensitively
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, strings.ToLower(email)))
}

// Update locks the account row, applies fn and writes every mutable column.
func (r *AccountRepository) Update(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	var updated *model.Account
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
		a, err := scanAccount(tx.QueryRowContext(ctx, query, id))
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET
				password_hash = $2, role = $3, roles = $4, mfa_enabled = $5, mfa_method = $6,
				totp_secret = $7, phone = $8, login_attempts = $9, locked_until = $10,
				password_last_changed = $11, allowed_ip_ranges = $12,
				session_timeout_minutes = $13, updated_at = $14
			WHERE id = $1
		`,
			a.ID,
			a.PasswordHash,
			a.Role,
			pq.Array(a.Roles),
			a.MFAEnabled,
			string(a.MFAMethod),
			a.TOTPSecret,
			a.Phone,
			a.LoginAttempts,
			a.LockedUntil,
			a.PasswordLastChanged,
			pq.Array(a.AllowedIPRanges),
			a.SessionTimeoutMinutes,
			a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var method string
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.Role,
		pq.Array(&a.Roles),
		&a.MFAEnabled,
		&method,
		&a.TOTPSecret,
		&a.Phone,
		&a.LoginAttempts,
		&a.LockedUntil,
		&a.PasswordLastChanged,
		pq.Array(&a.AllowedIPRanges),
		&a.SessionTimeoutMinutes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.MFAMethod = model.MFAMethod(method)
	return &a, nil
}
