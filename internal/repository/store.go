package repository

import (
	"context"
	"time"

	"github.com/servicedesk/authcore/internal/model"
)

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	// Update loads the account, applies fn and writes the result while no
	// other Update on the same account can interleave. If fn returns an
	// error nothing is written.
	Update(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error)
}

// ChallengeStore holds at most one live verification challenge per account.
type ChallengeStore interface {
	// Put stores c, replacing any earlier challenge for the same account.
	Put(ctx context.Context, c *model.VerificationChallenge) error
	Get(ctx context.Context, id string) (*model.VerificationChallenge, error)
	// Consume atomically checks the challenge and deletes it when it is
	// expired or codeHash matches. A mismatch leaves the challenge in place.
	Consume(ctx context.Context, id, codeHash string, now time.Time) (accountID string, result model.ConsumeResult, err error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	ListByAccount(ctx context.Context, accountID string) ([]*model.Session, error)
	// Rotate replaces the token pair only if the stored refresh hash still
	// equals oldRefreshHash. Otherwise it returns ErrConflict.
	Rotate(ctx context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, tokenExpiresAt, refreshedAt time.Time) error
	Delete(ctx context.Context, id string) error
	// DeleteByAccount removes every session of the account except exceptID.
	DeleteByAccount(ctx context.Context, accountID, exceptID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EventStore is the append-only security event log.
type EventStore interface {
	Append(ctx context.Context, e *model.SecurityEvent) error
	// ListByAccount returns the newest events first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.SecurityEvent, error)
	ListRecent(ctx context.Context, limit int) ([]*model.SecurityEvent, error)
}

// PasswordHistoryStore remembers previous password hashes.
type PasswordHistoryStore interface {
	Add(ctx context.Context, accountID, passwordHash string, at time.Time) error
	// Recent returns up to n hashes, newest first.
	Recent(ctx context.Context, accountID string, n int) ([]string, error)
}

// PermissionStore loads the role to permission table.
type PermissionStore interface {
	LoadTable(ctx context.Context) (*model.PermissionTable, error)
	ReplaceTable(ctx context.Context, table *model.PermissionTable) error
}

// KeyStore persists token signing keys.
type KeyStore interface {
	Create(ctx context.Context, key *model.SigningKey) error
	GetActive(ctx context.Context, algorithm string) (*model.SigningKey, error)
	// ListVerification returns keys of the algorithm still usable for verification at now.
	ListVerification(ctx context.Context, algorithm string, now time.Time) ([]*model.SigningKey, error)
	// Retire marks every active key of the algorithm inactive.
	Retire(ctx context.Context, algorithm string, at, verifyUntil time.Time) error
	ListAll(ctx context.Context) ([]*model.SigningKey, error)
}

var (
	_ AccountStore         = (*AccountRepository)(nil)
	_ ChallengeStore       = (*ChallengeRepository)(nil)
	_ SessionStore         = (*SessionRepository)(nil)
	_ EventStore           = (*SecurityEventRepository)(nil)
	_ PasswordHistoryStore = (*PasswordHistoryRepository)(nil)
	_ PermissionStore      = (*PermissionRepository)(nil)
	_ KeyStore             = (*SigningKeyRepository)(nil)
)
