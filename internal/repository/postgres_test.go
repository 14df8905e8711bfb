package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

func setupPostgres(t *testing.T) *database.Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithInitScripts("../../migrations/000001_init.up.sql"),
		postgres.WithDatabase("authcore"),
		postgres.WithUsername("authcore"),
		postgres.WithPassword("authcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.Open(connStr, 10)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresRepositories(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	accounts := NewAccountRepository(db)
	account := &model.Account{
		ID:                  "acc_1",
		Email:               "Agent@Example.com",
		PasswordHash:        "hash",
		Role:                model.RoleAgent,
		Roles:               []string{model.RoleManager},
		MFAMethod:           model.MFAMethodNone,
		PasswordLastChanged: now,
		AllowedIPRanges:     []string{"10.0.0.0/8"},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, accounts.Create(ctx, account))

	t.Run("AccountLookup", func(t *testing.T) {
		got, err := accounts.GetByEmail(ctx, "agent@example.com")
		require.NoError(t, err)
		assert.Equal(t, []string{model.RoleManager}, got.Roles)
		assert.Equal(t, []string{"10.0.0.0/8"}, got.AllowedIPRanges)

		assert.ErrorIs(t, accounts.Create(ctx, account), ErrDuplicate)
		_, err = accounts.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AccountUpdateSerializes", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := accounts.Update(ctx, "acc_1", func(a *model.Account) error {
					a.LoginAttempts++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := accounts.GetByID(ctx, "acc_1")
		require.NoError(t, err)
		assert.Equal(t, 10, got.LoginAttempts)
	})

	t.Run("SessionRotate", func(t *testing.T) {
		sessions := NewSessionRepository(db)
		s := &model.Session{
			ID: "ses_1", AccountID: "acc_1", TokenHash: "t1", RefreshTokenHash: "r1",
			IssuedAt: now, ExpiresAt: now.Add(30 * time.Minute), TokenExpiresAt: now.Add(30 * time.Minute),
			ClientIP: "10.0.0.1",
		}
		require.NoError(t, sessions.Create(ctx, s))

		assert.ErrorIs(t, sessions.Rotate(ctx, "ses_1", "nope", "t2", "r2", now.Add(time.Minute), now), ErrConflict)
		require.NoError(t, sessions.Rotate(ctx, "ses_1", "r1", "t2", "r2", now.Add(time.Minute), now))

		got, err := sessions.GetByTokenHash(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, "r2", got.RefreshTokenHash)
		require.NotNil(t, got.RefreshedAt)

		n, err := sessions.DeleteExpired(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "a lapsed token keeps the session")

		n, err = sessions.DeleteExpired(ctx, now.Add(31*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("SecurityEvents", func(t *testing.T) {
		events := NewSecurityEventRepository(db)
		for i := 0; i < 3; i++ {
			require.NoError(t, events.Append(ctx, &model.SecurityEvent{
				ID:        fmt.Sprintf("evt_%d", i),
				AccountID: "acc_1",
				EventType: model.EventFailedLogin,
				Timestamp: now.Add(time.Duration(i) * time.Second),
				Details:   map[string]interface{}{"attempt": i},
				Severity:  model.SeverityWarning,
			}))
		}
		got, err := events.ListByAccount(ctx, "acc_1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "evt_2", got[0].ID)
		assert.EqualValues(t, 2, got[0].Details["attempt"])
	})

	t.Run("PermissionTable", func(t *testing.T) {
		perms := NewPermissionRepository(db)
		table := model.DefaultPermissionTable()
		require.NoError(t, perms.ReplaceTable(ctx, table))

		loaded, err := perms.LoadTable(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded.Permissions, len(table.Permissions))
		assert.Len(t, loaded.RolePermissions, len(table.RolePermissions))
	})

	t.Run("PasswordHistory", func(t *testing.T) {
		history := NewPasswordHistoryRepository(db)
		for i, h := range []string{"h1", "h2", "h3"} {
			require.NoError(t, history.Add(ctx, "acc_1", h, now.Add(time.Duration(i)*time.Second)))
		}
		got, err := history.Recent(ctx, "acc_1", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"h3", "h2"}, got)
	})

	t.Run("SigningKeys", func(t *testing.T) {
		keys := NewSigningKeyRepository(db)
		require.NoError(t, keys.Create(ctx, &model.SigningKey{
			ID: "key_1", Algorithm: "ed25519", PublicKey: []byte{1}, PrivateKey: []byte{2},
			Active: true, CreatedAt: now, VerifyUntil: now.Add(time.Hour),
		}))
		require.NoError(t, keys.Retire(ctx, "ed25519", now, now.Add(time.Hour)))

		_, err := keys.GetActive(ctx, "ed25519")
		assert.ErrorIs(t, err, ErrNotFound)

		verify, err := keys.ListVerification(ctx, "ed25519", now.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, verify, 1)
	})
}
