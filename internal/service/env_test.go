package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository/memory"
)

const testPassword = "Correct-horse-1!"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureDelivery records the last code sent to each account.
type captureDelivery struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (d *captureDelivery) Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.codes == nil {
		d.codes = make(map[string]string)
	}
	d.codes[account.ID] = code
	return nil
}

func (d *captureDelivery) last(accountID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[accountID]
}

type testEnv struct {
	clock      *fakeClock
	settings   *config.Settings
	accounts   *memory.AccountStore
	challenges *memory.ChallengeStore
	sessions   *memory.SessionStore
	eventStore *memory.EventStore
	history    *memory.PasswordHistoryStore
	delivery   *captureDelivery

	events     *SecurityEventService
	lockout    *LockoutTracker
	mfa        *MFAService
	keys       *KeyService
	sessionSvc *SessionService
	resolver   *PermissionResolver
	auth       *AuthService
	admin      *AdminService
}

func testSecurityConfig() config.SecurityConfig {
	cfg := config.DefaultSecurityConfig()
	cfg.Hashing = config.HashingConfig{Argon2Memory: 1024, Argon2Iterations: 1, Argon2Parallelism: 1}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	e := &testEnv{
		clock:      newFakeClock(),
		settings:   config.NewSettings(testSecurityConfig()),
		accounts:   memory.NewAccountStore(),
		challenges: memory.NewChallengeStore(),
		sessions:   memory.NewSessionStore(),
		eventStore: memory.NewEventStore(),
		history:    memory.NewPasswordHistoryStore(),
		delivery:   &captureDelivery{},
	}

	mfaCfg := config.MFAConfig{
		TOTP:      config.TOTPConfig{Issuer: "ServiceDesk", Digits: 6, Period: 30},
		Challenge: config.ChallengeConfig{CodeTTL: 5 * time.Minute},
	}

	e.events = NewSecurityEventService(e.eventStore, e.clock, log)
	e.lockout = NewLockoutTracker(e.accounts, e.events, e.settings, e.clock, log)
	e.mfa = NewMFAService(e.challenges, e.accounts, e.delivery, e.events, mfaCfg, e.clock, log)

	e.keys = NewKeyService(memory.NewKeyStore(), 0, e.clock, log)
	require.NoError(t, e.keys.Initialize(ctx, auth.AlgorithmEd25519))
	tokens := auth.NewTokenService("authcore", e.keys, e.clock.Now)

	e.sessionSvc = NewSessionService(e.sessions, e.accounts, tokens, e.events, e.settings, nil, e.clock, log)

	var err error
	e.resolver, err = NewPermissionResolver(model.DefaultPermissionTable())
	require.NoError(t, err)

	e.auth = NewAuthService(e.accounts, e.history, e.lockout, e.mfa, e.sessionSvc, e.events, e.settings, e.clock, log)
	e.admin = NewAdminService(e.accounts, e.history, e.lockout, e.sessionSvc, e.resolver, e.events, e.settings, e.clock, log)
	return e
}

// createAccount stores an account with testPassword. mutate may adjust it first.
func (e *testEnv) createAccount(t *testing.T, email string, mutate func(*model.Account)) *model.Account {
	t.Helper()
	hash, err := auth.HashPassword(testPassword, auth.ParamsFromConfig(e.settings.Current().Hashing))
	require.NoError(t, err)

	now := e.clock.Now()
	a := &model.Account{
		ID:                  generateID("acc"),
		Email:               email,
		PasswordHash:        hash,
		Role:                model.RoleUser,
		MFAMethod:           model.MFAMethodNone,
		PasswordLastChanged: now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, e.accounts.Create(context.Background(), a))
	return a
}

func (e *testEnv) account(t *testing.T, id string) *model.Account {
	t.Helper()
	a, err := e.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

// eventsOf returns the account's events oldest first.
func (e *testEnv) eventsOf(t *testing.T, accountID string, types ...model.EventType) []*model.SecurityEvent {
	t.Helper()
	all, err := e.eventStore.ListByAccount(context.Background(), accountID, 0)
	require.NoError(t, err)

	var out []*model.SecurityEvent
	for i := len(all) - 1; i >= 0; i-- {
		if len(types) == 0 || containsType(types, all[i].EventType) {
			out = append(out, all[i])
		}
	}
	return out
}

func containsType(types []model.EventType, t model.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

var errDeliveryDown = errors.New("smtp relay unavailable")
