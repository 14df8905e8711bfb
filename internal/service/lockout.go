package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// LockoutTracker counts consecutive failed logins and locks accounts that
// exceed the configured threshold.
type LockoutTracker struct {
	accounts repository.AccountStore
	events   *SecurityEventService
	settings *config.Settings
	clock    Clock
	log      *logger.Logger
}

// NewLockoutTracker creates a LockoutTracker.
func NewLockoutTracker(accounts repository.AccountStore, events *SecurityEventService, settings *config.Settings, clock Clock, log *logger.Logger) *LockoutTracker {
	return &LockoutTracker{
		accounts: accounts,
		events:   events,
		settings: settings,
		clock:    clockOrSystem(clock),
		log:      log.WithComponent("lockout"),
	}
}

// RecordFailure increments the failed attempt counter. When the counter
// reaches the threshold the account is locked and account_locked is emitted.
// A lock that has already elapsed is cleared first so the account gets a
// fresh set of attempts.
func (t *LockoutTracker) RecordFailure(ctx context.Context, accountID, ip, userAgent string) (*model.Account, error) {
	policy := t.settings.Current().Lockout
	now := t.clock.Now()
	locked := false

	account, err := t.accounts.Update(ctx, accountID, func(a *model.Account) error {
		if a.LockedUntil != nil && !a.IsLockedAt(now) {
			a.LockedUntil = nil
			a.LoginAttempts = 0
		}
		a.LoginAttempts++
		if a.LoginAttempts >= policy.MaxAttempts && a.LockedUntil == nil {
			until := now.Add(policy.Duration)
			a.LockedUntil = &until
			locked = true
		}
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err, "failed to record login failure")
	}

	if locked {
		t.log.Warn().Str("account_id", accountID).Int("attempts", account.LoginAttempts).Msg("account locked")
		t.events.Record(ctx, accountID, model.EventAccountLocked, model.SeverityCritical, ip, userAgent, map[string]interface{}{
			"attempts":     account.LoginAttempts,
			"locked_until": account.LockedUntil.Format(time.RFC3339),
		})
	}
	return account, nil
}

// RecordSuccess resets the counter after a correct password.
func (t *LockoutTracker) RecordSuccess(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := t.accounts.Update(ctx, accountID, func(a *model.Account) error {
		a.LoginAttempts = 0
		a.LockedUntil = nil
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err, "failed to reset login attempts")
	}
	return account, nil
}

// IsLocked reports whether account is inside its lockout window. An elapsed
// window unlocks the account implicitly and emits nothing.
func (t *LockoutTracker) IsLocked(account *model.Account) bool {
	return account.IsLockedAt(t.clock.Now())
}

// RetryAfter is the time left in the lockout window, or zero.
func (t *LockoutTracker) RetryAfter(account *model.Account) time.Duration {
	now := t.clock.Now()
	if !account.IsLockedAt(now) {
		return 0
	}
	return account.LockedUntil.Sub(now)
}

// Unlock clears the lockout state on behalf of an administrator.
func (t *LockoutTracker) Unlock(ctx context.Context, accountID, adminID, ip, userAgent string) (*model.Account, error) {
	account, err := t.accounts.Update(ctx, accountID, func(a *model.Account) error {
		a.LoginAttempts = 0
		a.LockedUntil = nil
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err, "failed to unlock account")
	}

	t.events.Record(ctx, accountID, model.EventAccountUnlocked, model.SeverityInfo, ip, userAgent, map[string]interface{}{
		"unlocked_by": adminID,
	})
	t.log.Info().Str("account_id", accountID).Str("admin_id", adminID).Msg("account unlocked by administrator")
	return account, nil
}

func mapAccountErr(err error, msg string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAccountNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
