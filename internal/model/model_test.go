package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccountIsLockedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)
	a := &Account{LockedUntil: &until}

	assert.True(t, a.IsLockedAt(now))
	assert.True(t, a.IsLockedAt(until.Add(-time.Nanosecond)))
	assert.False(t, a.IsLockedAt(until), "lockout ends exactly at lockedUntil")
	assert.False(t, (&Account{}).IsLockedAt(now))
}

func TestAccountSessionTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Minute, (&Account{}).SessionTimeout(30*time.Minute))
	assert.Equal(t, 8*time.Hour, (&Account{SessionTimeoutMinutes: 480}).SessionTimeout(30*time.Minute))
}

func TestAccountCloneIsDeep(t *testing.T) {
	until := time.Now()
	a := &Account{Roles: []string{"agent"}, AllowedIPRanges: []string{"10.0.0.0/8"}, LockedUntil: &until}
	c := a.Clone()

	c.Roles[0] = "admin"
	c.AllowedIPRanges[0] = "0.0.0.0/0"
	*c.LockedUntil = until.Add(time.Hour)

	assert.Equal(t, "agent", a.Roles[0])
	assert.Equal(t, "10.0.0.0/8", a.AllowedIPRanges[0])
	assert.Equal(t, until, *a.LockedUntil)
}

func TestRequiresMFA(t *testing.T) {
	assert.False(t, (&Account{MFAEnabled: true, MFAMethod: MFAMethodNone}).RequiresMFA())
	assert.False(t, (&Account{MFAEnabled: false, MFAMethod: MFAMethodTOTP}).RequiresMFA())
	assert.True(t, (&Account{MFAEnabled: true, MFAMethod: MFAMethodSMS}).RequiresMFA())
}

func TestDefaultPermissionTableIsClosed(t *testing.T) {
	table := DefaultPermissionTable()

	ids := make(map[string]bool, len(table.Permissions))
	for _, p := range table.Permissions {
		ids[p.ID] = true
	}
	for _, rp := range table.RolePermissions {
		assert.True(t, ids[rp.PermissionID], "grant references unknown permission %s", rp.PermissionID)
	}
}

func TestSessionIsExpiredAt(t *testing.T) {
	now := time.Now()
	s := &Session{IssuedAt: now, ExpiresAt: now.Add(30 * time.Minute), TokenExpiresAt: now.Add(30 * time.Minute)}

	assert.False(t, s.IsExpiredAt(now))
	assert.True(t, s.IsExpiredAt(now.Add(30*time.Minute)))

	s.TokenExpiresAt = now.Add(10 * time.Minute)
	assert.False(t, s.IsExpiredAt(now.Add(10*time.Minute)), "token lapse leaves the session alive")
	assert.True(t, s.TokenExpiredAt(now.Add(10*time.Minute)))
	assert.False(t, s.TokenExpiredAt(now.Add(9*time.Minute)))
	assert.True(t, s.TokenExpiredAt(now.Add(30*time.Minute)))
}
