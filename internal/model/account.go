package model

import (
	"time"
)

// MFAMethod is the second factor an account verifies with.
type MFAMethod string

const (
	MFAMethodNone  MFAMethod = "none"
	MFAMethodTOTP  MFAMethod = "totp"
	MFAMethodEmail MFAMethod = "email"
	MFAMethodSMS   MFAMethod = "sms"
)

// Valid reports whether m is one of the supported methods.
func (m MFAMethod) Valid() bool {
	switch m {
	case MFAMethodNone, MFAMethodTOTP, MFAMethodEmail, MFAMethodSMS:
		return true
	}
	return false
}

// Role names used by the service desk.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleAgent   = "agent"
	RoleUser    = "user"
)

// Account is an identity together with its security posture.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Roles        []string  `json:"roles,omitempty"`
	MFAEnabled   bool      `json:"mfaEnabled"`
	MFAMethod    MFAMethod `json:"mfaMethod"`
	TOTPSecret   string    `json:"-"`
	Phone        string    `json:"phone,omitempty"`

	LoginAttempts       int        `json:"-"`
	LockedUntil         *time.Time `json:"lockedUntil,omitempty"`
	PasswordLastChanged time.Time  `json:"passwordLastChanged"`

	// AllowedIPRanges holds CIDR blocks or single addresses. Empty means unrestricted.
	AllowedIPRanges []string `json:"allowedIpRanges,omitempty"`
	// SessionTimeoutMinutes of zero falls back to the configured default.
	SessionTimeoutMinutes int `json:"sessionTimeoutMinutes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsLockedAt reports whether the lockout window is still open at now.
// A lockedUntil in the past means the account is implicitly unlocked.
func (a *Account) IsLockedAt(now time.Time) bool {
	if a.LockedUntil == nil {
		return false
	}
	return now.Before(*a.LockedUntil)
}

// SessionTimeout returns the per-account session lifetime, or def if unset.
func (a *Account) SessionTimeout(def time.Duration) time.Duration {
	if a.SessionTimeoutMinutes <= 0 {
		return def
	}
	return time.Duration(a.SessionTimeoutMinutes) * time.Minute
}

// RequiresMFA reports whether a second factor must be verified at login.
func (a *Account) RequiresMFA() bool {
	return a.MFAEnabled && a.MFAMethod != "" && a.MFAMethod != MFAMethodNone
}

// Clone returns a deep copy so stores can hand out values callers may mutate.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Roles != nil {
		c.Roles = append([]string(nil), a.Roles...)
	}
	if a.AllowedIPRanges != nil {
		c.AllowedIPRanges = append([]string(nil), a.AllowedIPRanges...)
	}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}
