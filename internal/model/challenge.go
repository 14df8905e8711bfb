package model

import (
	"time"
)

// VerificationChallenge is a short-lived second-factor challenge tied to one
// account. Only the SHA-256 of the code is kept; TOTP challenges carry no
// code and are checked against the account's secret instead.
type VerificationChallenge struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Method    MFAMethod `json:"method"`
	CodeHash  string    `json:"codeHash,omitempty"`
	ClientIP  string    `json:"clientIp,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsExpiredAt reports whether the challenge can no longer be used.
func (c *VerificationChallenge) IsExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ConsumeResult is the outcome of an atomic compare-and-delete on a challenge.
type ConsumeResult int

const (
	// ChallengeMissing means no challenge exists for the handle.
	ChallengeMissing ConsumeResult = iota
	// ChallengeExpired means the challenge had expired and was deleted.
	ChallengeExpired
	// ChallengeMismatch means the supplied code was wrong; the challenge stays live.
	ChallengeMismatch
	// ChallengeConsumed means the code matched and the challenge was deleted.
	ChallengeConsumed
)

// TOTPSetup is returned when enrolling an authenticator app.
type TOTPSetup struct {
	Secret    string `json:"secret"`
	QRCode    string `json:"qrCode"` // base64-encoded PNG
	Issuer    string `json:"issuer"`
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
}
