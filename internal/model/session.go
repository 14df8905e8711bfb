package model

import (
	"time"
)

// Session is an authenticated actor's grant. Tokens are stored only as
// SHA-256 hashes; the raw values are handed out once in IssuedSession.
type Session struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"accountId"`
	TokenHash        string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	IssuedAt         time.Time  `json:"issuedAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	TokenExpiresAt   time.Time  `json:"tokenExpiresAt"`
	ClientIP         string     `json:"clientIp"`
	UserAgent        string     `json:"userAgent,omitempty"`
	RefreshedAt      *time.Time `json:"refreshedAt,omitempty"`
}

// IsExpiredAt reports whether the absolute lifetime has elapsed. An expired
// session can no longer be refreshed.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenExpiredAt reports whether the current access token has lapsed. The
// session itself stays refreshable until IsExpiredAt.
func (s *Session) TokenExpiredAt(now time.Time) bool {
	return s.IsExpiredAt(now) || !now.Before(s.TokenExpiresAt)
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.RefreshedAt != nil {
		t := *s.RefreshedAt
		c.RefreshedAt = &t
	}
	return &c
}

// IssuedSession is a session together with the raw tokens returned to the
// client exactly once.
type IssuedSession struct {
	Session      *Session `json:"session"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	TokenType    string   `json:"tokenType"`
	ExpiresIn    int      `json:"expiresIn"`
}
