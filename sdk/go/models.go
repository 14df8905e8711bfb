package authcore

import "time"

// Account is the identity attached to a session.
type Account struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	Role                  string    `json:"role"`
	Roles                 []string  `json:"roles,omitempty"`
	MFAEnabled            bool      `json:"mfaEnabled"`
	MFAMethod             string    `json:"mfaMethod"`
	SessionTimeoutMinutes int       `json:"sessionTimeoutMinutes"`
	PasswordLastChanged   time.Time `json:"passwordLastChanged"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Session describes a live session as reported by the server.
type Session struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
	ClientIP       string    `json:"clientIp"`
}

// SessionInfo is the result of a session check: the session, its account
// and the account's effective roles and permission names.
type SessionInfo struct {
	Valid       bool     `json:"valid"`
	Session     Session  `json:"session"`
	Account     Account  `json:"account"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Can reports whether the session's account holds resource:action. It uses
// the permission list returned with the session check.
func (s *SessionInfo) Can(resource, action string) bool {
	return s.HasPermission(resource + ":" + action)
}

// HasPermission reports whether the named permission was granted.
func (s *SessionInfo) HasPermission(name string) bool {
	for _, p := range s.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// HasRole reports whether role is among the account's effective roles.
func (s *SessionInfo) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LoginRequest contains the credentials for authentication.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Tokens is returned whenever a session is issued or refreshed.
type Tokens struct {
	Status           string    `json:"status"`
	SessionID        string    `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int       `json:"expiresIn"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
	PasswordExpired  bool      `json:"passwordExpired,omitempty"`
	Account          *Account  `json:"account,omitempty"`
}

// MFAChallenge is returned when a second factor must be verified.
type MFAChallenge struct {
	Status      string    `json:"status"`
	ChallengeID string    `json:"challengeId"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// LoginResult wraps the login response, which is either a session or an
// MFA challenge.
type LoginResult struct {
	// Tokens is set when authentication succeeds without MFA.
	Tokens *Tokens

	// MFARequired is set when a second factor must be verified.
	MFARequired *MFAChallenge
}

// AuthzDecision is the answer of the authorization check endpoint.
type AuthzDecision struct {
	Allowed    bool   `json:"allowed"`
	Permission string `json:"permission"`
}
