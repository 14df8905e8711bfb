package service

import "errors"

// Service-level errors. Authentication outcomes are reported through
// AuthResult; these are returned where a caller needs to branch on the reason.
var (
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrChallengeExpiredOrInvalid = errors.New("verification challenge is expired or invalid")
	ErrSessionExpired            = errors.New("session expired")
	ErrSessionIPMismatch         = errors.New("client address not allowed for this account")
	ErrPermissionDenied          = errors.New("permission denied")
	ErrAccountNotFound           = errors.New("account not found")
	ErrMFAAlreadyEnrolled        = errors.New("TOTP is already enrolled")
	ErrMFANotPending             = errors.New("no pending TOTP enrollment")
	ErrInvalidMFAMethod          = errors.New("unsupported MFA method")
	ErrPasswordReused            = errors.New("password was used recently")
	ErrUnknownRole               = errors.New("unknown role")
	ErrInvalidSettings           = errors.New("invalid security settings")
)
