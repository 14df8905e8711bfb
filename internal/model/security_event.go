package model

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventLogin            EventType = "login"
	EventLogout           EventType = "logout"
	EventFailedLogin      EventType = "failed_login"
	EventPasswordChange   EventType = "password_change"
	EventMFASetup         EventType = "mfa_setup"
	EventAccountLocked    EventType = "account_locked"
	EventAccountUnlocked  EventType = "account_unlocked"
	EventPasswordReset    EventType = "password_reset"
	EventRoleChange       EventType = "role_change"
	EventPermissionChange EventType = "permission_change"
)

// Severity ranks a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"accountId"`
	EventType EventType              `json:"eventType"`
	Timestamp time.Time              `json:"timestamp"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  Severity               `json:"severity"`
}
