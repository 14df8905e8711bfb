package memory

import "github.com/servicedesk/authcore/internal/repository"

var (
	_ repository.AccountStore         = (*AccountStore)(nil)
	_ repository.ChallengeStore       = (*ChallengeStore)(nil)
	_ repository.SessionStore         = (*SessionStore)(nil)
	_ repository.EventStore           = (*EventStore)(nil)
	_ repository.PasswordHistoryStore = (*PasswordHistoryStore)(nil)
	_ repository.PermissionStore      = (*PermissionStore)(nil)
	_ repository.KeyStore             = (*KeyStore)(nil)
)
