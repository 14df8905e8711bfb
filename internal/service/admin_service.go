package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// CreateAccountRequest describes an account provisioned by an administrator.
type CreateAccountRequest struct {
	Email                 string
	Password              string
	Role                  string
	Roles                 []string
	Phone                 string
	AllowedIPRanges       []string
	SessionTimeoutMinutes int
}

// AccountAccess is the per-account network and session restriction.
type AccountAccess struct {
	AllowedIPRanges       []string `json:"allowedIpRanges"`
	SessionTimeoutMinutes int      `json:"sessionTimeoutMinutes"`
}

// Actor identifies the administrator performing a change.
type Actor struct {
	AccountID string
	IP        string
	UserAgent string
}

// AdminService performs privileged account and configuration changes.
type AdminService struct {
	accounts    repository.AccountStore
	history     repository.PasswordHistoryStore
	lockout     *LockoutTracker
	sessions    *SessionService
	permissions *PermissionResolver
	events      *SecurityEventService
	settings    *config.Settings
	clock       Clock
	log         *logger.Logger
}

// NewAdminService creates an AdminService.
func NewAdminService(
	accounts repository.AccountStore,
	history repository.PasswordHistoryStore,
	lockout *LockoutTracker,
	sessions *SessionService,
	permissions *PermissionResolver,
	events *SecurityEventService,
	settings *config.Settings,
	clock Clock,
	log *logger.Logger,
) *AdminService {
	return &AdminService{
		accounts:    accounts,
		history:     history,
		lockout:     lockout,
		sessions:    sessions,
		permissions: permissions,
		events:      events,
		settings:    settings,
		clock:       clockOrSystem(clock),
		log:         log.WithComponent("admin_service"),
	}
}

// CreateAccount provisions an account with a policy-compliant password.
func (s *AdminService) CreateAccount(ctx context.Context, req CreateAccountRequest, actor Actor) (*model.Account, error) {
	cfg := s.settings.Current()

	if req.Role == "" {
		req.Role = model.RoleUser
	}
	if err := s.checkRoles(req.Role, req.Roles); err != nil {
		return nil, err
	}
	if err := validateRanges(req.AllowedIPRanges); err != nil {
		return nil, err
	}
	if err := auth.ValidatePassword(req.Password, cfg.PasswordPolicy); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password, auth.ParamsFromConfig(cfg.Hashing))
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock.Now()
	account := &model.Account{
		ID:                    generateID("acc"),
		Email:                 strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash:          hash,
		Role:                  req.Role,
		Roles:                 req.Roles,
		MFAMethod:             model.MFAMethodNone,
		Phone:                 req.Phone,
		PasswordLastChanged:   now,
		AllowedIPRanges:       req.AllowedIPRanges,
		SessionTimeoutMinutes: req.SessionTimeoutMinutes,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.events.Record(ctx, account.ID, model.EventRoleChange, model.SeverityInfo, actor.IP, actor.UserAgent, map[string]interface{}{
		"action":     "account_created",
		"role":       account.Role,
		"roles":      account.Roles,
		"changed_by": actor.AccountID,
	})
	s.log.Info().Str("account_id", account.ID).Str("role", account.Role).Str("admin_id", actor.AccountID).Msg("account created")
	return account, nil
}

// GetAccount returns an account by ID.
func (s *AdminService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, mapAccountErr(err, "failed to get account")
	}
	return account, nil
}

// Unlock clears an account's lockout.
func (s *AdminService) Unlock(ctx context.Context, accountID string, actor Actor) (*model.Account, error) {
	return s.lockout.Unlock(ctx, accountID, actor.AccountID, actor.IP, actor.UserAgent)
}

// SetRoles replaces the account's primary and additional roles. Permission
// checks read roles from the account, so the change applies to the next
// request without touching live sessions.
func (s *AdminService) SetRoles(ctx context.Context, accountID, role string, roles []string, actor Actor) (*model.Account, error) {
	if err := s.checkRoles(role, roles); err != nil {
		return nil, err
	}

	var oldRole string
	var oldRoles []string
	account, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		oldRole, oldRoles = a.Role, a.Roles
		a.Role = role
		a.Roles = roles
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err, "failed to update roles")
	}

	s.events.Record(ctx, accountID, model.EventRoleChange, model.SeverityWarning, actor.IP, actor.UserAgent, map[string]interface{}{
		"old_role":   oldRole,
		"old_roles":  oldRoles,
		"new_role":   role,
		"new_roles":  roles,
		"changed_by": actor.AccountID,
	})
	return account, nil
}

// SetAccess updates the account's allowed address ranges and session timeout.
func (s *AdminService) SetAccess(ctx context.Context, accountID string, access AccountAccess, actor Actor) (*model.Account, error) {
	if err := validateRanges(access.AllowedIPRanges); err != nil {
		return nil, err
	}
	if access.SessionTimeoutMinutes < 0 {
		return nil, fmt.Errorf("%w: session timeout must not be negative", ErrInvalidSettings)
	}

	account, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		a.AllowedIPRanges = access.AllowedIPRanges
		a.SessionTimeoutMinutes = access.SessionTimeoutMinutes
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err, "failed to update account access")
	}

	s.events.Record(ctx, accountID, model.EventPermissionChange, model.SeverityWarning, actor.IP, actor.UserAgent, map[string]interface{}{
		"setting":                 "account_access",
		"allowed_ip_ranges":       access.AllowedIPRanges,
		"session_timeout_minutes": access.SessionTimeoutMinutes,
		"changed_by":              actor.AccountID,
	})
	return account, nil
}

// RevokeSessions ends every session of the account.
func (s *AdminService) RevokeSessions(ctx context.Context, accountID string, actor Actor) (int64, error) {
	return s.sessions.InvalidateAll(ctx, accountID, "", ReasonAdmin, actor.IP, actor.UserAgent)
}

// PasswordPolicy returns the live password policy.
func (s *AdminService) PasswordPolicy() config.PasswordPolicy {
	return s.settings.Current().PasswordPolicy
}

// UpdatePasswordPolicy validates and publishes a new password policy.
func (s *AdminService) UpdatePasswordPolicy(ctx context.Context, policy config.PasswordPolicy, actor Actor) (config.PasswordPolicy, error) {
	next, err := s.settings.Update(func(c *config.SecurityConfig) {
		c.PasswordPolicy = policy
	})
	if err != nil {
		return next.PasswordPolicy, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	s.events.Record(ctx, actor.AccountID, model.EventPermissionChange, model.SeverityWarning, actor.IP, actor.UserAgent, map[string]interface{}{
		"setting": "password_policy",
		"value":   next.PasswordPolicy,
	})
	return next.PasswordPolicy, nil
}

// UpdateSessionSettings validates and publishes new session defaults.
func (s *AdminService) UpdateSessionSettings(ctx context.Context, session config.SessionConfig, actor Actor) (config.SessionConfig, error) {
	next, err := s.settings.Update(func(c *config.SecurityConfig) {
		c.Session = session
	})
	if err != nil {
		return next.Session, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	s.events.Record(ctx, actor.AccountID, model.EventPermissionChange, model.SeverityWarning, actor.IP, actor.UserAgent, map[string]interface{}{
		"setting": "session",
		"value":   next.Session,
	})
	return next.Session, nil
}

func (s *AdminService) checkRoles(role string, roles []string) error {
	if !s.permissions.KnownRole(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	for _, r := range roles {
		if !s.permissions.KnownRole(r) {
			return fmt.Errorf("%w: %s", ErrUnknownRole, r)
		}
	}
	return nil
}

func validateRanges(ranges []string) error {
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		var err error
		if strings.Contains(r, "/") {
			_, err = netip.ParsePrefix(r)
		} else {
			_, err = netip.ParseAddr(r)
		}
		if err != nil {
			return fmt.Errorf("%w: invalid address range %q", ErrInvalidSettings, r)
		}
	}
	return nil
}
