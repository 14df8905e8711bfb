package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// AuthStatus is the outcome of an authentication step.
type AuthStatus string

const (
	AuthAuthenticated AuthStatus = "authenticated"
	AuthMFARequired   AuthStatus = "mfa_required"
	AuthLockedOut     AuthStatus = "locked_out"
	AuthRejected      AuthStatus = "rejected"
)

// LoginRequest holds the credentials and client context of a login attempt.
type LoginRequest struct {
	Email     string
	Password  string
	ClientIP  string
	UserAgent string
}

// AuthResult is the discriminated result of Authenticate and VerifyMFA.
// Only the fields of the matching Status are set.
type AuthResult struct {
	Status AuthStatus `json:"status"`

	// Authenticated
	Session         *model.IssuedSession `json:"session,omitempty"`
	Account         *model.Account       `json:"account,omitempty"`
	PasswordExpired bool                 `json:"passwordExpired,omitempty"`

	// MFARequired
	Challenge *IssuedChallenge `json:"challenge,omitempty"`

	// LockedOut
	RetryAfter time.Duration `json:"-"`
}

// AuthService sequences credential checks, lockout, MFA and session issuance.
// Authentication outcomes are returned as AuthResult; errors are reserved
// for infrastructure failures.
type AuthService struct {
	accounts repository.AccountStore
	history  repository.PasswordHistoryStore
	lockout  *LockoutTracker
	mfa      *MFAService
	sessions *SessionService
	events   *SecurityEventService
	settings *config.Settings
	hashing  *auth.Argon2Params
	clock    Clock
	log      *logger.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	accounts repository.AccountStore,
	history repository.PasswordHistoryStore,
	lockout *LockoutTracker,
	mfa *MFAService,
	sessions *SessionService,
	events *SecurityEventService,
	settings *config.Settings,
	clock Clock,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		accounts: accounts,
		history:  history,
		lockout:  lockout,
		mfa:      mfa,
		sessions: sessions,
		events:   events,
		settings: settings,
		hashing:  auth.ParamsFromConfig(settings.Current().Hashing),
		clock:    clockOrSystem(clock),
		log:      log.WithComponent("auth_service"),
	}
}

// Authenticate checks credentials. A locked account is reported as
// LockedOut without comparing the password; the attempt that triggers the
// lock is reported as Rejected like any other wrong password. Correct
// credentials from an address outside the account's allowed ranges are
// Rejected before any challenge or session is issued.
func (s *AuthService) Authenticate(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		auth.DummyVerify(req.Password, s.hashing)
		s.events.Record(ctx, "", model.EventFailedLogin, model.SeverityWarning, req.ClientIP, req.UserAgent, map[string]interface{}{
			"email":  email,
			"reason": "unknown_account",
		})
		return rejected(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if s.lockout.IsLocked(account) {
		s.events.Record(ctx, account.ID, model.EventFailedLogin, model.SeverityWarning, req.ClientIP, req.UserAgent, map[string]interface{}{
			"reason": "account_locked",
		})
		return &AuthResult{Status: AuthLockedOut, RetryAfter: s.lockout.RetryAfter(account)}, nil
	}

	match, err := auth.VerifyPassword(req.Password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !match {
		updated, err := s.lockout.RecordFailure(ctx, account.ID, req.ClientIP, req.UserAgent)
		if err != nil {
			return nil, err
		}
		s.events.Record(ctx, account.ID, model.EventFailedLogin, model.SeverityWarning, req.ClientIP, req.UserAgent, map[string]interface{}{
			"reason":          "invalid_password",
			"failed_attempts": updated.LoginAttempts,
		})
		return rejected(), nil
	}

	if !ipAllowed(account.AllowedIPRanges, req.ClientIP) {
		s.rejectAddress(ctx, account.ID, req.ClientIP, req.UserAgent, "")
		return rejected(), nil
	}

	account, err = s.lockout.RecordSuccess(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	if account.RequiresMFA() {
		ch, err := s.mfa.IssueChallenge(ctx, account, req.ClientIP, req.UserAgent)
		if err != nil {
			return nil, err
		}
		return &AuthResult{Status: AuthMFARequired, Challenge: ch}, nil
	}

	return s.complete(ctx, account, req.ClientIP, req.UserAgent, model.MFAMethodNone)
}

// VerifyMFA completes a login that is waiting on a second factor. A wrong
// code is Rejected and the challenge stays usable until it expires.
func (s *AuthService) VerifyMFA(ctx context.Context, challengeID, code, ip, userAgent string) (*AuthResult, error) {
	accountID, ok, err := s.mfa.Verify(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.events.Record(ctx, accountID, model.EventFailedLogin, model.SeverityWarning, ip, userAgent, map[string]interface{}{
			"reason":       "mfa_failed",
			"challenge_id": challengeID,
		})
		return rejected(), nil
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return rejected(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if s.lockout.IsLocked(account) {
		return &AuthResult{Status: AuthLockedOut, RetryAfter: s.lockout.RetryAfter(account)}, nil
	}
	if !ipAllowed(account.AllowedIPRanges, ip) {
		s.rejectAddress(ctx, account.ID, ip, userAgent, challengeID)
		return rejected(), nil
	}

	return s.complete(ctx, account, ip, userAgent, account.MFAMethod)
}

// rejectAddress records a sign-in refused because the client address is
// outside the account's allowed ranges. The lockout counter is untouched.
func (s *AuthService) rejectAddress(ctx context.Context, accountID, ip, userAgent, challengeID string) {
	details := map[string]interface{}{"reason": "ip_not_allowed"}
	if challengeID != "" {
		details["challenge_id"] = challengeID
	}
	s.events.Record(ctx, accountID, model.EventFailedLogin, model.SeverityWarning, ip, userAgent, details)
}

// RefreshSession rotates a session's tokens. A nil session means the token
// pair did not match.
func (s *AuthService) RefreshSession(ctx context.Context, token, refreshToken string) (*model.IssuedSession, error) {
	return s.sessions.Refresh(ctx, token, refreshToken)
}

// CheckSession reports whether sess is still usable from its own address.
func (s *AuthService) CheckSession(ctx context.Context, sess *model.Session) bool {
	return s.sessions.IsValid(ctx, sess)
}

// Logout ends the session.
func (s *AuthService) Logout(ctx context.Context, sessionID, ip, userAgent string) error {
	return s.sessions.Invalidate(ctx, sessionID, ReasonUserLogout, ip, userAgent)
}

// ValidatePassword checks a candidate password against the live policy.
func (s *AuthService) ValidatePassword(password string) error {
	return auth.ValidatePassword(password, s.settings.Current().PasswordPolicy)
}

// ChangePassword replaces the account's password after checking the current
// one, the policy and, when enabled, recent history. Every other session of
// the account is ended.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, currentSessionID, currentPassword, newPassword, ip, userAgent string) error {
	policy := s.settings.Current().PasswordPolicy

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return mapAccountErr(err, "failed to get account")
	}

	match, err := auth.VerifyPassword(currentPassword, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}

	if err := auth.ValidatePassword(newPassword, policy); err != nil {
		return err
	}

	if policy.PreventPasswordReuse {
		reused, err := s.isReused(ctx, account, newPassword, policy.HistoryDepth)
		if err != nil {
			return err
		}
		if reused {
			return ErrPasswordReused
		}
	}

	newHash, err := auth.HashPassword(newPassword, s.hashing)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock.Now()
	oldHash := account.PasswordHash
	if _, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		a.PasswordHash = newHash
		a.PasswordLastChanged = now
		return nil
	}); err != nil {
		return mapAccountErr(err, "failed to update password")
	}

	if err := s.history.Add(ctx, accountID, oldHash, now); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to record password history")
	}

	s.events.Record(ctx, accountID, model.EventPasswordChange, model.SeverityInfo, ip, userAgent, nil)

	if _, err := s.sessions.InvalidateAll(ctx, accountID, currentSessionID, ReasonPasswordChange, ip, userAgent); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to end other sessions after password change")
	}

	s.log.Info().Str("account_id", accountID).Msg("password changed")
	return nil
}

func (s *AuthService) isReused(ctx context.Context, account *model.Account, password string, depth int) (bool, error) {
	if ok, _ := auth.VerifyPassword(password, account.PasswordHash); ok {
		return true, nil
	}
	if depth <= 0 {
		return false, nil
	}
	hashes, err := s.history.Recent(ctx, account.ID, depth)
	if err != nil {
		return false, fmt.Errorf("failed to load password history: %w", err)
	}
	for _, h := range hashes {
		if ok, _ := auth.VerifyPassword(password, h); ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *AuthService) complete(ctx context.Context, account *model.Account, ip, userAgent string, method model.MFAMethod) (*AuthResult, error) {
	issued, err := s.sessions.Issue(ctx, account, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, account.ID, model.EventLogin, model.SeverityInfo, ip, userAgent, map[string]interface{}{
		"session_id": issued.Session.ID,
		"mfa_method": string(method),
	})

	expired := auth.IsPasswordExpired(account.PasswordLastChanged, s.settings.Current().PasswordPolicy.ExpiryDays, s.clock.Now())
	return &AuthResult{
		Status:          AuthAuthenticated,
		Session:         issued,
		Account:         account,
		PasswordExpired: expired,
	}, nil
}

func rejected() *AuthResult {
	return &AuthResult{Status: AuthRejected}
}
