package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

const (
	// LogoutChannel carries single-session logout events.
	LogoutChannel = "authcore:logout"
	// LogoutAllChannel carries account-wide logout events.
	LogoutAllChannel = "authcore:logout:all"

	refreshTokenBytes = 32
	tokenTypeBearer   = "Bearer"
)

// Logout reasons recorded on logout events.
const (
	ReasonUserLogout     = "user_logout"
	ReasonExpired        = "expired"
	ReasonIPMismatch     = "ip_mismatch"
	ReasonPasswordChange = "password_change"
	ReasonAdmin          = "admin"
)

// LogoutEvent is published to Redis whenever sessions end, so other
// services holding cached sessions can drop them.
type LogoutEvent struct {
	Type      string `json:"type"` // "session" or "account"
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// SessionService issues, validates, refreshes and ends sessions. Expiry is
// evaluated lazily on every use; there is no revocation list.
type SessionService struct {
	sessions repository.SessionStore
	accounts repository.AccountStore
	tokens   *auth.TokenService
	events   *SecurityEventService
	settings *config.Settings
	rdb      *database.Redis
	clock    Clock
	log      *logger.Logger
}

// NewSessionService creates a SessionService. rdb may be nil, in which case
// logout events are not published.
func NewSessionService(
	sessions repository.SessionStore,
	accounts repository.AccountStore,
	tokens *auth.TokenService,
	events *SecurityEventService,
	settings *config.Settings,
	rdb *database.Redis,
	clock Clock,
	log *logger.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		accounts: accounts,
		tokens:   tokens,
		events:   events,
		settings: settings,
		rdb:      rdb,
		clock:    clockOrSystem(clock),
		log:      log.WithComponent("session_service"),
	}
}

// Issue creates a session for account and returns it with its raw tokens.
func (s *SessionService) Issue(ctx context.Context, account *model.Account, ip, userAgent string) (*model.IssuedSession, error) {
	cfg := s.settings.Current()
	now := s.clock.Now()

	sess := &model.Session{
		ID:        generateID("ses"),
		AccountID: account.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(account.SessionTimeout(cfg.Session.DefaultTimeout())),
		ClientIP:  ip,
		UserAgent: userAgent,
	}
	sess.TokenExpiresAt = tokenExpiry(now, cfg.Tokens.AccessTokenTTL, sess.ExpiresAt)

	access, refresh, err := s.newTokenPair(account, sess.ID, now, sess.TokenExpiresAt)
	if err != nil {
		return nil, err
	}
	sess.TokenHash = auth.HashToken(access)
	sess.RefreshTokenHash = auth.HashToken(refresh)

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Debug().Str("account_id", account.ID).Str("session_id", sess.ID).Time("expires_at", sess.ExpiresAt).Msg("session issued")
	return issued(sess, access, refresh, now), nil
}

// Validate checks expiry and the account's allowed address ranges against
// observedIP. A session past its absolute lifetime or seen from a disallowed
// address is deleted and a logout event is recorded. A lapsed access token
// fails with ErrSessionExpired but leaves the session refreshable.
func (s *SessionService) Validate(ctx context.Context, sess *model.Session, observedIP string) error {
	_, err := s.validate(ctx, sess, observedIP)
	return err
}

// IsValid validates the session against the address it was issued to.
func (s *SessionService) IsValid(ctx context.Context, sess *model.Session) bool {
	return s.Validate(ctx, sess, sess.ClientIP) == nil
}

func (s *SessionService) validate(ctx context.Context, sess *model.Session, observedIP string) (*model.Account, error) {
	// the stored record is authoritative: it may have been refreshed or ended
	stored, err := s.sessions.GetByID(ctx, sess.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess = stored

	now := s.clock.Now()
	if sess.IsExpiredAt(now) {
		s.end(ctx, sess, ReasonExpired, model.SeverityInfo, observedIP)
		return nil, ErrSessionExpired
	}
	if sess.TokenExpiredAt(now) {
		// kept for Refresh
		return nil, ErrSessionExpired
	}

	account, err := s.accounts.GetByID(ctx, sess.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		s.end(ctx, sess, ReasonExpired, model.SeverityInfo, observedIP)
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if !ipAllowed(account.AllowedIPRanges, observedIP) {
		s.end(ctx, sess, ReasonIPMismatch, model.SeverityWarning, observedIP)
		return nil, ErrSessionIPMismatch
	}
	return account, nil
}

// Authenticate resolves a bearer token to its session and account. The
// stored session is authoritative; the token signature is checked as well so
// a forged token with a colliding hash can never pass.
func (s *SessionService) Authenticate(ctx context.Context, rawToken, observedIP string) (*model.Session, *model.Account, error) {
	sess, err := s.sessions.GetByTokenHash(ctx, auth.HashToken(rawToken))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrSessionExpired
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	account, err := s.validate(ctx, sess, observedIP)
	if err != nil {
		return nil, nil, err
	}

	claims, err := s.tokens.Validate(rawToken)
	if err != nil || claims.SessionID != sess.ID || claims.Subject != sess.AccountID {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("stored token failed signature check")
		return nil, nil, ErrSessionExpired
	}
	return sess, account, nil
}

// Refresh rotates the token pair of the session identified by token. It
// returns nil when either token does not match; the stored session is left
// untouched in that case. The absolute expiry never moves.
func (s *SessionService) Refresh(ctx context.Context, token, refreshToken string) (*model.IssuedSession, error) {
	sess, err := s.sessions.GetByTokenHash(ctx, auth.HashToken(token))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	oldRefreshHash := sess.RefreshTokenHash
	if !auth.ConstantTimeEqual(auth.HashToken(refreshToken), oldRefreshHash) {
		return nil, nil
	}

	now := s.clock.Now()
	if !now.Before(sess.ExpiresAt) {
		s.end(ctx, sess, ReasonExpired, model.SeverityInfo, sess.ClientIP)
		return nil, ErrSessionExpired
	}

	account, err := s.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return nil, mapAccountErr(err, "failed to get account")
	}

	tokenExpiresAt := tokenExpiry(now, s.settings.Current().Tokens.AccessTokenTTL, sess.ExpiresAt)
	access, refresh, err := s.newTokenPair(account, sess.ID, now, tokenExpiresAt)
	if err != nil {
		return nil, err
	}

	newTokenHash := auth.HashToken(access)
	newRefreshHash := auth.HashToken(refresh)
	err = s.sessions.Rotate(ctx, sess.ID, oldRefreshHash, newTokenHash, newRefreshHash, tokenExpiresAt, now)
	if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate session tokens: %w", err)
	}

	sess.TokenHash = newTokenHash
	sess.RefreshTokenHash = newRefreshHash
	sess.TokenExpiresAt = tokenExpiresAt
	refreshedAt := now
	sess.RefreshedAt = &refreshedAt

	return issued(sess, access, refresh, now), nil
}

// Invalidate ends one session.
func (s *SessionService) Invalidate(ctx context.Context, sessionID, reason, ip, userAgent string) error {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionExpired
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.events.Record(ctx, sess.AccountID, model.EventLogout, model.SeverityInfo, ip, userAgent, map[string]interface{}{
		"session_id": sess.ID,
		"reason":     reason,
	})
	s.publishLogoutEvent(ctx, LogoutEvent{
		Type:      "session",
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		Reason:    reason,
		Timestamp: s.clock.Now().Unix(),
	})
	return nil
}

// InvalidateAll ends every session of the account except exceptID.
func (s *SessionService) InvalidateAll(ctx context.Context, accountID, exceptID, reason, ip, userAgent string) (int64, error) {
	n, err := s.sessions.DeleteByAccount(ctx, accountID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	if n > 0 {
		s.events.Record(ctx, accountID, model.EventLogout, model.SeverityInfo, ip, userAgent, map[string]interface{}{
			"reason":        reason,
			"revoked_count": n,
			"kept_session":  exceptID,
		})
	}
	s.publishLogoutEvent(ctx, LogoutEvent{
		Type:      "account",
		AccountID: accountID,
		SessionID: exceptID,
		Reason:    reason,
		Timestamp: s.clock.Now().Unix(),
	})
	s.log.Info().Str("account_id", accountID).Int64("count", n).Str("reason", reason).Msg("sessions invalidated")
	return n, nil
}

// ListSessions returns the account's live sessions.
func (s *SessionService) ListSessions(ctx context.Context, accountID string) ([]*model.Session, error) {
	all, err := s.sessions.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := s.clock.Now()
	live := all[:0]
	for _, sess := range all {
		if !sess.IsExpiredAt(now) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// PurgeExpired deletes sessions past their lifetime. It only reclaims
// storage; validation never depends on it having run.
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.clock.Now())
}

// SubscribeToLogoutEvents subscribes to logout events published by any
// instance. The returned cleanup func closes the subscription.
func (s *SessionService) SubscribeToLogoutEvents(ctx context.Context) (<-chan LogoutEvent, func(), error) {
	if s.rdb == nil {
		return nil, nil, errors.New("logout events require redis")
	}
	pubsub := s.rdb.Subscribe(ctx, LogoutChannel, LogoutAllChannel)

	eventCh := make(chan LogoutEvent, 100)

	go func() {
		defer close(eventCh)
		for msg := range pubsub.Channel() {
			var event LogoutEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Error().Err(err).Msg("failed to unmarshal logout event")
				continue
			}
			select {
			case eventCh <- event:
			default:
				s.log.Warn().Msg("logout event channel full, dropping event")
			}
		}
	}()

	cleanup := func() {
		pubsub.Close()
	}
	return eventCh, cleanup, nil
}

// end deletes a session that failed validation and records why.
func (s *SessionService) end(ctx context.Context, sess *model.Session, reason string, severity model.Severity, observedIP string) {
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// already ended by a concurrent request
			return
		}
		s.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to delete invalid session")
	}

	s.events.Record(ctx, sess.AccountID, model.EventLogout, severity, observedIP, sess.UserAgent, map[string]interface{}{
		"session_id": sess.ID,
		"reason":     reason,
	})
	s.publishLogoutEvent(ctx, LogoutEvent{
		Type:      "session",
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		Reason:    reason,
		Timestamp: s.clock.Now().Unix(),
	})
}

func (s *SessionService) publishLogoutEvent(ctx context.Context, event LogoutEvent) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal logout event")
		return
	}

	channel := LogoutChannel
	if event.Type == "account" {
		channel = LogoutAllChannel
	}
	if _, err := s.rdb.Publish(ctx, channel, string(data)); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("failed to publish logout event")
		return
	}

	s.log.Debug().
		Str("type", event.Type).
		Str("account_id", event.AccountID).
		Str("session_id", event.SessionID).
		Str("channel", channel).
		Msg("logout event published")
}

func (s *SessionService) newTokenPair(account *model.Account, sessionID string, now, expiresAt time.Time) (string, string, error) {
	access, err := s.tokens.Sign(account.ID, sessionID, account.Role, now, expiresAt)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := auth.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func tokenExpiry(now time.Time, ttl time.Duration, sessionExpiry time.Time) time.Time {
	t := now.Add(ttl)
	if t.After(sessionExpiry) {
		return sessionExpiry
	}
	return t
}

func issued(sess *model.Session, access, refresh string, now time.Time) *model.IssuedSession {
	return &model.IssuedSession{
		Session:      sess,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int(sess.TokenExpiresAt.Sub(now).Seconds()),
	}
}

// ipAllowed reports whether ip falls inside one of ranges. An empty list
// allows every address; an unparseable address is never allowed.
func ipAllowed(ranges []string, ip string) bool {
	if len(ranges) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if strings.Contains(r, "/") {
			prefix, err := netip.ParsePrefix(r)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(r)
		if err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}
