package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

func TestIssueSessionLifetimes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := e.clock.Now()

	short := e.createAccount(t, "short@example.com", nil)
	issued, err := e.sessionSvc.Issue(ctx, short, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), issued.Session.ExpiresAt)
	assert.Equal(t, issued.Session.ExpiresAt, issued.Session.TokenExpiresAt, "token lifetime is capped by the session")
	assert.Equal(t, 1800, issued.ExpiresIn)
	assert.Equal(t, "Bearer", issued.TokenType)

	long := e.createAccount(t, "long@example.com", func(a *model.Account) { a.SessionTimeoutMinutes = 480 })
	issued, err = e.sessionSvc.Issue(ctx, long, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, now.Add(8*time.Hour), issued.Session.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), issued.Session.TokenExpiresAt)

	stored, err := e.sessions.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.HashToken(issued.AccessToken), stored.TokenHash)
	assert.Equal(t, auth.HashToken(issued.RefreshToken), stored.RefreshTokenHash)
}

func TestSessionExpiresAndIsDeleted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.True(t, e.sessionSvc.IsValid(ctx, issued.Session))

	e.clock.Advance(30 * time.Minute)
	assert.ErrorIs(t, e.sessionSvc.Validate(ctx, issued.Session, "10.0.0.1"), ErrSessionExpired)

	_, err = e.sessions.GetByID(ctx, issued.Session.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	logouts := e.eventsOf(t, acc.ID, model.EventLogout)
	require.Len(t, logouts, 1)
	assert.Equal(t, model.SeverityInfo, logouts[0].Severity)
	assert.Equal(t, ReasonExpired, logouts[0].Details["reason"])
}

func TestSessionRejectsAddressOutsideAllowedRanges(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) {
		a.AllowedIPRanges = []string{"10.0.0.0/8", "192.168.5.7"}
	})

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.1.2.3", "test")
	require.NoError(t, err)

	assert.NoError(t, e.sessionSvc.Validate(ctx, issued.Session, "10.200.0.1"))
	assert.NoError(t, e.sessionSvc.Validate(ctx, issued.Session, "192.168.5.7"))
	assert.ErrorIs(t, e.sessionSvc.Validate(ctx, issued.Session, "172.16.0.1"), ErrSessionIPMismatch)

	logouts := e.eventsOf(t, acc.ID, model.EventLogout)
	require.Len(t, logouts, 1)
	assert.Equal(t, model.SeverityWarning, logouts[0].Severity)

	_, _, err = e.sessionSvc.Authenticate(ctx, issued.AccessToken, "10.1.2.3")
	assert.ErrorIs(t, err, ErrSessionExpired, "session was ended by the mismatch")
}

func TestAuthenticateToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	sess, account, err := e.sessionSvc.Authenticate(ctx, issued.AccessToken, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, issued.Session.ID, sess.ID)
	assert.Equal(t, acc.ID, account.ID)

	_, _, err = e.sessionSvc.Authenticate(ctx, "not-a-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshMismatchLeavesSessionUntouched(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)
	before, err := e.sessions.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)

	refreshed, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, "wrong")
	require.NoError(t, err)
	assert.Nil(t, refreshed)

	refreshed, err = e.sessionSvc.Refresh(ctx, "wrong", issued.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, refreshed)

	after, err := e.sessions.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRefreshRotatesTokens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) { a.SessionTimeoutMinutes = 480 })

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	e.clock.Advance(50 * time.Minute)
	refreshed, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, refreshed)

	assert.Equal(t, issued.Session.ID, refreshed.Session.ID)
	assert.Equal(t, issued.Session.ExpiresAt, refreshed.Session.ExpiresAt)
	assert.Equal(t, e.clock.Now().Add(time.Hour), refreshed.Session.TokenExpiresAt)
	require.NotNil(t, refreshed.Session.RefreshedAt)
	assert.NotEqual(t, issued.AccessToken, refreshed.AccessToken)

	_, _, err = e.sessionSvc.Authenticate(ctx, issued.AccessToken, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionExpired, "old token is gone")

	_, _, err = e.sessionSvc.Authenticate(ctx, refreshed.AccessToken, "10.0.0.1")
	assert.NoError(t, err)

	again, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, again, "old pair cannot be replayed")
}

func TestRefreshAfterAccessTokenLapse(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) { a.SessionTimeoutMinutes = 240 })

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	e.clock.Advance(61 * time.Minute)
	assert.False(t, e.sessionSvc.IsValid(ctx, issued.Session))
	_, _, err = e.sessionSvc.Authenticate(ctx, issued.AccessToken, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = e.sessions.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err, "session outlives its access token")
	assert.Empty(t, e.eventsOf(t, acc.ID, model.EventLogout))

	n, err := e.sessionSvc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	refreshed, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, issued.Session.ExpiresAt, refreshed.Session.ExpiresAt)

	_, _, err = e.sessionSvc.Authenticate(ctx, refreshed.AccessToken, "10.0.0.1")
	assert.NoError(t, err)
}

func TestRefreshTokenLifetimeCappedBySession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	e.clock.Advance(20 * time.Minute)
	refreshed, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, issued.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, issued.Session.ExpiresAt, refreshed.Session.TokenExpiresAt)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.sessionSvc.Refresh(ctx, issued.AccessToken, issued.RefreshToken)
			assert.NoError(t, err)
			if r != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestInvalidateAllKeepsCurrent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	keep, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "laptop")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.2", "phone")
		require.NoError(t, err)
	}

	n, err := e.sessionSvc.InvalidateAll(ctx, acc.ID, keep.Session.ID, ReasonPasswordChange, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	live, err := e.sessionSvc.ListSessions(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, keep.Session.ID, live[0].ID)
}

func TestInvalidateSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	issued, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	require.NoError(t, e.sessionSvc.Invalidate(ctx, issued.Session.ID, ReasonUserLogout, "10.0.0.1", "test"))
	assert.ErrorIs(t, e.sessionSvc.Invalidate(ctx, issued.Session.ID, ReasonUserLogout, "", ""), ErrSessionExpired)
	assert.Len(t, e.eventsOf(t, acc.ID, model.EventLogout), 1)
}

func TestPurgeExpiredSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	_, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "test")
	require.NoError(t, err)

	n, err := e.sessionSvc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Advance(time.Hour)
	n, err = e.sessionSvc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name   string
		ranges []string
		ip     string
		want   bool
	}{
		{"unrestricted", nil, "203.0.113.9", true},
		{"in cidr", []string{"10.0.0.0/8"}, "10.9.8.7", true},
		{"outside cidr", []string{"10.0.0.0/8"}, "11.0.0.1", false},
		{"exact address", []string{"203.0.113.9"}, "203.0.113.9", true},
		{"ipv4 mapped", []string{"10.0.0.0/8"}, "::ffff:10.0.0.1", true},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "2001:db8::1", true},
		{"garbage observed", []string{"10.0.0.0/8"}, "unknown", false},
		{"garbage range skipped", []string{"nope", "10.0.0.0/8"}, "10.0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ipAllowed(tt.ranges, tt.ip))
		})
	}
}
