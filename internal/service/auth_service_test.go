package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/model"
)

func login(email, password string) LoginRequest {
	return LoginRequest{Email: email, Password: password, ClientIP: "10.0.0.1", UserAgent: "test"}
}

func TestAuthenticateWithoutMFA(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) { a.LoginAttempts = 2 })

	res, err := e.auth.Authenticate(ctx, login(" Agent@Example.com ", testPassword))
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, res.Status)
	require.NotNil(t, res.Session)
	assert.Equal(t, acc.ID, res.Session.Session.AccountID)
	assert.False(t, res.PasswordExpired)
	assert.Zero(t, e.account(t, acc.ID).LoginAttempts)

	logins := e.eventsOf(t, acc.ID, model.EventLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, model.SeverityInfo, logins[0].Severity)

	assert.True(t, e.auth.CheckSession(ctx, res.Session.Session))
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	e := newTestEnv(t)

	res, err := e.auth.Authenticate(context.Background(), login("ghost@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status)

	failed := e.eventsOf(t, "", model.EventFailedLogin)
	require.Len(t, failed, 1)
	assert.Equal(t, "ghost@example.com", failed[0].Details["email"])
}

func TestFifthFailureLocksAccount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) { a.LoginAttempts = 4 })

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", "Wrong-password-1"))
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status, "the locking attempt looks like any other failure")

	a := e.account(t, acc.ID)
	assert.Equal(t, 5, a.LoginAttempts)
	require.NotNil(t, a.LockedUntil)
	assert.Equal(t, e.clock.Now().Add(30*time.Minute), *a.LockedUntil)

	res, err = e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, AuthLockedOut, res.Status)
	assert.Equal(t, 30*time.Minute, res.RetryAfter)
	assert.Nil(t, res.Session)

	e.clock.Advance(30 * time.Minute)
	res, err = e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res.Status)
	assert.Nil(t, e.account(t, acc.ID).LockedUntil)
}

func TestMFALoginFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", emailMFA)

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	require.Equal(t, AuthMFARequired, res.Status)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, model.MFAMethodEmail, res.Challenge.Method)
	assert.Nil(t, res.Session)

	code := e.delivery.last(acc.ID)
	require.Len(t, code, 6)
	id := res.Challenge.ChallengeID

	res, err = e.auth.VerifyMFA(ctx, id, offByOne(code), "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status)

	failures := e.eventsOf(t, acc.ID, model.EventFailedLogin)
	require.Len(t, failures, 1, "wrong code is recorded against the account")
	assert.Equal(t, "mfa_failed", failures[0].Details["reason"])
	assert.Equal(t, id, failures[0].Details["challenge_id"])

	res, err = e.auth.VerifyMFA(ctx, id, code, "10.0.0.1", "test")
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, res.Status)
	assert.Equal(t, acc.ID, res.Session.Session.AccountID)

	res, err = e.auth.VerifyMFA(ctx, id, code, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status)

	logins := e.eventsOf(t, acc.ID, model.EventLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "email", logins[0].Details["mfa_method"])
}

func TestLoginFromDisallowedAddressIsRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) {
		a.AllowedIPRanges = []string{"192.168.0.0/16"}
	})

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status)
	assert.Nil(t, res.Session)
	assert.Zero(t, e.account(t, acc.ID).LoginAttempts, "right password does not count towards lockout")

	failures := e.eventsOf(t, acc.ID, model.EventFailedLogin)
	require.Len(t, failures, 1)
	assert.Equal(t, "ip_not_allowed", failures[0].Details["reason"])

	sessions, err := e.sessionSvc.ListSessions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	req := login("agent@example.com", testPassword)
	req.ClientIP = "192.168.4.20"
	res, err = e.auth.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res.Status)
}

func TestMFAVerifyFromDisallowedAddressIsRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", func(a *model.Account) {
		emailMFA(a)
		a.AllowedIPRanges = []string{"10.0.0.0/8"}
	})

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	require.Equal(t, AuthMFARequired, res.Status)

	res, err = e.auth.VerifyMFA(ctx, res.Challenge.ChallengeID, e.delivery.last(acc.ID), "172.16.0.9", "test")
	require.NoError(t, err)
	assert.Equal(t, AuthRejected, res.Status)
	assert.Empty(t, e.eventsOf(t, acc.ID, model.EventLogin))
}

func TestPasswordExpiredIsReported(t *testing.T) {
	e := newTestEnv(t)
	e.createAccount(t, "agent@example.com", func(a *model.Account) {
		a.PasswordLastChanged = e.clock.Now().AddDate(0, 0, -91)
	})

	res, err := e.auth.Authenticate(context.Background(), login("agent@example.com", testPassword))
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, res.Status)
	assert.True(t, res.PasswordExpired)
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acc := e.createAccount(t, "agent@example.com", nil)

	current, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.1", "laptop")
	require.NoError(t, err)
	other, err := e.sessionSvc.Issue(ctx, acc, "10.0.0.2", "phone")
	require.NoError(t, err)

	err = e.auth.ChangePassword(ctx, acc.ID, current.Session.ID, "Not-my-password1", "Brand-new-pass-2", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = e.auth.ChangePassword(ctx, acc.ID, current.Session.ID, testPassword, "abcdefghijkl", "", "")
	var pv *auth.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, auth.RuleUppercase, pv.Rule)

	err = e.auth.ChangePassword(ctx, acc.ID, current.Session.ID, testPassword, testPassword, "", "")
	assert.ErrorIs(t, err, ErrPasswordReused)

	e.clock.Advance(time.Minute)
	require.NoError(t, e.auth.ChangePassword(ctx, acc.ID, current.Session.ID, testPassword, "Brand-new-pass-2", "", ""))

	updated := e.account(t, acc.ID)
	assert.Equal(t, e.clock.Now(), updated.PasswordLastChanged)
	assert.Len(t, e.eventsOf(t, acc.ID, model.EventPasswordChange), 1)

	live, err := e.sessionSvc.ListSessions(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, current.Session.ID, live[0].ID)
	assert.NotEqual(t, other.Session.ID, live[0].ID)

	err = e.auth.ChangePassword(ctx, acc.ID, current.Session.ID, "Brand-new-pass-2", testPassword, "", "")
	assert.ErrorIs(t, err, ErrPasswordReused, "previous password is in history")

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", "Brand-new-pass-2"))
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res.Status)
}

func TestRefreshAndLogoutThroughAuthService(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.createAccount(t, "agent@example.com", nil)

	res, err := e.auth.Authenticate(ctx, login("agent@example.com", testPassword))
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, res.Status)

	refreshed, err := e.auth.RefreshSession(ctx, res.Session.AccessToken, res.Session.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, refreshed)

	require.NoError(t, e.auth.Logout(ctx, refreshed.Session.ID, "10.0.0.1", "test"))
	assert.False(t, e.auth.CheckSession(ctx, refreshed.Session))
}
