package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/handler"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository/memory"
	"github.com/servicedesk/authcore/internal/router"
	"github.com/servicedesk/authcore/internal/service"
)

const password = "Correct-horse-1!"

type codeSink struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *codeSink) Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[account.Email] = code
	return nil
}

func (s *codeSink) last(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}

type server struct {
	t     *testing.T
	http  http.Handler
	admin *service.AdminService
	codes *codeSink
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()
	clock := service.SystemClock{}

	sec := config.DefaultSecurityConfig()
	sec.Hashing = config.HashingConfig{Argon2Memory: 1024, Argon2Iterations: 1, Argon2Parallelism: 1}
	cfg := &config.Config{
		Security: sec,
		MFA: config.MFAConfig{
			TOTP:      config.TOTPConfig{Issuer: "ServiceDesk", Digits: 6, Period: 30},
			Challenge: config.ChallengeConfig{CodeTTL: 5 * time.Minute},
		},
	}
	settings := config.NewSettings(cfg.Security)

	accounts := memory.NewAccountStore()
	history := memory.NewPasswordHistoryStore()
	codes := &codeSink{codes: make(map[string]string)}

	events := service.NewSecurityEventService(memory.NewEventStore(), clock, log)
	lockout := service.NewLockoutTracker(accounts, events, settings, clock, log)
	mfa := service.NewMFAService(memory.NewChallengeStore(), accounts, codes, events, cfg.MFA, clock, log)

	keys := service.NewKeyService(memory.NewKeyStore(), 0, clock, log)
	require.NoError(t, keys.Initialize(ctx, auth.AlgorithmEd25519))
	tokens := auth.NewTokenService("authcore", keys, clock.Now)

	sessions := service.NewSessionService(memory.NewSessionStore(), accounts, tokens, events, settings, nil, clock, log)
	resolver, err := service.NewPermissionResolver(model.DefaultPermissionTable())
	require.NoError(t, err)

	authSvc := service.NewAuthService(accounts, history, lockout, mfa, sessions, events, settings, clock, log)
	admin := service.NewAdminService(accounts, history, lockout, sessions, resolver, events, settings, clock, log)

	h := handler.New(nil, nil, log, cfg, handler.Services{
		Auth:     authSvc,
		Sessions: sessions,
		MFA:      mfa,
		Admin:    admin,
		Keys:     keys,
		Events:   events,
		Resolver: resolver,
	})
	mw := middleware.New(nil, log, cfg)

	return &server{
		t:     t,
		http:  router.New(h, mw, sessions, resolver, []string{"https://desk.example.com"}),
		admin: admin,
		codes: codes,
	}
}

func (s *server) createAccount(email, role string) *model.Account {
	s.t.Helper()
	a, err := s.admin.CreateAccount(context.Background(), service.CreateAccountRequest{
		Email:    email,
		Password: password,
		Role:     role,
	}, service.Actor{AccountID: "acc_bootstrap"})
	require.NoError(s.t, err)
	return a
}

func (s *server) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	return s.doFrom("", nil, method, path, token, body)
}

// doFrom sends a request from remoteAddr with extra headers.
func (s *server) doFrom(remoteAddr string, headers map[string]string, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (s *server) login(email string) string {
	s.t.Helper()
	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(s.t, "authenticated", body["status"])
	return body["accessToken"].(string)
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHealthWithMemoryDrivers(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	services := body["services"].(map[string]interface{})
	assert.Equal(t, "disabled", services["postgres"])
	assert.Equal(t, "healthy", services["signing_key"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLoginSessionLogout(t *testing.T) {
	s := newServer(t)
	s.createAccount("agent@example.com", model.RoleAgent)

	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "agent@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(body))

	token := s.login("agent@example.com")

	rec, body = s.do(http.MethodGet, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])
	assert.Contains(t, body["permissions"], "tickets:assign")
	assert.NotContains(t, body["permissions"], "security:manage")

	rec, body = s.do(http.MethodPost, "/api/v1/authz/check", token, map[string]string{"resource": "tickets", "action": "close"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["allowed"])

	_, body = s.do(http.MethodPost, "/api/v1/authz/check", token, map[string]string{"permission": "users:manage"})
	assert.Equal(t, false, body["allowed"])

	rec, _ = s.do(http.MethodPost, "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = s.do(http.MethodGet, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_expired", errorCode(body))
}

func TestLoginValidation(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(body))
}

func TestLockedOutResponseCarriesRetryAfter(t *testing.T) {
	s := newServer(t)
	s.createAccount("user@example.com", model.RoleUser)

	for i := 0; i < 5; i++ {
		rec, _ := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "user@example.com", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}

	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "user@example.com", "password": password})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(body))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRefreshEndpoint(t *testing.T) {
	s := newServer(t)
	s.createAccount("agent@example.com", model.RoleAgent)

	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "agent@example.com", "password": password})
	require.Equal(t, http.StatusOK, rec.Code)
	access := body["accessToken"].(string)
	refresh := body["refreshToken"].(string)

	rec, _ = s.do(http.MethodPost, "/api/v1/auth/token/refresh", "", map[string]string{"accessToken": access, "refreshToken": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = s.do(http.MethodPost, "/api/v1/auth/token/refresh", "", map[string]string{"accessToken": access, "refreshToken": refresh})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	newAccess := body["accessToken"].(string)
	assert.NotEqual(t, access, newAccess)

	rec, _ = s.do(http.MethodGet, "/api/v1/session", newAccess, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodGet, "/api/v1/session", access, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmailMFAOverHTTP(t *testing.T) {
	s := newServer(t)
	s.createAccount("mgr@example.com", model.RoleManager)
	token := s.login("mgr@example.com")

	rec, _ := s.do(http.MethodPost, "/api/v1/mfa/email/enable", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "mgr@example.com", "password": password})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "mfa_required", body["status"])
	challengeID := body["challengeId"].(string)

	rec, body = s.do(http.MethodPost, "/api/v1/auth/mfa/verify", "", map[string]string{"challengeId": challengeID, "code": s.codes.last("mgr@example.com")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "authenticated", body["status"])

	rec, body = s.do(http.MethodPost, "/api/v1/auth/mfa/verify", "", map[string]string{"challengeId": challengeID, "code": s.codes.last("mgr@example.com")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_challenge", errorCode(body))
}

func TestPasswordValidateEndpoint(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodPost, "/api/v1/auth/password/validate", "", map[string]string{"password": "abcdefghijkl"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, auth.RuleUppercase, body["rule"])

	_, body = s.do(http.MethodPost, "/api/v1/auth/password/validate", "", map[string]string{"password": "Abcdefghij1!"})
	assert.Equal(t, true, body["valid"])
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	s := newServer(t)
	target := s.createAccount("agent@example.com", model.RoleAgent)
	s.createAccount("admin@example.com", model.RoleAdmin)

	agentToken := s.login("agent@example.com")
	rec, body := s.do(http.MethodPut, "/api/v1/admin/accounts/"+target.ID+"/roles", agentToken, map[string]interface{}{"role": model.RoleAdmin})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(body))

	adminToken := s.login("admin@example.com")
	rec, body = s.do(http.MethodPut, "/api/v1/admin/accounts/"+target.ID+"/roles", adminToken,
		map[string]interface{}{"role": model.RoleAgent, "roles": []string{model.RoleManager}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.RoleAgent, body["role"])

	// The new grant applies to the agent's existing session.
	_, body = s.do(http.MethodPost, "/api/v1/authz/check", agentToken, map[string]string{"permission": "reports:view"})
	assert.Equal(t, true, body["allowed"])

	rec, body = s.do(http.MethodGet, "/api/v1/admin/accounts/"+target.ID+"/security-events", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["events"])
}

func TestAdminCreateAccountAndPolicy(t *testing.T) {
	s := newServer(t)
	s.createAccount("admin@example.com", model.RoleAdmin)
	token := s.login("admin@example.com")

	rec, body := s.do(http.MethodPost, "/api/v1/admin/accounts", token, map[string]interface{}{
		"email": "new@example.com", "password": "weak", "role": model.RoleUser,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "password_policy", errorCode(body))

	rec, _ = s.do(http.MethodPost, "/api/v1/admin/accounts", token, map[string]interface{}{
		"email": "new@example.com", "password": password, "role": model.RoleUser,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body = s.do(http.MethodPost, "/api/v1/admin/accounts", token, map[string]interface{}{
		"email": "x@example.com", "password": password, "role": "wizard",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_role", errorCode(body))

	policy := config.DefaultSecurityConfig().PasswordPolicy
	policy.MinLength = 16
	rec, body = s.do(http.MethodPut, "/api/v1/admin/security-config/password-policy", token, policy)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 16, body["minLength"])

	_, body = s.do(http.MethodGet, "/api/v1/admin/security-config/password-policy", token, nil)
	assert.EqualValues(t, 16, body["minLength"])

	rec, _ = s.do(http.MethodPost, "/api/v1/admin/keys/rotate", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Tokens signed before the rotation still verify.
	rec, _ = s.do(http.MethodGet, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteAndPreflight(t *testing.T) {
	s := newServer(t)
	rec, _ := s.do(http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	out := httptest.NewRecorder()
	s.http.ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)
}

func TestForwardedHeaderCannotBypassAllowedRanges(t *testing.T) {
	s := newServer(t)
	_, err := s.admin.CreateAccount(context.Background(), service.CreateAccountRequest{
		Email:           "onsite@example.com",
		Password:        password,
		Role:            model.RoleAgent,
		AllowedIPRanges: []string{"10.1.0.0/16"},
	}, service.Actor{AccountID: "acc_bootstrap"})
	require.NoError(t, err)

	const outsider = "203.0.113.99:40000"
	spoofed := map[string]string{"X-Forwarded-For": "10.1.2.3", "X-Real-IP": "10.1.2.3"}
	creds := map[string]string{"email": "onsite@example.com", "password": password}

	rec, body := s.doFrom(outsider, spoofed, http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(body))

	rec, body = s.doFrom("10.1.2.3:40000", nil, http.MethodPost, "/api/v1/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := body["accessToken"].(string)

	rec, body = s.doFrom(outsider, spoofed, http.MethodGet, "/api/v1/users/me", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ip_not_allowed", errorCode(body))

	rec, _ = s.doFrom("10.1.2.3:40000", nil, http.MethodGet, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "session ended by the mismatch")
}
