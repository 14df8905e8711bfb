package router

import (
	"net/http"
	"time"

	"github.com/servicedesk/authcore/internal/handler"
	"github.com/servicedesk/authcore/internal/middleware"
)

// Permissions guarding the admin surface.
const (
	PermUsersManage    = "users:manage"
	PermSecurityView   = "security:view"
	PermSecurityManage = "security:manage"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, sessions middleware.SessionAuthenticator, resolver middleware.PermissionChecker, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/v1/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"authcore API v1","version":"` + handler.Version + `"}`))
	})

	// Public authentication routes (rate limited per client address)
	loginRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "login",
		Limit:  10,
		Window: 15 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	mfaVerifyRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "mfa_verify",
		Limit:  5,
		Window: 5 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	refreshRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "refresh",
		Limit:  10,
		Window: time.Minute,
		KeyFn:  middleware.IPKey,
	})
	passwordRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "password",
		Limit:  20,
		Window: time.Minute,
		KeyFn:  middleware.AccountOrIPKey,
	})

	mux.Handle("POST /api/v1/auth/login", loginRateLimit(http.HandlerFunc(h.Login)))
	mux.Handle("POST /api/v1/auth/mfa/verify", mfaVerifyRateLimit(http.HandlerFunc(h.MFAVerify)))
	mux.Handle("POST /api/v1/auth/token/refresh", refreshRateLimit(http.HandlerFunc(h.RefreshToken)))
	mux.Handle("POST /api/v1/auth/password/validate", passwordRateLimit(http.HandlerFunc(h.ValidatePassword)))

	// Protected routes (require a live session)
	authMw := mw.Auth(sessions)
	protected := func(fn http.HandlerFunc) http.Handler {
		return authMw(fn)
	}

	mux.Handle("POST /api/v1/auth/logout", protected(h.Logout))
	mux.Handle("POST /api/v1/auth/password/change", authMw(passwordRateLimit(http.HandlerFunc(h.ChangePassword))))

	mux.Handle("GET /api/v1/session", protected(h.CheckSession))
	mux.Handle("GET /api/v1/sessions", protected(h.GetUserSessions))
	mux.Handle("DELETE /api/v1/sessions/{id}", protected(h.RevokeSession))
	mux.Handle("POST /api/v1/sessions/revoke-others", protected(h.RevokeOtherSessions))

	mux.Handle("POST /api/v1/authz/check", protected(h.AuthzCheck))

	mux.Handle("GET /api/v1/users/me", protected(h.GetCurrentUser))
	mux.Handle("GET /api/v1/users/me/security-events", protected(h.GetMySecurityEvents))

	// MFA enrollment
	mfaRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "mfa",
		Limit:  10,
		Window: time.Minute,
		KeyFn:  middleware.AccountOrIPKey,
	})
	mux.Handle("GET /api/v1/mfa", protected(h.GetMFAStatus))
	mux.Handle("POST /api/v1/mfa/totp/setup", authMw(mfaRateLimit(http.HandlerFunc(h.TOTPSetup))))
	mux.Handle("POST /api/v1/mfa/totp/confirm", authMw(mfaRateLimit(http.HandlerFunc(h.TOTPConfirm))))
	mux.Handle("POST /api/v1/mfa/{method}/enable", authMw(mfaRateLimit(http.HandlerFunc(h.EnableDeliveredMFA))))
	mux.Handle("DELETE /api/v1/mfa", protected(h.DisableMFA))

	// Admin routes
	adminRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "admin",
		Limit:  60,
		Window: time.Minute,
		KeyFn:  middleware.AccountOrIPKey,
	})
	admin := func(permission string, fn http.HandlerFunc) http.Handler {
		return authMw(mw.RequirePermission(resolver, permission)(adminRateLimit(fn)))
	}

	mux.Handle("POST /api/v1/admin/accounts", admin(PermUsersManage, h.AdminCreateAccount))
	mux.Handle("GET /api/v1/admin/accounts/{id}", admin(PermUsersManage, h.AdminGetAccount))
	mux.Handle("POST /api/v1/admin/accounts/{id}/unlock", admin(PermUsersManage, h.AdminUnlockAccount))
	mux.Handle("PUT /api/v1/admin/accounts/{id}/roles", admin(PermUsersManage, h.AdminSetRoles))
	mux.Handle("PUT /api/v1/admin/accounts/{id}/access", admin(PermSecurityManage, h.AdminSetAccess))
	mux.Handle("POST /api/v1/admin/accounts/{id}/sessions/revoke", admin(PermUsersManage, h.AdminRevokeSessions))
	mux.Handle("GET /api/v1/admin/accounts/{id}/security-events", admin(PermSecurityView, h.AdminAccountEvents))
	mux.Handle("GET /api/v1/admin/security-events", admin(PermSecurityView, h.AdminRecentEvents))

	mux.Handle("GET /api/v1/admin/security-config/password-policy", admin(PermSecurityView, h.AdminGetPasswordPolicy))
	mux.Handle("PUT /api/v1/admin/security-config/password-policy", admin(PermSecurityManage, h.AdminUpdatePasswordPolicy))
	mux.Handle("PUT /api/v1/admin/security-config/session", admin(PermSecurityManage, h.AdminUpdateSessionSettings))

	mux.Handle("GET /api/v1/admin/keys", admin(PermSecurityManage, h.AdminListKeys))
	mux.Handle("POST /api/v1/admin/keys/rotate", admin(PermSecurityManage, h.AdminRotateKey))

	// Apply middleware stack
	var handler http.Handler = mux
	handler = mw.CORS(allowedOrigins)(handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.Logger(handler)
	handler = mw.Timing(handler)
	handler = mw.RealIP(handler)
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
