package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/service"
)

// SessionCookie is the cookie the browser console stores the access token in.
const SessionCookie = "authcore_session"

// Context keys for authenticated request data
const (
	SessionKey contextKey = "session"
	AccountKey contextKey = "account"
)

// SessionAuthenticator resolves a raw access token to a live session.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, rawToken, observedIP string) (*model.Session, *model.Account, error)
}

// Auth rejects requests without a live session and stores the session and
// its account in the request context.
func (m *Middleware) Auth(sessions SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			sess, account, err := sessions.Authenticate(r.Context(), token, ClientIP(r))
			if err != nil {
				switch {
				case errors.Is(err, service.ErrSessionIPMismatch):
					writeError(w, http.StatusForbidden, "ip_not_allowed", "Access from this address is not permitted for the account")
				case errors.Is(err, service.ErrSessionExpired):
					writeError(w, http.StatusUnauthorized, "session_expired", "The session is invalid or expired")
				default:
					m.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("session lookup failed")
					writeError(w, http.StatusInternalServerError, "internal_error", "Session lookup failed")
				}
				return
			}

			noteSession(r.Context(), sess)
			ctx := context.WithValue(r.Context(), SessionKey, sess)
			ctx = context.WithValue(ctx, AccountKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PermissionChecker answers whether an account holds a permission.
type PermissionChecker interface {
	HasPermission(account *model.Account, permission string) bool
}

// RequirePermission must run after Auth.
func (m *Middleware) RequirePermission(resolver PermissionChecker, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := AccountFromContext(r.Context())
			if account == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}
			if !resolver.HasPermission(account, permission) {
				m.log.Warn().
					Str("account_id", account.ID).
					Str("permission", permission).
					Str("path", r.URL.Path).
					Msg("permission denied")
				writeError(w, http.StatusForbidden, "forbidden", "You do not have permission to perform this action")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken reads the access token from the Authorization header, falling
// back to the session cookie.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// SessionFromContext returns the session stored by Auth.
func SessionFromContext(ctx context.Context) *model.Session {
	sess, _ := ctx.Value(SessionKey).(*model.Session)
	return sess
}

// AccountFromContext returns the account stored by Auth.
func AccountFromContext(ctx context.Context) *model.Account {
	account, _ := ctx.Value(AccountKey).(*model.Account)
	return account
}
