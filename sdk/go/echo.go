package authcore

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Context keys for storing auth data in Echo context.
const (
	// SessionContextKey is the key used to store the *SessionInfo in echo.Context.
	SessionContextKey = "authcore_session_info"

	// TokenContextKey is the key used to store the raw access token in echo.Context.
	TokenContextKey = "authcore_token"
)

// MiddlewareConfig configures the Echo session middleware.
type MiddlewareConfig struct {
	// Skipper defines a function to skip this middleware for certain requests.
	Skipper func(c echo.Context) bool

	// TokenExtractor is an optional custom function to extract the access token
	// from a request. If nil, the Authorization header is read first, then
	// the configured cookie.
	TokenExtractor func(c echo.Context) string

	// ErrorHandler is an optional custom handler for authentication failures.
	// If nil, a JSON error in the authcore envelope is returned.
	ErrorHandler func(c echo.Context, err error) error

	// SkipPaths is a list of path prefixes that do not require a session.
	// Example: []string{"/health", "/public/"}
	SkipPaths []string
}

// RequireSession returns Echo middleware that checks the request's access
// token against the authcore server and stores the resulting SessionInfo in
// the Echo context. Retrieve it in handlers with GetSession(c).
func (client *Client) RequireSession(cfgs ...MiddlewareConfig) echo.MiddlewareFunc {
	cfg := MiddlewareConfig{}
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			path := c.Request().URL.Path
			for _, p := range cfg.SkipPaths {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			var token string
			if cfg.TokenExtractor != nil {
				token = cfg.TokenExtractor(c)
			} else {
				token = defaultTokenExtractor(c, client.cfg.CookieName)
			}
			if token == "" {
				return handleAuthError(c, cfg, ErrNoToken)
			}

			info, err := client.CheckSession(c.Request().Context(), token)
			if err != nil {
				return handleAuthError(c, cfg, err)
			}

			c.Set(SessionContextKey, info)
			c.Set(TokenContextKey, token)
			return next(c)
		}
	}
}

// RequirePermission returns Echo middleware that rejects requests whose
// session lacks resource:action. It must run after RequireSession.
func RequirePermission(resource, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info := GetSession(c)
			if info == nil {
				return writeError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
			}
			if !info.Can(resource, action) {
				return writeError(c, http.StatusForbidden, "forbidden", "Insufficient permissions")
			}
			return next(c)
		}
	}
}

// GetSession retrieves the session check result from the Echo context.
// Returns nil if the middleware was not applied or skipped.
func GetSession(c echo.Context) *SessionInfo {
	if info, ok := c.Get(SessionContextKey).(*SessionInfo); ok {
		return info
	}
	return nil
}

// GetToken retrieves the raw access token from the Echo context.
func GetToken(c echo.Context) string {
	if token, ok := c.Get(TokenContextKey).(string); ok {
		return token
	}
	return ""
}

func defaultTokenExtractor(c echo.Context, cookieName string) string {
	auth := c.Request().Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	cookie, err := c.Cookie(cookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

func handleAuthError(c echo.Context, cfg MiddlewareConfig, err error) error {
	if cfg.ErrorHandler != nil {
		return cfg.ErrorHandler(c, err)
	}

	switch {
	case errors.Is(err, ErrForbidden):
		return writeError(c, http.StatusForbidden, "forbidden", "Access forbidden")
	case errors.Is(err, ErrSessionInvalid):
		return writeError(c, http.StatusUnauthorized, "session_expired", "Session is invalid or expired")
	case errors.Is(err, ErrNoToken):
		return writeError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
	default:
		return writeError(c, http.StatusBadGateway, "auth_unavailable", "Authentication service unavailable")
	}
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
