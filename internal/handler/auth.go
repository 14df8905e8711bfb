package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/service"
)

// --- Cookie helpers ---

func (h *Handler) setSessionCookie(w http.ResponseWriter, issued *model.IssuedSession) {
	maxAge := int(time.Until(issued.Session.ExpiresAt).Seconds())
	if issued.ExpiresIn > 0 && issued.ExpiresIn < maxAge {
		maxAge = issued.ExpiresIn
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    issued.AccessToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Server.TLS.Enabled,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Server.TLS.Enabled,
		SameSite: http.SameSiteStrictMode,
	})
}

// sessionResponse is the body returned whenever a session is issued.
type sessionResponse struct {
	Status          service.AuthStatus `json:"status"`
	SessionID       string             `json:"sessionId"`
	AccessToken     string             `json:"accessToken"`
	RefreshToken    string             `json:"refreshToken"`
	TokenType       string             `json:"tokenType"`
	ExpiresIn       int                `json:"expiresIn"`
	SessionExpires  time.Time          `json:"sessionExpiresAt"`
	PasswordExpired bool               `json:"passwordExpired,omitempty"`
	Account         *model.Account     `json:"account,omitempty"`
}

func newSessionResponse(issued *model.IssuedSession, account *model.Account, passwordExpired bool) sessionResponse {
	return sessionResponse{
		Status:          service.AuthAuthenticated,
		SessionID:       issued.Session.ID,
		AccessToken:     issued.AccessToken,
		RefreshToken:    issued.RefreshToken,
		TokenType:       issued.TokenType,
		ExpiresIn:       issued.ExpiresIn,
		SessionExpires:  issued.Session.ExpiresAt,
		PasswordExpired: passwordExpired,
		Account:         account,
	}
}

type mfaChallengeResponse struct {
	Status      service.AuthStatus `json:"status"`
	ChallengeID string             `json:"challengeId"`
	Method      model.MFAMethod    `json:"method"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

// writeAuthResult renders every AuthResult status. Rejected and LockedOut
// share one body so the response does not reveal which applied, except for
// the retry hint of an account that was already locked.
func (h *Handler) writeAuthResult(w http.ResponseWriter, r *http.Request, result *service.AuthResult) {
	switch result.Status {
	case service.AuthAuthenticated:
		h.setSessionCookie(w, result.Session)
		writeJSON(w, http.StatusOK, newSessionResponse(result.Session, result.Account, result.PasswordExpired))
	case service.AuthMFARequired:
		writeJSON(w, http.StatusOK, mfaChallengeResponse{
			Status:      service.AuthMFARequired,
			ChallengeID: result.Challenge.ChallengeID,
			Method:      result.Challenge.Method,
			ExpiresAt:   result.Challenge.ExpiresAt,
		})
	case service.AuthLockedOut:
		seconds := int64(math.Ceil(result.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_credentials", "The email or password is incorrect.",
			map[string]interface{}{"retryAfter": seconds})
	default:
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_credentials", "The email or password is incorrect.", nil)
	}
}

// --- Login Handler ---

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.authSvc.Authenticate(r.Context(), service.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "login failed")
		return
	}
	h.writeAuthResult(w, r, result)
}

// --- MFA Verify Handler ---

type mfaVerifyRequest struct {
	ChallengeID string `json:"challengeId" validate:"required,max=64"`
	Code        string `json:"code" validate:"required,numeric,min=6,max=8"`
}

// MFAVerify completes a login that returned mfa_required.
func (h *Handler) MFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.authSvc.VerifyMFA(r.Context(), req.ChallengeID, req.Code, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err, "mfa verification failed")
		return
	}
	if result.Status != service.AuthAuthenticated {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_challenge", "The verification code is invalid or has expired.", nil)
		return
	}
	h.writeAuthResult(w, r, result)
}

// --- Refresh Handler ---

type refreshTokenRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// RefreshToken rotates a session's token pair.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	// The access token may come from the body, the header or the cookie.
	token := req.AccessToken
	if token == "" {
		token = middleware.BearerToken(r)
	}
	if token == "" {
		writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "Access token is required", nil)
		return
	}

	issued, err := h.authSvc.RefreshSession(r.Context(), token, req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrSessionExpired) {
			h.clearSessionCookie(w)
		}
		h.writeServiceError(w, r, err, "token refresh failed")
		return
	}
	if issued == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_refresh_token", "The refresh token does not match the session.", nil)
		return
	}

	h.setSessionCookie(w, issued)
	writeJSON(w, http.StatusOK, newSessionResponse(issued, nil, false))
}

// --- Logout Handler ---

// Logout ends the caller's session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	err := h.authSvc.Logout(r.Context(), sess.ID, middleware.ClientIP(r), r.UserAgent())
	if err != nil && !errors.Is(err, service.ErrSessionExpired) {
		h.writeServiceError(w, r, err, "logout failed")
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// --- Change Password Handler ---

type changePasswordPayload struct {
	CurrentPassword string `json:"currentPassword" validate:"required,max=1024"`
	NewPassword     string `json:"newPassword" validate:"required,max=1024"`
}

// ChangePassword handles authenticated password change. Every other session
// of the account is ended.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	var req changePasswordPayload
	if !h.decode(w, r, &req) {
		return
	}

	err := h.authSvc.ChangePassword(r.Context(), sess.AccountID, sess.ID, req.CurrentPassword, req.NewPassword, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err, "password change failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully."})
}

// --- Validate Password Handler ---

type validatePasswordPayload struct {
	Password string `json:"password" validate:"max=1024"`
}

type validatePasswordResponse struct {
	Valid   bool   `json:"valid"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidatePassword reports the first policy rule a candidate password breaks.
func (h *Handler) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	var req validatePasswordPayload
	if !h.decode(w, r, &req) {
		return
	}

	err := h.authSvc.ValidatePassword(req.Password)
	var pv *auth.PolicyViolation
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, validatePasswordResponse{Valid: true})
	case errors.As(err, &pv):
		writeJSON(w, http.StatusOK, validatePasswordResponse{Rule: pv.Rule, Message: pv.Error()})
	default:
		h.writeServiceError(w, r, err, "password validation failed")
	}
}

// --- Current User Handler ---

type currentUserResponse struct {
	Account     *model.Account     `json:"account"`
	Roles       []string           `json:"roles"`
	Permissions []model.Permission `json:"permissions"`
}

// GetCurrentUser returns the authenticated account with its effective roles
// and permissions.
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}
	writeJSON(w, http.StatusOK, currentUserResponse{
		Account:     account,
		Roles:       sortedRoles(account),
		Permissions: h.resolver.PermissionsFor(account),
	})
}
