package handler

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/service"
)

type sessionCheckResponse struct {
	Valid       bool           `json:"valid"`
	Session     *model.Session `json:"session,omitempty"`
	Account     *model.Account `json:"account,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
}

// CheckSession is called by the other service desk modules to confirm a
// caller's session is live and learn its account and grants.
func (h *Handler) CheckSession(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	account := middleware.AccountFromContext(r.Context())
	if sess == nil || account == nil || !h.authSvc.CheckSession(r.Context(), sess) {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "session_expired", "The session is invalid or expired.", nil)
		return
	}

	perms := h.resolver.PermissionsFor(account)
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}

	writeJSON(w, http.StatusOK, sessionCheckResponse{
		Valid:       true,
		Session:     sess,
		Account:     account,
		Roles:       sortedRoles(account),
		Permissions: names,
	})
}

type sessionView struct {
	*model.Session
	Current bool `json:"current"`
}

// GetUserSessions lists the caller's live sessions.
func (h *Handler) GetUserSessions(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	sessions, err := h.sessionSvc.ListSessions(r.Context(), sess.AccountID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{Session: s, Current: s.ID == sess.ID})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// RevokeSession ends one of the caller's own sessions.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	targetID := r.PathValue("id")
	sessions, err := h.sessionSvc.ListSessions(r.Context(), sess.AccountID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list sessions")
		return
	}
	owned := false
	for _, s := range sessions {
		if s.ID == targetID {
			owned = true
			break
		}
	}
	if !owned {
		writeErrorWithDetails(w, r, http.StatusNotFound, "not_found", "Session not found.", nil)
		return
	}

	err = h.sessionSvc.Invalidate(r.Context(), targetID, service.ReasonUserLogout, middleware.ClientIP(r), r.UserAgent())
	if err != nil && !errors.Is(err, service.ErrSessionExpired) {
		h.writeServiceError(w, r, err, "failed to revoke session")
		return
	}
	if targetID == sess.ID {
		h.clearSessionCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session revoked"})
}

// RevokeOtherSessions ends every session of the caller except the current one.
func (h *Handler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	n, err := h.sessionSvc.InvalidateAll(r.Context(), sess.AccountID, sess.ID, service.ReasonUserLogout, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to revoke sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": n})
}

// --- Authorization check ---

type authzCheckRequest struct {
	Resource   string `json:"resource" validate:"required_without=Permission,max=64"`
	Action     string `json:"action" validate:"required_with=Resource,max=64"`
	Permission string `json:"permission" validate:"max=128"`
}

type authzCheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Permission string `json:"permission"`
}

// AuthzCheck answers whether the caller may use a permission, given either
// as resource and action or by name.
func (h *Handler) AuthzCheck(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	var req authzCheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	var resp authzCheckResponse
	if req.Resource != "" {
		resp.Permission = model.PermissionName(req.Resource, req.Action)
		resp.Allowed = h.resolver.CanPerformAction(account, req.Resource, req.Action)
	} else {
		resp.Permission = req.Permission
		resp.Allowed = h.resolver.HasPermission(account, req.Permission)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Security events ---

// GetMySecurityEvents lists the caller's own security events, newest first.
func (h *Handler) GetMySecurityEvents(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}
	h.writeEvents(w, r, account.ID)
}

func (h *Handler) writeEvents(w http.ResponseWriter, r *http.Request, accountID string) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	var (
		events []*model.SecurityEvent
		err    error
	)
	if accountID == "" {
		events, err = h.eventSvc.ListRecent(r.Context(), limit)
	} else {
		events, err = h.eventSvc.ListForAccount(r.Context(), accountID, limit)
	}
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list security events")
		return
	}
	if events == nil {
		events = []*model.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer", nil)
		return 0, false
	}
	return limit, true
}

func sortedRoles(account *model.Account) []string {
	roles := make([]string, 0, len(account.Roles)+1)
	for role := range service.EffectiveRoles(account) {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
