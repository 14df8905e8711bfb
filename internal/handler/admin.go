package handler

import (
	"net/http"

	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/service"
)

type createAccountRequest struct {
	Email                 string   `json:"email" validate:"required,email,max=254"`
	Password              string   `json:"password" validate:"required,max=1024"`
	Role                  string   `json:"role" validate:"required,max=64"`
	Roles                 []string `json:"roles" validate:"max=16,dive,required,max=64"`
	Phone                 string   `json:"phone" validate:"omitempty,e164"`
	AllowedIPRanges       []string `json:"allowedIpRanges" validate:"max=64"`
	SessionTimeoutMinutes int      `json:"sessionTimeoutMinutes" validate:"min=0,max=10080"`
}

// AdminCreateAccount handles POST /api/v1/admin/accounts
func (h *Handler) AdminCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.adminSvc.CreateAccount(r.Context(), service.CreateAccountRequest{
		Email:                 req.Email,
		Password:              req.Password,
		Role:                  req.Role,
		Roles:                 req.Roles,
		Phone:                 req.Phone,
		AllowedIPRanges:       req.AllowedIPRanges,
		SessionTimeoutMinutes: req.SessionTimeoutMinutes,
	}, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create account")
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// AdminGetAccount handles GET /api/v1/admin/accounts/{id}
func (h *Handler) AdminGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.adminSvc.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, currentUserResponse{
		Account:     account,
		Roles:       sortedRoles(account),
		Permissions: h.resolver.PermissionsFor(account),
	})
}

// AdminUnlockAccount handles POST /api/v1/admin/accounts/{id}/unlock
func (h *Handler) AdminUnlockAccount(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("id")
	if _, err := h.adminSvc.Unlock(r.Context(), targetID, actor(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to unlock account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Account unlocked successfully",
		"accountId": targetID,
	})
}

type setRolesRequest struct {
	Role  string   `json:"role" validate:"required,max=64"`
	Roles []string `json:"roles" validate:"max=16,dive,required,max=64"`
}

// AdminSetRoles handles PUT /api/v1/admin/accounts/{id}/roles
func (h *Handler) AdminSetRoles(w http.ResponseWriter, r *http.Request) {
	var req setRolesRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.adminSvc.SetRoles(r.Context(), r.PathValue("id"), req.Role, req.Roles, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to set roles")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type setAccessRequest struct {
	AllowedIPRanges       []string `json:"allowedIpRanges" validate:"max=64"`
	SessionTimeoutMinutes int      `json:"sessionTimeoutMinutes" validate:"min=0,max=10080"`
}

// AdminSetAccess handles PUT /api/v1/admin/accounts/{id}/access
func (h *Handler) AdminSetAccess(w http.ResponseWriter, r *http.Request) {
	var req setAccessRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.adminSvc.SetAccess(r.Context(), r.PathValue("id"), service.AccountAccess{
		AllowedIPRanges:       req.AllowedIPRanges,
		SessionTimeoutMinutes: req.SessionTimeoutMinutes,
	}, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to set account access")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// AdminRevokeSessions handles POST /api/v1/admin/accounts/{id}/sessions/revoke
func (h *Handler) AdminRevokeSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.adminSvc.RevokeSessions(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to revoke sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": n})
}

// AdminAccountEvents handles GET /api/v1/admin/accounts/{id}/security-events
func (h *Handler) AdminAccountEvents(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, r.PathValue("id"))
}

// AdminRecentEvents handles GET /api/v1/admin/security-events
func (h *Handler) AdminRecentEvents(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, "")
}

// AdminGetPasswordPolicy handles GET /api/v1/admin/security-config/password-policy
func (h *Handler) AdminGetPasswordPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.adminSvc.PasswordPolicy())
}

// AdminUpdatePasswordPolicy handles PUT /api/v1/admin/security-config/password-policy
func (h *Handler) AdminUpdatePasswordPolicy(w http.ResponseWriter, r *http.Request) {
	var req config.PasswordPolicy
	if !h.decode(w, r, &req) {
		return
	}

	policy, err := h.adminSvc.UpdatePasswordPolicy(r.Context(), req, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update password policy")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// AdminUpdateSessionSettings handles PUT /api/v1/admin/security-config/session
func (h *Handler) AdminUpdateSessionSettings(w http.ResponseWriter, r *http.Request) {
	var req config.SessionConfig
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.adminSvc.UpdateSessionSettings(r.Context(), req, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update session settings")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// AdminListKeys handles GET /api/v1/admin/keys
func (h *Handler) AdminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keySvc.ListKeys(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list signing keys")
		return
	}

	activeKey, _, _, _ := h.keySvc.SigningKey()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":      keys,
		"activeKey": activeKey,
	})
}

// AdminRotateKey handles POST /api/v1/admin/keys/rotate
func (h *Handler) AdminRotateKey(w http.ResponseWriter, r *http.Request) {
	keyInfo, err := h.keySvc.RotateKey(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to rotate signing key")
		return
	}

	h.log.Info().Str("key_id", keyInfo.ID).Str("rotated_by", actor(r).AccountID).Msg("signing key rotated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Key rotated successfully",
		"key":     keyInfo,
	})
}
