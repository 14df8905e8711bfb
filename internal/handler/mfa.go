package handler

import (
	"errors"
	"net/http"

	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/service"
)

type mfaStatusResponse struct {
	Enabled     bool            `json:"enabled"`
	Method      model.MFAMethod `json:"method"`
	HasPhone    bool            `json:"hasPhone"`
	Available   []string        `json:"available"`
	TOTPPending bool            `json:"totpPending"`
}

// GetMFAStatus returns the caller's second factor enrollment.
func (h *Handler) GetMFAStatus(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	method := account.MFAMethod
	if !account.RequiresMFA() {
		method = model.MFAMethodNone
	}
	available := []string{string(model.MFAMethodTOTP), string(model.MFAMethodEmail)}
	if account.Phone != "" {
		available = append(available, string(model.MFAMethodSMS))
	}
	writeJSON(w, http.StatusOK, mfaStatusResponse{
		Enabled:     account.RequiresMFA(),
		Method:      method,
		HasPhone:    account.Phone != "",
		Available:   available,
		TOTPPending: account.TOTPSecret != "" && method != model.MFAMethodTOTP,
	})
}

// --- TOTP Setup ---

// TOTPSetup initiates TOTP enrollment for the authenticated user
func (h *Handler) TOTPSetup(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	setup, err := h.mfaSvc.SetupTOTP(r.Context(), account.ID)
	if err != nil {
		h.writeServiceError(w, r, err, "TOTP setup failed")
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

type totpConfirmRequest struct {
	Code string `json:"code" validate:"required,numeric,min=6,max=8"`
}

// TOTPConfirm activates a pending TOTP enrollment.
func (h *Handler) TOTPConfirm(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	var req totpConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.mfaSvc.ConfirmTOTP(r.Context(), account.ID, req.Code, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_code", "The verification code is incorrect. Please try again.", nil)
			return
		}
		h.writeServiceError(w, r, err, "TOTP confirmation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "TOTP has been successfully set up."})
}

// EnableDeliveredMFA switches the caller to email or SMS codes.
func (h *Handler) EnableDeliveredMFA(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	method := model.MFAMethod(r.PathValue("method"))
	err := h.mfaSvc.EnableDeliveredMFA(r.Context(), account.ID, method, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to enable MFA")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "MFA enabled", "method": string(method)})
}

// DisableMFA turns the caller's second factor off.
func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	if err := h.mfaSvc.DisableMFA(r.Context(), account.ID, middleware.ClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err, "failed to disable MFA")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "MFA disabled"})
}
