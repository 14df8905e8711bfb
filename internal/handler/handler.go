package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/delivery"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/repository"
	"github.com/servicedesk/authcore/internal/service"
)

// Services bundles the domain services the handlers call.
type Services struct {
	Auth     *service.AuthService
	Sessions *service.SessionService
	MFA      *service.MFAService
	Admin    *service.AdminService
	Keys     *service.KeyService
	Events   *service.SecurityEventService
	Resolver *service.PermissionResolver
}

// Handler holds all HTTP handlers
type Handler struct {
	db       *database.Postgres
	rdb      *database.Redis
	log      *logger.Logger
	cfg      *config.Config
	validate *validator.Validate

	authSvc    *service.AuthService
	sessionSvc *service.SessionService
	mfaSvc     *service.MFAService
	adminSvc   *service.AdminService
	keySvc     *service.KeyService
	eventSvc   *service.SecurityEventService
	resolver   *service.PermissionResolver
}

// New creates a new Handler instance. db and rdb are nil when the memory
// driver is selected; health checks report them as disabled.
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, svc Services) *Handler {
	return &Handler{
		db:         db,
		rdb:        rdb,
		log:        log.WithComponent("handler"),
		cfg:        cfg,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		authSvc:    svc.Auth,
		sessionSvc: svc.Sessions,
		mfaSvc:     svc.MFA,
		adminSvc:   svc.Admin,
		keySvc:     svc.Keys,
		eventSvc:   svc.Events,
		resolver:   svc.Resolver,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, nil, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	if r != nil {
		if reqID := middleware.GetRequestID(r.Context()); reqID != "" {
			body["request_id"] = reqID
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// decode reads and validates a request body, writing the 400 response itself
// when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := readJSON(r, v); err != nil {
		writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "Invalid request body", nil)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				fields[lowerFirst(fe.Field())] = fe.Tag()
			}
			writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "Request validation failed", map[string]interface{}{"fields": fields})
			return false
		}
		writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return false
	}
	return true
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// writeServiceError maps domain sentinels to HTTP responses. Anything not
// recognised is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var pv *auth.PolicyViolation
	switch {
	case errors.As(err, &pv):
		writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "password_policy", pv.Error(), map[string]interface{}{"rule": pv.Rule})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_credentials", "The credentials are incorrect.", nil)
	case errors.Is(err, service.ErrChallengeExpiredOrInvalid):
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "invalid_challenge", "The verification code is invalid or has expired.", nil)
	case errors.Is(err, service.ErrSessionExpired):
		writeErrorWithDetails(w, r, http.StatusUnauthorized, "session_expired", "The session is invalid or expired.", nil)
	case errors.Is(err, service.ErrSessionIPMismatch):
		writeErrorWithDetails(w, r, http.StatusForbidden, "ip_not_allowed", "Access from this address is not permitted for the account.", nil)
	case errors.Is(err, service.ErrPermissionDenied):
		writeErrorWithDetails(w, r, http.StatusForbidden, "forbidden", "You do not have permission to perform this action.", nil)
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, repository.ErrNotFound):
		writeErrorWithDetails(w, r, http.StatusNotFound, "not_found", "Account not found.", nil)
	case errors.Is(err, repository.ErrDuplicate):
		writeErrorWithDetails(w, r, http.StatusConflict, "already_exists", "An account with this email already exists.", nil)
	case errors.Is(err, service.ErrPasswordReused):
		writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "password_reused", "The new password was used recently.", nil)
	case errors.Is(err, service.ErrMFAAlreadyEnrolled):
		writeErrorWithDetails(w, r, http.StatusConflict, "mfa_already_enrolled", "TOTP is already enrolled.", nil)
	case errors.Is(err, service.ErrMFANotPending):
		writeErrorWithDetails(w, r, http.StatusConflict, "mfa_not_pending", "Start TOTP setup before confirming it.", nil)
	case errors.Is(err, service.ErrInvalidMFAMethod):
		writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_mfa_method", "Unsupported MFA method.", nil)
	case errors.Is(err, delivery.ErrNoAddress):
		writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "no_delivery_address", "The account has no address for this method.", nil)
	case errors.Is(err, service.ErrUnknownRole):
		writeErrorWithDetails(w, r, http.StatusBadRequest, "unknown_role", err.Error(), nil)
	case errors.Is(err, service.ErrInvalidSettings):
		writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_settings", err.Error(), nil)
	default:
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg(msg)
		writeErrorWithDetails(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
	}
}

// actor describes the authenticated caller for audit records.
func actor(r *http.Request) service.Actor {
	a := service.Actor{IP: middleware.ClientIP(r), UserAgent: r.UserAgent()}
	if account := middleware.AccountFromContext(r.Context()); account != nil {
		a.AccountID = account.ID
	}
	return a
}
