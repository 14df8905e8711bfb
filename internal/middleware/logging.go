package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
)

const accessKey contextKey = "access"

// accessRecord is filled in by inner middleware so the access log line can
// name the session that served the request.
type accessRecord struct {
	accountID string
	sessionID string
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Logger writes one access log line per request, including the account and
// session when Auth accepted the request.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := GetStartTime(r.Context())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		access := &accessRecord{}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), accessKey, access)))

		m.log.HTTPRequest(logger.Access{
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    rec.status,
			Duration:  time.Since(start),
			ClientIP:  ClientIP(r),
			RequestID: GetRequestID(r.Context()),
			AccountID: access.accountID,
			SessionID: access.sessionID,
		})
	})
}

// noteSession records the authenticated session for the access log.
func noteSession(ctx context.Context, sess *model.Session) {
	if access, ok := ctx.Value(accessKey).(*accessRecord); ok && sess != nil {
		access.accountID = sess.AccountID
		access.sessionID = sess.ID
	}
}

// Recover turns a handler panic into a 500 and logs the stack.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.log.Error().
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("request_id", GetRequestID(r.Context())).
					Msg("panic recovered")

				writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
