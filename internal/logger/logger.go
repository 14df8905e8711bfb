package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// New creates a new Logger writing to stdout
func New(level string, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level string, format string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "text" || format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
	}

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithRequestID returns a new logger with the request ID attached
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With().Str("request_id", requestID).Logger(),
	}
}

// WithAccountID returns a new logger with the account ID attached
func (l *Logger) WithAccountID(accountID string) *Logger {
	return &Logger{
		Logger: l.With().Str("account_id", accountID).Logger(),
	}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// Access describes one served HTTP request.
type Access struct {
	Method    string
	Path      string
	Status    int
	Duration  time.Duration
	ClientIP  string
	RequestID string
	// AccountID and SessionID are empty for unauthenticated requests.
	AccountID string
	SessionID string
}

// HTTPRequest writes the access log line. Server errors are logged at error
// level and client errors at warn.
func (l *Logger) HTTPRequest(a Access) {
	var event *zerolog.Event
	switch {
	case a.Status >= 500:
		event = l.Error()
	case a.Status >= 400:
		event = l.Warn()
	default:
		event = l.Info()
	}

	event = event.
		Str("method", a.Method).
		Str("path", a.Path).
		Int("status", a.Status).
		Dur("duration", a.Duration).
		Str("client_ip", a.ClientIP).
		Str("request_id", a.RequestID)
	if a.AccountID != "" {
		event = event.Str("account_id", a.AccountID).Str("session_id", a.SessionID)
	}
	event.Msg("HTTP request")
}

// SecurityEvent mirrors a persisted security event into the log stream so
// that log shippers see it even if the event store is unavailable.
func (l *Logger) SecurityEvent(accountID, eventType, severity, ipAddress string, details map[string]interface{}) {
	var event *zerolog.Event
	switch severity {
	case "critical":
		event = l.Error()
	case "warning":
		event = l.Warn()
	default:
		event = l.Info()
	}

	event = event.
		Str("audit", "true").
		Str("account_id", accountID).
		Str("event_type", eventType).
		Str("severity", severity).
		Str("ip_address", ipAddress)

	if details != nil {
		event.Interface("details", details)
	}

	event.Msg("security event")
}
