package email

import (
	"context"

	"github.com/servicedesk/authcore/internal/logger"
)

// LogSender writes messages to the log instead of sending them. It is the
// default provider for development.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email_log")}
}

// Send logs the message.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.TextBody).
		Msg("email not sent (log provider)")
	return nil
}
