package email

import (
	"context"
	"fmt"

	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/logger"
)

// Sender is the interface that all email providers must implement.
type Sender interface {
	// Send sends an email to the specified recipient.
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string // recipient email address
	Subject  string // email subject
	HTMLBody string // HTML email body
	TextBody string // plain-text fallback body
}

// NewSender builds the provider selected by cfg.Provider.
func NewSender(ctx context.Context, cfg config.EmailConfig, log *logger.Logger) (Sender, error) {
	var (
		sender Sender
		err    error
	)
	switch cfg.Provider {
	case "gmail":
		g := cfg.Gmail
		if g.RefreshToken != "" {
			sender, err = NewGmailSenderWithToken(ctx, g.ClientID, g.ClientSecret, g.RefreshToken, g.SenderAddress, g.SenderName)
		} else {
			sender, err = NewGmailSender(ctx, g)
		}
	case "smtp":
		sender, err = NewSMTPSender(cfg.SMTP)
	case "resend":
		sender, err = NewResendSender(cfg.Resend)
	case "log", "":
		sender = NewLogSender(log)
	default:
		err = fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return sender, nil
}
