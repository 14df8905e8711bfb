package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/servicedesk/authcore/internal/config"
)

// ResendSender implements Sender using the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a ResendSender.
func NewResendSender(cfg config.ResendConfig) (*ResendSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("resend: api key and from address are required")
	}
	return &ResendSender{client: resend.NewClient(cfg.APIKey), from: cfg.From}, nil
}

// Send sends an email via Resend. The SDK call does not take a context, so
// cancellation is only checked before the request.
func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Emails.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
		Text:    msg.TextBody,
	})
	if err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}
