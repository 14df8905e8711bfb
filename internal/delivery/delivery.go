// Package delivery sends one-time sign-in codes to account holders.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/servicedesk/authcore/internal/email"
	"github.com/servicedesk/authcore/internal/model"
)

var (
	ErrNoAddress         = errors.New("account has no address for this delivery method")
	ErrUnsupportedMethod = errors.New("delivery method not supported")
	ErrNoGateway         = errors.New("no sms gateway is listening")
)

// CodeDelivery sends a code to the account over its configured MFA method.
type CodeDelivery interface {
	Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error
}

// Router picks the delivery for the account's MFA method.
type Router struct {
	Email CodeDelivery
	SMS   CodeDelivery
}

func (r *Router) Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error {
	var d CodeDelivery
	switch account.MFAMethod {
	case model.MFAMethodEmail:
		d = r.Email
	case model.MFAMethodSMS:
		d = r.SMS
	}
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, account.MFAMethod)
	}
	return d.Deliver(ctx, account, code, ttl)
}

// EmailDelivery sends codes through an email.Sender.
type EmailDelivery struct {
	sender  email.Sender
	appName string
}

// NewEmailDelivery creates an EmailDelivery.
func NewEmailDelivery(sender email.Sender, appName string) *EmailDelivery {
	return &EmailDelivery{sender: sender, appName: appName}
}

func (d *EmailDelivery) Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error {
	if account.Email == "" {
		return ErrNoAddress
	}
	minutes := int(ttl.Minutes())
	return d.sender.Send(ctx, email.Message{
		To:       account.Email,
		Subject:  fmt.Sprintf("Your %s sign-in code", d.appName),
		HTMLBody: email.LoginCodeHTML(code, d.appName, minutes),
		TextBody: email.LoginCodeText(code, d.appName, minutes),
	})
}

// Publisher is the subset of database.Redis used for the SMS hand-off.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
}

// SMSMessage is published for the SMS gateway worker.
type SMSMessage struct {
	AccountID string    `json:"accountId"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SMSDelivery hands codes to an SMS gateway over Redis pub/sub. Delivery
// counts as successful when at least one gateway received the message.
type SMSDelivery struct {
	pub     Publisher
	channel string
	appName string
	now     func() time.Time
}

// NewSMSDelivery creates an SMSDelivery.
func NewSMSDelivery(pub Publisher, channel, appName string) *SMSDelivery {
	return &SMSDelivery{pub: pub, channel: channel, appName: appName, now: time.Now}
}

func (d *SMSDelivery) Deliver(ctx context.Context, account *model.Account, code string, ttl time.Duration) error {
	if account.Phone == "" {
		return ErrNoAddress
	}
	payload, err := json.Marshal(SMSMessage{
		AccountID: account.ID,
		To:        account.Phone,
		Body:      email.LoginCodeSMS(code, d.appName, int(ttl.Minutes())),
		ExpiresAt: d.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}

	receivers, err := d.pub.Publish(ctx, d.channel, payload)
	if err != nil {
		return fmt.Errorf("failed to publish sms: %w", err)
	}
	if receivers == 0 {
		return ErrNoGateway
	}
	return nil
}
