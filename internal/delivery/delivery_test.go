package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/email"
	"github.com/servicedesk/authcore/internal/model"
)

type captureSender struct {
	sent []email.Message
}

func (c *captureSender) Send(ctx context.Context, msg email.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

type capturePublisher struct {
	receivers int64
	channel   string
	payload   []byte
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	p.channel = channel
	p.payload, _ = message.([]byte)
	return p.receivers, nil
}

func TestRouterEmail(t *testing.T) {
	sender := &captureSender{}
	r := &Router{Email: NewEmailDelivery(sender, "ServiceDesk")}

	acc := &model.Account{ID: "acc_1", Email: "a@example.com", MFAMethod: model.MFAMethodEmail}
	require.NoError(t, r.Deliver(context.Background(), acc, "123456", 5*time.Minute))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "a@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].TextBody, "123456")
}

func TestRouterUnsupported(t *testing.T) {
	r := &Router{}
	err := r.Deliver(context.Background(), &model.Account{MFAMethod: model.MFAMethodTOTP}, "123456", time.Minute)
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestSMSDelivery(t *testing.T) {
	pub := &capturePublisher{receivers: 1}
	d := NewSMSDelivery(pub, "authcore:sms:outbound", "ServiceDesk")

	acc := &model.Account{ID: "acc_1", Phone: "+15550100", MFAMethod: model.MFAMethodSMS}
	require.NoError(t, d.Deliver(context.Background(), acc, "654321", 5*time.Minute))
	assert.Equal(t, "authcore:sms:outbound", pub.channel)

	var msg SMSMessage
	require.NoError(t, json.Unmarshal(pub.payload, &msg))
	assert.Equal(t, "+15550100", msg.To)
	assert.Contains(t, msg.Body, "654321")
}

func TestSMSDeliveryFailures(t *testing.T) {
	d := NewSMSDelivery(&capturePublisher{}, "ch", "ServiceDesk")
	ctx := context.Background()

	assert.ErrorIs(t, d.Deliver(ctx, &model.Account{Phone: "+1555"}, "1", time.Minute), ErrNoGateway)
	assert.ErrorIs(t, d.Deliver(ctx, &model.Account{}, "1", time.Minute), ErrNoAddress)
}
