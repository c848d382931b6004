package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Publisher is the subset of the MQTT client used to hand messages off.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTSender publishes messages to a topic consumed by a mailer bridge.
// Delivery is confirmed only as far as the broker.
type MQTTSender struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

// NewMQTTSender creates a sender publishing to topic.
func NewMQTTSender(pub Publisher, topic string) *MQTTSender {
	return &MQTTSender{pub: pub, topic: topic, now: time.Now}
}

// Send publishes the message. It does not retain it.
func (s *MQTTSender) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ValidateRecipient(recipient); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Message{
		ID:        uuid.NewString(),
		To:        recipient,
		Subject:   subject,
		Body:      body,
		CreatedAt: s.now().UTC(),
	}
	if err := s.pub.PublishJSON(s.topic, msg, false); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
