package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ErrInvalidRecipient is returned for empty or malformed addresses.
var ErrInvalidRecipient = errors.New("notify: invalid recipient")

// ErrDeliveryFailed wraps transport failures.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// Sender delivers a message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Message is the JSON payload handed to the mailer bridge.
type Message struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateRecipient checks that recipient is a single plain email address.
func ValidateRecipient(recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ErrInvalidRecipient
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil || addr.Address != recipient {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return nil
}

// CodeMessage renders the subject and body of a one-time code email.
func CodeMessage(deviceID, code string, ttl time.Duration) (subject, body string) {
	subject = fmt.Sprintf("Your camrelay code for %s", deviceID)
	body = fmt.Sprintf("Your verification code for camera %s is %s.\n\nIt expires in %d minutes. If you did not request it, ignore this email.\n",
		deviceID, code, int(ttl.Round(time.Minute)/time.Minute))
	return subject, body
}
