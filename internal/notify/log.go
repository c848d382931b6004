package notify

import "context"

// Logger is the subset of logging.Logger the log sender needs.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// LogSender logs messages instead of sending them. The body, which may hold
// a one-time code, is logged only at debug level.
type LogSender struct {
	logger Logger
}

// NewLogSender creates a sender writing to logger.
func NewLogSender(logger Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message.
func (s *LogSender) Send(_ context.Context, recipient, subject, body string) error {
	if err := ValidateRecipient(recipient); err != nil {
		return err
	}
	s.logger.Info("notification not delivered: no mailer configured",
		"recipient", recipient, "subject", subject)
	s.logger.Debug("notification body", "recipient", recipient, "body", body)
	return nil
}
