package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/camrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/camrelay/internal/protocol"
)

const defaultCommandTimeout = 10 * time.Second

// Commander delivers commands to connected devices. Satisfied by
// *relay.Relay.
type Commander interface {
	SendCommand(ctx context.Context, deviceID, name string) error
	RequestStart(ctx context.Context, deviceID string) (queued bool, err error)
}

// CommandMessage is the payload on camrelay/device/{id}/command.
type CommandMessage struct {
	Name string `json:"name"`
}

// CommandHandler returns an MQTT message handler that forwards command
// messages to cmd. A start for an offline device is queued for its next
// connection; any other command for an offline device fails.
func CommandHandler(cmd Commander, timeout time.Duration, logger Logger) func(topic string, payload []byte) error {
	if logger == nil {
		logger = noopLogger{}
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return func(topic string, payload []byte) error {
		id, ok := mqtt.DeviceIDFromTopic(topic)
		if !ok {
			return fmt.Errorf("%w: unexpected topic %q", ErrInvalidID, topic)
		}
		if err := ValidateID(id); err != nil {
			return err
		}

		var msg CommandMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if msg.Name == "" {
			return ErrInvalidCommand
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if msg.Name == protocol.CommandStart {
			queued, err := cmd.RequestStart(ctx, id)
			if err != nil {
				return fmt.Errorf("starting %s: %w", id, err)
			}
			logger.Info("start requested over mqtt", "device_id", id, "queued", queued)
			return nil
		}

		if err := cmd.SendCommand(ctx, id, msg.Name); err != nil {
			return fmt.Errorf("sending %s to %s: %w", msg.Name, id, err)
		}
		logger.Debug("command forwarded from mqtt", "device_id", id, "command", msg.Name)
		return nil
	}
}
