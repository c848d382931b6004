package relay

import "errors"

// Domain errors for the relay package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, relay.ErrDeviceOffline) {
//	    // no connection registered for the device
//	}
var (
	// ErrDeviceOffline is returned when no connection is registered for a device.
	// It is returned immediately and never retried automatically.
	ErrDeviceOffline = errors.New("relay: device offline")

	// ErrTimeout is returned when a pending command's deadline elapses.
	ErrTimeout = errors.New("relay: command timed out")

	// ErrTransportFailure is returned when the device connection failed or was
	// torn down while a command was in flight.
	ErrTransportFailure = errors.New("relay: transport failure")

	// ErrSinkClosed marks a subscriber removed after a failed write.
	// It never escapes Publish.
	ErrSinkClosed = errors.New("relay: sink closed")

	// ErrSlowSubscriber marks a subscriber removed because its queue was full.
	ErrSlowSubscriber = errors.New("relay: subscriber too slow")

	// ErrUnknownToken is returned when awaiting a token that is not pending.
	ErrUnknownToken = errors.New("relay: unknown correlation token")

	// ErrRelayClosed is returned by operations after Close.
	ErrRelayClosed = errors.New("relay: closed")

	// ErrInvalidDeviceID is returned for an empty device identity.
	ErrInvalidDeviceID = errors.New("relay: invalid device id")

	// ErrInvalidCommand is returned for an empty command name.
	ErrInvalidCommand = errors.New("relay: invalid command")
)
