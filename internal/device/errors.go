package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when no record exists for a device ID.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidID is returned when a device ID fails validation.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidEmail is returned when a registration email is not a plain address.
	ErrInvalidEmail = errors.New("device: invalid email")

	// ErrAlreadyRegistered is returned when a device is registered again
	// with a different email. Changing the address needs ChangeEmail.
	ErrAlreadyRegistered = errors.New("device: already registered to another address")

	// ErrInvalidCommand is returned for an inbound command without a name.
	ErrInvalidCommand = errors.New("device: invalid command")
)
