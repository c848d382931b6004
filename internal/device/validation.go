package device

import (
	"fmt"
	"net/mail"
	"regexp"

	"github.com/nerrad567/camrelay/internal/protocol"
)

// Validation constants.
const (
	idPattern      = `^[A-Za-z0-9][A-Za-z0-9._-]*$`
	maxEmailLength = 254
)

var idRegex = regexp.MustCompile(idPattern)

// ValidateID checks that id is usable as a device identity and as a single
// directory key segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > protocol.MaxDeviceIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, protocol.MaxDeviceIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidID, id, idPattern)
	}
	return nil
}

// ValidateEmail checks that email is a bare address without a display name.
func ValidateEmail(email string) error {
	if email == "" || len(email) > maxEmailLength {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}
