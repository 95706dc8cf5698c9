package broker

import (
	"errors"
	"fmt"
)

// ErrPermanent marks handler failures that are never worth retrying, such as
// malformed payloads. The retry wrapper dead-letters these immediately.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
