// Package chaterr holds the error taxonomy shared by the server and client
// halves of the messaging core.
package chaterr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDecryption is returned when an authenticated payload cannot be
	// opened with the key at hand. Callers render the message as locked.
	ErrDecryption = errors.New("decryption failed")

	// ErrKeyUnavailable is returned when no shared key could be derived for a
	// peer within the allotted time.
	ErrKeyUnavailable = errors.New("shared key not ready")

	// ErrTransport marks a failed emit or a dropped live connection.
	ErrTransport = errors.New("transport unavailable")

	// ErrPersistence marks a failure of the durable message store.
	ErrPersistence = errors.New("persistence failed")
)

// ValidationError rejects malformed input at the API edge. No partial write
// happens when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Persistence wraps a storage failure so that errors.Is(err, ErrPersistence)
// holds while the cause text is kept.
func Persistence(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(ErrPersistence, "%s: %v", fmt.Sprintf(format, args...), err)
}

// Transport wraps a live connection failure.
func Transport(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(ErrTransport, "%s: %v", fmt.Sprintf(format, args...), err)
}
