package session

import (
	"errors"

	"wweb-gateway/internal/auth"
)

// ErrValidation is matched by every error caused by bad caller input.
var ErrValidation = errors.New("validation error")

var (
	ErrInvalidSessionID = &validationError{"session id must be non-empty and contain only letters, digits, '_' or '-'"}
	ErrLimitReached     = &validationError{"maximum session limit reached"}
)

var (
	ErrNotFound      = errors.New(MessageNotFound)
	ErrAlreadyExists = errors.New("session already exists")
	ErrQRUnavailable = errors.New("qr code not ready or already scanned")
	ErrClientExited  = errors.New("client exited before authentication")
)

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }

// IsValidation reports whether err was caused by the caller's input rather
// than by the system.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, auth.ErrInvalidConfig) ||
		errors.Is(err, auth.ErrUnknownProvider)
}
