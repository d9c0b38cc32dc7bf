package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers wrap these with context and classify with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrAuthentication     = errors.New("authentication required")
	ErrForbidden          = errors.New("forbidden")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrStateConflict      = errors.New("state conflict")
	ErrNotFound           = errors.New("not found")
)

// ErrUnknownTransaction is returned when a callback names a transaction that
// was never created by a pay call.
var ErrUnknownTransaction = fmt.Errorf("unknown transaction: %w", ErrNotFound)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrStateConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}
