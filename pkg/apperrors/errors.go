package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrValidation             = errors.New("validation failed")
	ErrJobInProgress          = errors.New("a job is already running for this resource")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrSourceDisabled         = errors.New("source is disabled")
	ErrCredentialsKeyMismatch = errors.New("credentials were encrypted with a different key")
)
