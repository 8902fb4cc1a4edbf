package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrNotFound       = errors.New("not found")
	ErrConfiguration  = errors.New("configuration error")
)

func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func AuthenticationError(reason string) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, reason)
}

func NotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func ConfigurationError(missing string) error {
	return fmt.Errorf("%w: missing %s", ErrConfiguration, missing)
}
