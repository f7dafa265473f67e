package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrEmptyQuery          = errors.New("query is empty")
	ErrLimitOutOfRange     = errors.New("limit out of range")
	ErrThresholdOutOfRange = errors.New("threshold out of range")
)

// Sentinel errors for configuration failures.
var (
	ErrMissingAsset   = errors.New("asset missing")
	ErrMalformedAsset = errors.New("asset malformed")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ConfigError reports a startup-time problem with an asset or setting. It is
// fatal: components refuse to construct rather than degrade.
type ConfigError struct {
	Component string
	Path      string
	Wrapped   error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s: %v", e.Component, e.Wrapped)
	}
	return fmt.Sprintf("config: %s: %s: %v", e.Component, e.Path, e.Wrapped)
}

func (e *ConfigError) Unwrap() error { return e.Wrapped }

// NewConfigError creates a ConfigError.
func NewConfigError(component, path string, wrapped error) *ConfigError {
	return &ConfigError{Component: component, Path: path, Wrapped: wrapped}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
