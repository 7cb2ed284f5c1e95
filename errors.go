package zarr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Store when a key holds no value.
var ErrNotFound = errors.New("zarr: key not found")

// ConfigurationError is returned when metadata or a codec chain is
// constructed from invalid parameters.
type ConfigurationError struct {
	msg string
	err error
}

// NewConfigurationError constructs a ConfigurationError.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("zarr configuration: %s: %s", e.msg, e.err.Error())
	}
	return "zarr configuration: " + e.msg
}

// Unwrap returns the wrapped err
func (e *ConfigurationError) Unwrap() error {
	return e.err
}

// FormatError is returned when a stored document or chunk is malformed.
type FormatError struct {
	msg string
	err error
}

// NewFormatError constructs a FormatError.
func NewFormatError(format string, args ...any) *FormatError {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// wrapFormatError constructs a FormatError around err.
func wrapFormatError(err error, format string, args ...any) *FormatError {
	return &FormatError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *FormatError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("zarr format: %s: %s", e.msg, e.err.Error())
	}
	return "zarr format: " + e.msg
}

// Unwrap returns the wrapped err
func (e *FormatError) Unwrap() error {
	return e.err
}

// IntegrityError is returned when a checksum does not match its payload.
// Unlike a FormatError the bytes may be intact in another replica.
type IntegrityError struct {
	codec    string
	expected uint32
	actual   uint32
}

// NewIntegrityError constructs an IntegrityError
func NewIntegrityError(codec string, expected, actual uint32) *IntegrityError {
	return &IntegrityError{codec: codec, expected: expected, actual: actual}
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("zarr integrity: %s checksum mismatch: stored %08x, computed %08x", e.codec, e.expected, e.actual)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsFormatError reports whether err wraps a *FormatError.
func IsFormatError(err error) bool {
	var target *FormatError
	return errors.As(err, &target)
}

// IsIntegrityError reports whether err wraps an *IntegrityError.
func IsIntegrityError(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// IsNotFound reports whether err means the requested node or key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
