package geo

import (
	"errors"
	"fmt"
)

// ErrorCode mirrors the three position failure classes a device reports.
type ErrorCode int

const (
	CodePermissionDenied    ErrorCode = 1
	CodePositionUnavailable ErrorCode = 2
	CodeTimeout             ErrorCode = 3
)

func (c ErrorCode) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission denied"
	case CodePositionUnavailable:
		return "position unavailable"
	case CodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

var (
	ErrPermissionDenied    = &PositionError{Code: CodePermissionDenied}
	ErrPositionUnavailable = &PositionError{Code: CodePositionUnavailable}
	ErrTimeout             = &PositionError{Code: CodeTimeout}
)

// PositionError is returned by devices and the sampler.
type PositionError struct {
	Code    ErrorCode
	Message string
}

func (e *PositionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("geolocation %s: %s", e.Code, e.Message)
	}
	return "geolocation " + e.Code.String()
}

// Is matches any PositionError with the same code.
func (e *PositionError) Is(target error) bool {
	pe, ok := target.(*PositionError)
	return ok && pe.Code == e.Code
}

// NewPositionError builds a PositionError with a message.
func NewPositionError(code ErrorCode, msg string) *PositionError {
	return &PositionError{Code: code, Message: msg}
}

// CodeOf returns the code carried by err, or 0.
func CodeOf(err error) ErrorCode {
	var pe *PositionError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
