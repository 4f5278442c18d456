package device

import (
	errors "golang.org/x/xerrors"
)

var (
	// ErrSurfaceAbandoned is returned when writing to a surface whose owner has
	// destroyed it.
	ErrSurfaceAbandoned = errors.New("surface abandoned")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotFound is returned for unknown device ids.
	ErrNotFound = errors.New("device not found")
)

// ErrorCode classifies device-level failures.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota

	// Device is held by another client.
	ErrorInUse

	// Too many devices are open system-wide.
	ErrorMaxInUse

	// Device disabled by policy.
	ErrorDisabled

	// Platform camera service failed.
	ErrorService

	// Hardware-level device failure.
	ErrorDevice

	// Device went away.
	ErrorDisconnected

	// Invalid argument or otherwise unrecoverable condition.
	ErrorInvalid

	// Caller lacks permission to use the device.
	ErrorPermission

	// Device id unknown or capabilities unavailable.
	ErrorDeviceInvalid

	// Configuration kept failing after retries and target shedding.
	ErrorConfigureFailed

	// Automatic reconnection gave up.
	ErrorReconnectExhausted
)

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorInUse:
		return "in-use"
	case ErrorMaxInUse:
		return "max-in-use"
	case ErrorDisabled:
		return "disabled"
	case ErrorService:
		return "service"
	case ErrorDevice:
		return "device"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorInvalid:
		return "invalid"
	case ErrorPermission:
		return "permission"
	case ErrorDeviceInvalid:
		return "device-invalid"
	case ErrorConfigureFailed:
		return "configure-failed"
	case ErrorReconnectExhausted:
		return "reconnect-exhausted"
	default:
		return "unknown"
	}
}

// Error carries an ErrorCode alongside the underlying cause.
type Error struct {
	Code ErrorCode
	Err  error
}

func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "device error: " + e.Code.String()
	}
	return "device error " + e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from err, or ErrorNone.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrorNone
}
