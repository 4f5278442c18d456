// Package device defines the boundary between the session controller and a
// capture platform: device enumeration, device handles, capture sessions and
// the surfaces frames are written into.
//
// Platform calls are asynchronous. Results arrive on listener callbacks, which
// may be invoked from any goroutine; the controller marshals them onto its
// worker.
package device

import (
	"image"
	"time"
)

// Frame is one captured (or rendered) image.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Sequence  uint64
}

// Surface is a destination a device or renderer writes frames into. It is owned
// by whoever created it and may become invalid at any time.
type Surface interface {
	// Deliver hands a frame to the surface. It returns ErrSurfaceAbandoned once
	// the surface has been destroyed by its owner.
	Deliver(f Frame) error

	// Valid reports whether the surface can still accept frames.
	Valid() bool

	// Size is the surface's own size, if it reports one.
	Size() (Size, bool)
}

// Info describes a capture device's static capabilities.
type Info struct {
	ID    string
	Name  string
	Sizes []Size
}

// Manager enumerates and opens capture devices.
type Manager interface {
	// Devices returns the ids of the currently available devices.
	Devices() ([]string, error)

	// Capabilities queries a device's static capabilities.
	Capabilities(id string) (Info, error)

	// Open requests exclusive access to a device. The outcome is reported to l.
	// A returned error means the request could not even be issued.
	Open(id string, l StateListener) error
}

// StateListener receives device-level callbacks.
type StateListener interface {
	OnOpened(d Device)
	OnDisconnected(d Device)
	OnError(d Device, code ErrorCode)
}

// Device is an open capture device.
type Device interface {
	ID() string

	// CreateSession negotiates a streaming configuration writing into the given
	// surfaces. The outcome is reported to l.
	CreateSession(cfg SessionConfig, l SessionListener) error

	// Close releases the device. Any session is closed with it.
	Close()
}

// SessionConfig is the requested streaming configuration.
type SessionConfig struct {
	Size     Size
	Surfaces []Surface
}

// SessionListener receives session configuration callbacks.
type SessionListener interface {
	OnConfigured(s Session)
	OnConfigureFailed(s Session, err error)

	// OnClosed confirms the session released its surfaces.
	OnClosed(s Session)
}

// CaptureListener receives per-frame results of a repeating request.
type CaptureListener interface {
	OnCaptureCompleted(s Session, ts time.Time, seq uint64)
	OnCaptureFailed(s Session, err error)
}

// Session is a configured stream from a device to a set of surfaces.
type Session interface {
	// SetRepeating starts, or replaces, continuous capture into surfaces. Every
	// surface must be part of the session's configuration.
	SetRepeating(surfaces []Surface, l CaptureListener) error

	// StopRepeating halts continuous capture.
	StopRepeating() error

	// AttachSurface adds a surface to the session's shared output without
	// reconfiguring. Finalize must succeed before the surface is used in a
	// repeating request.
	AttachSurface(s Surface) error
	Finalize(s Surface) error

	// DetachSurface removes a surface from the shared output.
	DetachSurface(s Surface) error

	// Close releases the session. OnClosed follows asynchronously.
	Close()
}
