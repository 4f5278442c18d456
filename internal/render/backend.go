package render

import (
	"image"
	"time"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
)

// Backend is a rendering context with one shared input texture. It is used
// from a single goroutine (the device worker) and needs no locking.
type Backend interface {
	// Upload replaces the contents of the shared input texture.
	Upload(img image.Image) error

	// Bind makes s the active destination, creating its window surface on
	// first use. It fails with device.ErrSurfaceAbandoned for dead surfaces.
	Bind(s device.Surface) error

	// Viewport sets the size of the active destination's drawable area.
	Viewport(size device.Size)

	// Clear fills the viewport with opaque black.
	Clear()

	// Draw renders a full-viewport quad, sampling the input texture through
	// the distortion program.
	Draw(p distortion.Params) error

	// Present posts the drawn image to the active destination.
	Present(ts time.Time, seq uint64) error

	// Release destroys the window surface associated with s, if any.
	Release(s device.Surface)

	// Close releases the context and every window surface.
	Close()
}
