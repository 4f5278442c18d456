// Package dewarp runs a lens-corrected capture device that feeds a changing
// set of output targets and recovers from disconnects, busy devices and
// stalls on its own.
package dewarp

import (
	"context"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/device/sim"
	"github.com/lanikai/dewarp/internal/output"
	"github.com/lanikai/dewarp/internal/session"
	"github.com/lanikai/dewarp/internal/v4l2"
)

type (
	Event     = session.Event
	EventKind = session.EventKind
	State     = session.State
	Stats     = session.Stats
	Config    = session.Config
	Target    = output.Name
	Surface   = device.Surface
	Size      = device.Size
)

const (
	Primary   = output.Primary
	Record    = output.Record
	Floating  = output.Floating
	Secondary = output.Secondary
)

// DefaultConfig returns the default camera configuration.
func DefaultConfig() Config {
	return session.DefaultConfig()
}

// Camera couples a session controller with its output registry and an event
// broadcaster. Controller methods (Open, Close, Configure, ...) are promoted.
type Camera struct {
	*session.Controller

	registry *output.Registry
	events   *Broadcaster
}

// NewCamera creates a camera on manager. It stays idle until Open.
func NewCamera(cfg Config, manager device.Manager) *Camera {
	c := &Camera{
		registry: output.NewRegistry(),
		events:   NewBroadcaster(),
	}
	c.Controller = session.New(cfg, manager, c.registry, c.events.Publish)
	return c
}

// SetTarget routes frames to s under name, replacing any earlier surface.
func (c *Camera) SetTarget(name Target, s Surface) {
	c.registry.Set(name, s)
}

// RemoveTarget stops delivery to name.
func (c *Camera) RemoveTarget(name Target) bool {
	return c.registry.Remove(name)
}

// Targets lists the targets currently receiving frames, in priority order.
func (c *Camera) Targets() []Target {
	var names []Target
	for _, t := range c.registry.Targets() {
		names = append(names, t.Name)
	}
	return names
}

// Subscribe returns a channel of camera events buffering up to n of them.
func (c *Camera) Subscribe(n int) <-chan Event {
	return c.events.Subscribe(n)
}

func (c *Camera) Unsubscribe(ch <-chan Event) error {
	return c.events.Unsubscribe(ch)
}

// Shutdown closes the device, stops the worker and closes every event
// subscription.
func (c *Camera) Shutdown(ctx context.Context) error {
	err := c.Controller.Shutdown(ctx)
	c.events.Close()
	return err
}

// Sizes offered by simulated devices.
var simSizes = []Size{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1920, Height: 1080},
}

// NewManager returns the device platform named by backend: "v4l2" for Video4Linux
// nodes, or "sim" for simulated devices with the given ids.
func NewManager(backend string, simIDs ...string) (device.Manager, error) {
	switch backend {
	case "v4l2":
		return v4l2.NewManager(), nil
	case "sim":
		m := sim.NewManager()
		for _, id := range simIDs {
			m.Add(id, simSizes...)
		}
		return m, nil
	}
	return nil, ErrUnknownBackend
}
