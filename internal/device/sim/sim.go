// Package sim is an in-process capture platform. Devices produce a moving test
// pattern and can be scripted to fail in the ways real devices do: busy or
// broken at open, failing configuration, disconnecting, stalling, or never
// confirming a session close.
package sim

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sim")

// Manager implements device.Manager over a set of simulated cameras.
type Manager struct {
	mu      sync.Mutex
	cameras map[string]*Camera
}

func NewManager() *Manager {
	return &Manager{cameras: make(map[string]*Camera)}
}

// Add registers a camera supporting the given sizes. A camera without sizes
// reports no capability data.
func (m *Manager) Add(id string, sizes ...device.Size) *Camera {
	c := &Camera{
		id:    id,
		sizes: sizes,
		fps:   30,
	}
	m.mu.Lock()
	m.cameras[id] = c
	m.mu.Unlock()
	return c
}

// Remove unplugs a camera. An open handle is disconnected.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	c := m.cameras[id]
	delete(m.cameras, id)
	m.mu.Unlock()

	if c != nil {
		c.Disconnect()
	}
}

func (m *Manager) camera(id string) *Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameras[id]
}

func (m *Manager) Devices() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.cameras))
	for id := range m.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Manager) Capabilities(id string) (device.Info, error) {
	c := m.camera(id)
	if c == nil {
		return device.Info{}, device.NewError(device.ErrorDeviceInvalid, device.ErrNotFound)
	}
	c.capQueries.Add(1)
	return device.Info{ID: id, Name: "Simulated camera " + id, Sizes: c.sizes}, nil
}

func (m *Manager) Open(id string, l device.StateListener) error {
	c := m.camera(id)
	if c == nil {
		return device.NewError(device.ErrorDeviceInvalid, device.ErrNotFound)
	}
	c.opens.Add(1)

	go func() {
		c.mu.Lock()
		delay := c.openDelay
		var code device.ErrorCode
		if len(c.openErrors) > 0 {
			code = c.openErrors[0]
			c.openErrors = c.openErrors[1:]
		}
		c.mu.Unlock()

		time.Sleep(delay)

		if code != device.ErrorNone {
			log.Debug("%s: open fails with %v", id, code)
			l.OnError(nil, code)
			return
		}

		h := &handle{token: uuid.New(), camera: c, listener: l}
		c.mu.Lock()
		c.current = h
		c.mu.Unlock()
		log.Debug("%s: opened handle %s", id, h.token)
		l.OnOpened(h)
	}()
	return nil
}

// Camera is a scriptable simulated device.
type Camera struct {
	id    string
	sizes []device.Size

	mu                sync.Mutex
	fps               float64
	openDelay         time.Duration
	openErrors        []device.ErrorCode
	configureFailures int
	opFailures        [numOps]int
	holdClose         bool
	current           *handle
	activeSessions    int
	maxSessions       int

	stalled    atomic.Bool
	opens      atomic.Int32
	created    atomic.Int32
	capQueries atomic.Int32
	detaches   atomic.Int32
}

// Op is a session operation that can be scripted to fail.
type Op int

const (
	OpAttach Op = iota
	OpFinalize
	OpRepeating
	numOps
)

var errRejected = errors.New("sim: operation rejected")

// SetFPS sets the frame rate of sessions started afterwards.
func (c *Camera) SetFPS(fps float64) {
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

// SetOpenDelay delays every open callback.
func (c *Camera) SetOpenDelay(d time.Duration) {
	c.mu.Lock()
	c.openDelay = d
	c.mu.Unlock()
}

// FailNextOpens makes the next opens fail with the given codes, in order.
func (c *Camera) FailNextOpens(codes ...device.ErrorCode) {
	c.mu.Lock()
	c.openErrors = append(c.openErrors, codes...)
	c.mu.Unlock()
}

// FailConfigures makes the next n session configurations fail.
func (c *Camera) FailConfigures(n int) {
	c.mu.Lock()
	c.configureFailures = n
	c.mu.Unlock()
}

// FailNext makes the next n calls of op fail, on any session.
func (c *Camera) FailNext(op Op, n int) {
	c.mu.Lock()
	c.opFailures[op] = n
	c.mu.Unlock()
}

func (c *Camera) takeFailure(op Op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opFailures[op] == 0 {
		return false
	}
	c.opFailures[op]--
	return true
}

// HoldCloseConfirmation makes closed sessions never report OnClosed.
func (c *Camera) HoldCloseConfirmation(hold bool) {
	c.mu.Lock()
	c.holdClose = hold
	c.mu.Unlock()
}

// Stall stops (or resumes) frame production without any error.
func (c *Camera) Stall(stalled bool) {
	c.stalled.Store(stalled)
}

// Disconnect reports the open handle as disconnected.
func (c *Camera) Disconnect() {
	if h := c.detach(); h != nil {
		h.listener.OnDisconnected(h)
	}
}

// RaiseError reports a device-level error on the open handle.
func (c *Camera) RaiseError(code device.ErrorCode) {
	if h := c.detach(); h != nil {
		h.listener.OnError(h, code)
	}
}

func (c *Camera) detach() *handle {
	c.mu.Lock()
	h := c.current
	c.current = nil
	c.mu.Unlock()
	if h != nil {
		h.shutdown()
	}
	return h
}

// Opens counts Open requests.
func (c *Camera) Opens() int { return int(c.opens.Load()) }

// SessionsCreated counts CreateSession requests.
func (c *Camera) SessionsCreated() int { return int(c.created.Load()) }

// Detaches counts successful DetachSurface calls.
func (c *Camera) Detaches() int { return int(c.detaches.Load()) }

// CapabilityQueries counts Capabilities calls.
func (c *Camera) CapabilityQueries() int { return int(c.capQueries.Load()) }

// IsOpen reports whether a handle is currently open.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// ActiveSessions counts configured sessions that have not been closed.
func (c *Camera) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessions
}

// MaxConcurrentSessions is the largest ActiveSessions value ever observed.
func (c *Camera) MaxConcurrentSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSessions
}

func (c *Camera) sessionOpened() {
	c.mu.Lock()
	c.activeSessions++
	if c.activeSessions > c.maxSessions {
		c.maxSessions = c.activeSessions
	}
	c.mu.Unlock()
}

func (c *Camera) sessionClosed() {
	c.mu.Lock()
	c.activeSessions--
	c.mu.Unlock()
}

// handle implements device.Device.
type handle struct {
	token    uuid.UUID
	camera   *Camera
	listener device.StateListener

	mu       sync.Mutex
	closed   bool
	sessions []*session
}

func (h *handle) ID() string {
	return h.camera.id
}

func (h *handle) CreateSession(cfg device.SessionConfig, l device.SessionListener) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return device.NewError(device.ErrorDisconnected, errors.New("device closed"))
	}
	s := newSession(h, cfg, l)
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()

	c := h.camera
	c.created.Add(1)

	go func() {
		c.mu.Lock()
		fail := c.configureFailures > 0
		if fail {
			c.configureFailures--
		}
		c.mu.Unlock()

		if fail {
			l.OnConfigureFailed(s, errors.New("sim: configuration rejected"))
			return
		}
		for _, surf := range cfg.Surfaces {
			if !surf.Valid() {
				l.OnConfigureFailed(s, errors.Wrap(device.ErrSurfaceAbandoned, "sim: configure"))
				return
			}
		}
		if !s.markConfigured() {
			return
		}
		c.sessionOpened()
		l.OnConfigured(s)
	}()
	return nil
}

// Close releases the device. Sessions are closed with it.
func (h *handle) Close() {
	h.camera.mu.Lock()
	if h.camera.current == h {
		h.camera.current = nil
	}
	h.camera.mu.Unlock()
	h.shutdown()
}

func (h *handle) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
