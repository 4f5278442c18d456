//go:build linux && (amd64 || arm64)

// Package v4l2 exposes Video4Linux capture nodes as capture devices. Frames
// are read from memory-mapped driver buffers and decoded from MJPG or YUYV.
package v4l2

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("v4l2")

// Manager enumerates /dev/video* nodes. Device ids are node paths.
type Manager struct {
	// Glob matching candidate nodes.
	Pattern string
}

func NewManager() *Manager {
	return &Manager{Pattern: "/dev/video*"}
}

func (m *Manager) Devices() ([]string, error) {
	paths, err := filepath.Glob(m.Pattern)
	if err != nil {
		return nil, errors.Wrap(err, "v4l2: enumerate")
	}
	sort.Strings(paths)

	var ids []string
	for _, p := range paths {
		c, err := openChar(p)
		if err != nil {
			// Busy nodes are still cameras.
			if errorCode(err) == device.ErrorInUse {
				ids = append(ids, p)
			}
			continue
		}
		vc, err := c.queryCapability()
		c.close()
		if err == nil && vc.isCapture() {
			ids = append(ids, p)
		}
	}
	return ids, nil
}

func (m *Manager) Capabilities(id string) (device.Info, error) {
	c, err := openChar(id)
	if err != nil {
		return device.Info{}, device.NewError(errorCode(err), err)
	}
	defer c.close()

	vc, err := c.queryCapability()
	if err != nil {
		return device.Info{}, device.NewError(errorCode(err), err)
	}
	if !vc.isCapture() {
		return device.Info{}, device.NewError(device.ErrorDeviceInvalid, errors.Errorf("%s is not a capture device", id))
	}

	info := device.Info{ID: id, Name: cstring(vc.card[:])}
	seen := make(map[device.Size]bool)
	for _, f := range formats {
		for _, s := range c.frameSizes(f) {
			if !seen[s] {
				seen[s] = true
				info.Sizes = append(info.Sizes, s)
			}
		}
	}
	return info, nil
}

func (m *Manager) Open(id string, l device.StateListener) error {
	go func() {
		c, err := openChar(id)
		if err != nil {
			log.Warn("Open %s: %v", id, err)
			l.OnError(nil, errorCode(err))
			return
		}
		if vc, err := c.queryCapability(); err != nil || !vc.isCapture() {
			c.close()
			l.OnError(nil, device.ErrorDeviceInvalid)
			return
		}
		log.Info("Opened %s", id)
		l.OnOpened(&handle{id: id, char: c, listener: l})
	}()
	return nil
}

// handle implements device.Device. The platform allows a single streaming
// session per open node.
type handle struct {
	id       string
	listener device.StateListener

	mu      sync.Mutex
	char    *char
	closed  bool
	session *session
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) CreateSession(cfg device.SessionConfig, l device.SessionListener) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return device.NewError(device.ErrorDisconnected, errors.New("v4l2: device closed"))
	}
	if h.session != nil && !h.session.isClosed() {
		return errors.New("v4l2: previous session still open")
	}

	s := newSession(h, l, cfg.Surfaces)
	h.session = s

	go func() {
		h.mu.Lock()
		err := h.configure(cfg.Size)
		h.mu.Unlock()
		if err != nil {
			l.OnConfigureFailed(s, err)
			return
		}
		l.OnConfigured(s)
	}()
	return nil
}

func (h *handle) configure(size device.Size) error {
	if h.closed {
		return device.ErrSessionClosed
	}
	h.char.unmapMemory()
	if err := h.char.setFormat(size); err != nil {
		return errors.Wrap(err, "v4l2: set format")
	}
	if err := h.char.mapMemory(); err != nil {
		return errors.Wrap(err, "v4l2: map buffers")
	}
	log.Debug("%s: %s %s", h.id, fourcc(h.char.format), h.char.size)
	return nil
}

func (h *handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	s := h.session
	h.mu.Unlock()

	if s != nil {
		s.Close()
	}

	h.mu.Lock()
	h.char.close()
	h.mu.Unlock()
	log.Info("Closed %s", h.id)
}

// lost is called by the capture loop when the node disappears.
func (h *handle) lost(err error) {
	log.Warn("%s: %v", h.id, err)
	go func() {
		h.Close()
		h.listener.OnDisconnected(h)
	}()
}

type session struct {
	h        *handle
	listener device.SessionListener

	mu        sync.Mutex
	closed    bool
	surfaces  map[device.Surface]bool // value is finalized
	repeating []device.Surface
	capture   device.CaptureListener
	quit      chan struct{}
	done      chan struct{}
	seq       uint64
}

func newSession(h *handle, l device.SessionListener, surfaces []device.Surface) *session {
	s := &session{h: h, listener: l, surfaces: make(map[device.Surface]bool)}
	for _, surf := range surfaces {
		s.surfaces[surf] = true
	}
	return s
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) SetRepeating(surfaces []device.Surface, l device.CaptureListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	for _, surf := range surfaces {
		if !s.surfaces[surf] {
			return errors.New("v4l2: surface not configured")
		}
	}
	s.repeating = append([]device.Surface(nil), surfaces...)
	s.capture = l
	if s.quit != nil {
		return nil
	}

	s.h.mu.Lock()
	err := s.h.char.start()
	s.h.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "v4l2: stream on")
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.quit, s.done)
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.ErrSessionClosed
	}
	s.repeating = nil
	s.mu.Unlock()
	return s.stopLoop()
}

func (s *session) stopLoop() error {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.mu.Unlock()
	if quit == nil {
		return nil
	}
	close(quit)
	<-done

	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.h.char.stop()
}

func (s *session) AttachSurface(surf device.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	if !surf.Valid() {
		return device.ErrSurfaceAbandoned
	}
	if _, ok := s.surfaces[surf]; !ok {
		s.surfaces[surf] = false
	}
	return nil
}

func (s *session) Finalize(surf device.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.surfaces[surf]; !ok {
		return errors.New("v4l2: finalize of unattached surface")
	}
	s.surfaces[surf] = true
	return nil
}

func (s *session) DetachSurface(surf device.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repeating {
		if r == surf {
			return errors.New("v4l2: surface still targeted")
		}
	}
	delete(s.surfaces, surf)
	return nil
}

func (s *session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.stopLoop(); err != nil {
		log.Debug("%s: stream off: %v", s.h.id, err)
	}
	go s.listener.OnClosed(s)
}

func (s *session) loop(quit, done chan struct{}) {
	defer close(done)
	c := s.h.char

	for {
		select {
		case <-quit:
			return
		default:
		}

		data, ok, err := c.readFrame(100)
		if err != nil {
			if errorCode(err) == device.ErrorDisconnected {
				s.h.lost(err)
				return
			}
			s.failed(err)
			select {
			case <-quit:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !ok {
			continue
		}

		now := time.Now()
		img, err := decode(c.format, data, c.size, c.stride)
		if err != nil {
			s.failed(err)
			continue
		}

		s.mu.Lock()
		s.seq++
		seq := s.seq
		targets := append([]device.Surface(nil), s.repeating...)
		l := s.capture
		s.mu.Unlock()

		frame := device.Frame{Image: img, Timestamp: now, Sequence: seq}
		var derr error
		for _, surf := range targets {
			if err := surf.Deliver(frame); err != nil {
				derr = err
			}
		}
		if l == nil {
			continue
		}
		if derr != nil {
			l.OnCaptureFailed(s, derr)
		}
		l.OnCaptureCompleted(s, now, seq)
	}
}

func (s *session) failed(err error) {
	s.mu.Lock()
	l := s.capture
	s.mu.Unlock()
	if l != nil {
		l.OnCaptureFailed(s, err)
	}
}
