package sim

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
)

// session implements device.Session. Frames are produced by a ticker loop
// while a repeating request is installed.
type session struct {
	h        *handle
	size     device.Size
	listener device.SessionListener

	mu         sync.Mutex
	configured bool
	closed     bool
	surfaces   map[device.Surface]bool // attached, value is finalized
	repeating  []device.Surface
	capture    device.CaptureListener
	quit       chan struct{}
	done       chan struct{}
	seq        uint64
}

func newSession(h *handle, cfg device.SessionConfig, l device.SessionListener) *session {
	s := &session{
		h:        h,
		size:     cfg.Size,
		listener: l,
		surfaces: make(map[device.Surface]bool),
	}
	for _, surf := range cfg.Surfaces {
		s.surfaces[surf] = true
	}
	return s
}

func (s *session) markConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.configured = true
	return true
}

func (s *session) SetRepeating(surfaces []device.Surface, l device.CaptureListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return device.ErrSessionClosed
	}
	if s.h.camera.takeFailure(OpRepeating) {
		return errRejected
	}
	for _, surf := range surfaces {
		finalized, ok := s.surfaces[surf]
		if !ok {
			return errors.New("sim: surface not part of session")
		}
		if !finalized {
			return errors.New("sim: surface not finalized")
		}
	}
	s.repeating = append([]device.Surface(nil), surfaces...)
	s.capture = l
	if s.quit == nil && len(surfaces) > 0 {
		s.startLocked()
	}
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
	s.stopLoop()
	return nil
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
	if s.h.camera.takeFailure(OpAttach) {
		return errRejected
	}
	if _, ok := s.surfaces[surf]; !ok {
		s.surfaces[surf] = false
	}
	return nil
}

func (s *session) Finalize(surf device.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	if _, ok := s.surfaces[surf]; !ok {
		return errors.New("sim: finalize of unattached surface")
	}
	if !surf.Valid() {
		return device.ErrSurfaceAbandoned
	}
	if s.h.camera.takeFailure(OpFinalize) {
		return errRejected
	}
	s.surfaces[surf] = true
	return nil
}

func (s *session) DetachSurface(surf device.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	for _, r := range s.repeating {
		if r == surf {
			return errors.New("sim: surface still targeted by repeating request")
		}
	}
	delete(s.surfaces, surf)
	s.h.camera.detaches.Add(1)
	return nil
}

func (s *session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasConfigured := s.configured
	s.repeating = nil
	s.mu.Unlock()

	s.stopLoop()

	c := s.h.camera
	if wasConfigured {
		c.sessionClosed()
	}
	c.mu.Lock()
	hold := c.holdClose
	c.mu.Unlock()
	if !hold {
		go s.listener.OnClosed(s)
	}
}

func (s *session) startLocked() {
	c := s.h.camera
	c.mu.Lock()
	fps := c.fps
	c.mu.Unlock()
	if fps <= 0 {
		fps = 30
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(time.Duration(float64(time.Second)/fps), s.quit, s.done)
}

func (s *session) stopLoop() {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
}

func (s *session) loop(period time.Duration, quit, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			if s.h.camera.stalled.Load() {
				continue
			}
			s.capture1(now)
		}
	}
}

func (s *session) capture1(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	targets := append([]device.Surface(nil), s.repeating...)
	l := s.capture
	s.mu.Unlock()

	if len(targets) == 0 || l == nil {
		return
	}

	frame := device.Frame{Image: Pattern(s.size, seq), Timestamp: now, Sequence: seq}
	var failed error
	for _, surf := range targets {
		if err := surf.Deliver(frame); err != nil {
			failed = err
		}
	}
	if failed != nil {
		l.OnCaptureFailed(s, failed)
	}
	l.OnCaptureCompleted(s, now, seq)
}

// Pattern draws a gradient test card with a vertical bar whose position
// advances with the frame sequence.
func Pattern(size device.Size, seq uint64) *image.NRGBA {
	w, h := size.Width, size.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 48
	}
	img := imaging.New(w, h, color.NRGBA{A: 0xff})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x * 255 / w)
			img.Pix[i+1] = uint8(y * 255 / h)
			img.Pix[i+2] = 0x80
		}
	}
	bar := int(seq % uint64(w))
	for y := 0; y < h; y++ {
		i := img.PixOffset(bar, y)
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 0xff, 0xff, 0xff
	}
	return img
}
