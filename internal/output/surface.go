package output

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
)

// validity is embedded by surfaces to implement Valid and Invalidate.
type validity struct {
	invalid atomic.Bool
}

func (v *validity) Valid() bool {
	return !v.invalid.Load()
}

// Invalidate marks the surface destroyed. Subsequent deliveries fail with
// device.ErrSurfaceAbandoned.
func (v *validity) Invalidate() {
	v.invalid.Store(true)
}

// MemorySurface keeps the most recently delivered frame.
type MemorySurface struct {
	validity

	size   device.Size
	last   atomic.Pointer[device.Frame]
	frames atomic.Uint64
}

// NewMemorySurface creates a surface reporting the given size. An empty size
// means the surface does not report one.
func NewMemorySurface(size device.Size) *MemorySurface {
	return &MemorySurface{size: size}
}

func (s *MemorySurface) Deliver(f device.Frame) error {
	if !s.Valid() {
		return device.ErrSurfaceAbandoned
	}
	s.last.Store(&f)
	s.frames.Add(1)
	return nil
}

func (s *MemorySurface) Size() (device.Size, bool) {
	return s.size, !s.size.Empty()
}

// Last returns the most recent frame.
func (s *MemorySurface) Last() (device.Frame, bool) {
	if f := s.last.Load(); f != nil {
		return *f, true
	}
	return device.Frame{}, false
}

// Frames returns the number of frames delivered.
func (s *MemorySurface) Frames() uint64 {
	return s.frames.Load()
}

// FuncSurface forwards frames to a callback, e.g. the storage collaborator's
// encoder input.
type FuncSurface struct {
	validity

	size device.Size
	fn   func(device.Frame) error
}

func NewFuncSurface(size device.Size, fn func(device.Frame) error) *FuncSurface {
	return &FuncSurface{size: size, fn: fn}
}

func (s *FuncSurface) Deliver(f device.Frame) error {
	if !s.Valid() {
		return device.ErrSurfaceAbandoned
	}
	return s.fn(f)
}

func (s *FuncSurface) Size() (device.Size, bool) {
	return s.size, !s.size.Empty()
}

// SnapshotSurface writes at most one frame per interval to an image file. The
// format follows the file extension (png, jpg, ...). Encoding happens on a
// background goroutine; if it falls behind, the oldest pending frame is
// dropped.
type SnapshotSurface struct {
	validity

	path     string
	size     device.Size
	interval time.Duration

	mu       sync.Mutex
	lastSave time.Time

	pending chan device.Frame
	done    chan struct{}
	closer  sync.Once

	written atomic.Uint64
	errs    atomic.Uint64
}

func NewSnapshotSurface(path string, size device.Size, interval time.Duration) (*SnapshotSurface, error) {
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", path)
	}
	s := &SnapshotSurface{
		path:     path,
		size:     size,
		interval: interval,
		pending:  make(chan device.Frame, 1),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *SnapshotSurface) Deliver(f device.Frame) error {
	if !s.Valid() {
		return device.ErrSurfaceAbandoned
	}

	s.mu.Lock()
	now := time.Now()
	due := s.lastSave.IsZero() || now.Sub(s.lastSave) >= s.interval
	if due {
		s.lastSave = now
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	// Frames reference renderer buffers that are reused; keep a copy.
	f.Image = imaging.Clone(f.Image)
	for {
		select {
		case s.pending <- f:
			return nil
		default:
			// Writer backlogged. Drop oldest frame, add newest.
			select {
			case <-s.pending:
			default:
			}
		}
	}
}

func (s *SnapshotSurface) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.pending:
			tmp := s.path + ".tmp" + filepath.Ext(s.path)
			if err := imaging.Save(f.Image, tmp); err != nil {
				s.errs.Add(1)
				log.Warn("Snapshot %s: %v", s.path, err)
				continue
			}
			if err := os.Rename(tmp, s.path); err != nil {
				s.errs.Add(1)
				log.Warn("Snapshot %s: %v", s.path, err)
				continue
			}
			s.written.Add(1)
		}
	}
}

func (s *SnapshotSurface) Size() (device.Size, bool) {
	return s.size, !s.size.Empty()
}

// Written returns the number of image files written.
func (s *SnapshotSurface) Written() uint64 {
	return s.written.Load()
}

// Close invalidates the surface and stops the writer.
func (s *SnapshotSurface) Close() error {
	s.Invalidate()
	s.closer.Do(func() { close(s.done) })
	return nil
}
