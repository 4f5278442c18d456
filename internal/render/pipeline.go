// Package render draws each captured frame, corrected for lens distortion,
// into every valid output target from one shared input texture.
package render

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
	"github.com/lanikai/dewarp/internal/logging"
	"github.com/lanikai/dewarp/internal/output"
)

var log = logging.DefaultLogger.WithTag("render")

// Result summarizes one render pass.
type Result struct {
	Sequence uint64
	Rendered []output.Name
	Pruned   []output.Name
}

// input is the surface the capture session writes into. It keeps only the
// latest frame and coalesces frame-available notifications until the next
// render pass picks the frame up.
type input struct {
	latest   atomic.Pointer[device.Frame]
	pending  atomic.Bool
	released atomic.Bool
	size     atomic.Pointer[device.Size]
	notify   func()
}

func (in *input) Deliver(f device.Frame) error {
	if in.released.Load() {
		return device.ErrSurfaceAbandoned
	}
	in.latest.Store(&f)
	if in.pending.CompareAndSwap(false, true) && in.notify != nil {
		in.notify()
	}
	return nil
}

func (in *input) Valid() bool {
	return !in.released.Load()
}

func (in *input) Size() (device.Size, bool) {
	if s := in.size.Load(); s != nil {
		return *s, !s.Empty()
	}
	return device.Size{}, false
}

// Pipeline owns a Backend and renders to the targets of a Registry. Every
// method except Input must be called from the device worker.
type Pipeline struct {
	backend  Backend
	registry *output.Registry
	params   *distortion.Atomic

	captureSize device.Size
	input       *input

	// Surfaces the backend holds window surfaces for.
	bound map[device.Surface]output.Name

	// Surfaces released ahead of a segment switch. They are skipped until
	// their owner registers a different surface under the same name.
	detached map[output.Name]device.Surface

	rendered uint64
	released bool
}

// New creates a pipeline. onFrame is invoked, from the producer's goroutine,
// when a frame arrives and no render pass is pending yet.
func New(b Backend, registry *output.Registry, params *distortion.Atomic, captureSize device.Size, onFrame func()) *Pipeline {
	p := &Pipeline{
		backend:  b,
		registry: registry,
		params:   params,
		input:    &input{notify: onFrame},
		bound:    make(map[device.Surface]output.Name),
		detached: make(map[output.Name]device.Surface),
	}
	p.SetCaptureSize(captureSize)
	return p
}

// Input returns the surface the capture device should write into.
func (p *Pipeline) Input() device.Surface {
	return p.input
}

// SetCaptureSize sets the viewport used for targets that don't report a size.
func (p *Pipeline) SetCaptureSize(s device.Size) {
	p.captureSize = s
	p.input.size.Store(&s)
}

// Rendered returns the number of completed render passes.
func (p *Pipeline) Rendered() uint64 {
	return p.rendered
}

// RenderAll draws the latest input frame into every valid target. Without a
// new frame since the last pass it does nothing. Targets found invalid are
// pruned from the registry and do not affect the others.
func (p *Pipeline) RenderAll() (Result, error) {
	if p.released {
		return Result{}, errors.New("render: pipeline released")
	}

	p.input.pending.Store(false)
	f := p.input.latest.Swap(nil)
	if f == nil {
		return Result{}, nil
	}
	if err := p.backend.Upload(f.Image); err != nil {
		return Result{}, errors.Wrap(err, "render: upload")
	}

	targets := p.registry.Targets()
	p.releaseStale(targets)

	res := Result{Sequence: f.Sequence}
	params := p.params.Load()
	var primary device.Surface

	for _, t := range targets {
		if p.detached[t.Name] == t.Surface {
			continue
		}
		delete(p.detached, t.Name)

		if !t.Surface.Valid() {
			p.prune(t, &res)
			continue
		}
		if err := p.backend.Bind(t.Surface); err != nil {
			log.Debug("Bind %s: %v", t.Name, err)
			p.prune(t, &res)
			continue
		}
		p.bound[t.Surface] = t.Name

		size, ok := t.Surface.Size()
		if !ok || size.Empty() {
			size = p.captureSize
		}
		p.backend.Viewport(size)
		p.backend.Clear()
		if err := p.backend.Draw(params); err != nil {
			log.Warn("Draw %s: %v", t.Name, err)
			continue
		}
		if err := p.backend.Present(f.Timestamp, f.Sequence); err != nil {
			if errors.Is(err, device.ErrSurfaceAbandoned) {
				p.prune(t, &res)
			} else {
				log.Warn("Present %s: %v", t.Name, err)
			}
			continue
		}

		res.Rendered = append(res.Rendered, t.Name)
		if t.Name == output.Primary {
			primary = t.Surface
		}
	}

	// Leave the primary destination active for code outside the pipeline.
	if primary != nil {
		if err := p.backend.Bind(primary); err != nil {
			log.Debug("Rebind primary: %v", err)
		}
	}

	p.rendered++
	return res, nil
}

func (p *Pipeline) prune(t output.Target, res *Result) {
	p.backend.Release(t.Surface)
	delete(p.bound, t.Surface)
	if p.registry.Prune(t.Name, t.Surface) {
		res.Pruned = append(res.Pruned, t.Name)
	}
}

// releaseStale drops window surfaces whose targets were removed or replaced.
func (p *Pipeline) releaseStale(targets []output.Target) {
	live := make(map[device.Surface]bool, len(targets))
	for _, t := range targets {
		live[t.Surface] = true
	}
	for s, name := range p.bound {
		if !live[s] {
			log.Debug("Releasing window surface for %s", name)
			p.backend.Release(s)
			delete(p.bound, s)
		}
	}
}

// PrepareSegmentSwitch releases the window surface bound to name so its owner
// can tear the surface down. Rendering to name resumes once a different
// surface is registered for it.
func (p *Pipeline) PrepareSegmentSwitch(name output.Name) {
	s, ok := p.registry.Get(name)
	if !ok {
		return
	}
	p.backend.Release(s)
	delete(p.bound, s)
	p.detached[name] = s
	log.Info("Detached %s for segment switch", name)
}

// Release destroys the rendering context. The input surface reports abandoned
// from then on.
func (p *Pipeline) Release() {
	if p.released {
		return
	}
	p.released = true
	p.input.released.Store(true)
	p.input.latest.Store(nil)
	p.backend.Close()
	p.bound = make(map[device.Surface]output.Name)
	p.detached = make(map[output.Name]device.Surface)
}

// Forget releases the window surface held for s, if any. Called when a target
// is removed so its owner may destroy the surface before the next pass.
func (p *Pipeline) Forget(s device.Surface) {
	if _, ok := p.bound[s]; ok {
		p.backend.Release(s)
		delete(p.bound, s)
	}
}
