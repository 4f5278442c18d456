// Package session drives one capture device through its lifecycle: open,
// configure, stream, recover and close. All device, session and rendering
// calls for the device run on a single worker; platform callbacks are posted
// to it as tasks.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/clock"
	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
	"github.com/lanikai/dewarp/internal/health"
	"github.com/lanikai/dewarp/internal/logging"
	"github.com/lanikai/dewarp/internal/output"
	"github.com/lanikai/dewarp/internal/reconnect"
	"github.com/lanikai/dewarp/internal/render"
	"github.com/lanikai/dewarp/internal/worker"
)

var log = logging.DefaultLogger.WithTag("session")

const (
	closeFallbackTask  worker.Kind = "close-fallback"
	configureRetryTask worker.Kind = "configure-retry"
)

// capture is one negotiated capture session and the surfaces its repeating
// request targets.
type capture struct {
	id       string
	session  device.Session // nil until configured
	surfaces []device.Surface

	// Direct mode only: the registry targets behind surfaces.
	targets []output.Target

	recovery  bool
	closed    bool
	streaming bool
}

type Controller struct {
	cfg      Config
	manager  device.Manager
	registry *output.Registry
	params   *distortion.Atomic
	listener Listener

	worker    *worker.Worker
	reconnect *reconnect.Scheduler
	health    *health.Monitor
	clock     *clock.Clock

	// Read from any goroutine.
	state       atomic.Int32
	paused      atomic.Bool
	correction  atomic.Bool
	frames      atomic.Uint64
	rendered    atomic.Uint64
	sessionID   atomic.Pointer[string]
	previewSize atomic.Pointer[device.Size]

	// Guards the configuration flags, which the health monitor and callers
	// read while platform callbacks change them. Every configure request bumps
	// generation; a request is pending while generation is ahead of configGen,
	// the generation the configuration in flight started from.
	configMu    sync.Mutex
	configuring bool
	closingOld  bool
	pendingRec  bool
	generation  uint64
	configGen   uint64

	// Everything below is confined to the worker.
	caps              *lru.Cache
	dev               device.Device
	openGen           uint64
	cur               *capture
	closing           *capture
	afterClose        func()
	pipeline          *render.Pipeline
	permanent         bool
	recovering        bool
	configRecovery    bool
	configureAttempts int
	unwatch           func()
}

// New creates a controller for cfg.DeviceID. The controller starts Idle;
// call Open to acquire the device. listener may be nil.
func New(cfg Config, manager device.Manager, registry *output.Registry, listener Listener) *Controller {
	cfg.setDefaults()
	if listener == nil {
		listener = func(Event) {}
	}

	c := &Controller{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		params:   distortion.NewAtomic(cfg.Distortion),
		listener: listener,
		worker:   worker.New("camera " + cfg.DeviceID),
		clock:    clock.New(),
		caps:     lru.New(cfg.CapabilityCacheSize),
	}
	c.reconnect = reconnect.New(cfg.Reconnect, c.worker)
	c.health = health.New(cfg.Health, watchdog{c}, c.worker)
	c.correction.Store(cfg.Correction)
	c.previewSize.Store(&device.Size{})
	empty := ""
	c.sessionID.Store(&empty)

	c.unwatch = registry.Watch(func(ch output.Change) {
		c.worker.Post(func() { c.onTargetChange(ch) })
	})
	return c
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug("%s: %v -> %v", c.cfg.DeviceID, old, s)
	}
}

func (c *Controller) emit(e Event) {
	e.Device = c.cfg.DeviceID
	log.Debug("%s: event %v", c.cfg.DeviceID, e)
	c.listener(e)
}

// Params returns the live distortion parameter holder.
func (c *Controller) Params() *distortion.Atomic {
	return c.params
}

// Open acquires the device and starts streaming once it is granted. It is a
// no-op while the device is already opening or open. An explicit Open clears
// a previous permanent failure and re-enables automatic reconnection.
func (c *Controller) Open() {
	c.worker.Post(func() { c.open(true) })
}

// Configure renegotiates the capture session with the current targets.
// Requests made while a configuration is in flight are coalesced into one.
func (c *Controller) Configure() {
	c.worker.Post(func() { c.configure(false) })
}

// Recreate keeps the device open and renegotiates the capture session.
func (c *Controller) Recreate() {
	c.worker.Post(func() { c.recreate(false) })
}

// ForceReopen releases the device and opens it again.
func (c *Controller) ForceReopen() {
	c.worker.Post(func() { c.forceReopen(false) })
}

// Close releases the device, the capture session and the rendering context
// and cancels all pending work. It may be called from any state, any number
// of times; Open works again afterwards.
func (c *Controller) Close() {
	c.worker.Post(c.close)
}

// Pause stops the repeating capture without releasing anything. The stall
// watchdog ignores a paused session.
func (c *Controller) Pause() {
	c.worker.Post(func() {
		if c.paused.Swap(true) {
			return
		}
		if cs := c.cur; cs != nil && cs.session != nil && cs.streaming {
			if err := cs.session.StopRepeating(); err != nil {
				log.Warn("%s: stop repeating: %v", c.cfg.DeviceID, err)
			}
			cs.streaming = false
		}
		log.Info("%s: paused", c.cfg.DeviceID)
	})
}

// Resume restarts a paused capture.
func (c *Controller) Resume() {
	c.worker.Post(func() {
		if !c.paused.Swap(false) {
			return
		}
		log.Info("%s: resumed", c.cfg.DeviceID)
		if cs := c.cur; cs != nil && cs.session != nil && c.State() == Active {
			if err := c.startRepeating(cs); err != nil {
				log.Warn("%s: resume: %v", c.cfg.DeviceID, err)
				c.configure(false)
				return
			}
			if c.health.Running() {
				c.health.Start(false)
			}
		}
	})
}

// SetCorrection switches between rendering through the correction pipeline
// and delivering raw frames to the targets. Switching reconfigures.
func (c *Controller) SetCorrection(enabled bool) {
	c.worker.Post(func() {
		if c.correction.Swap(enabled) == enabled {
			return
		}
		log.Info("%s: correction %v", c.cfg.DeviceID, enabled)
		if st := c.State(); st == Open || st == Active || st == Configuring {
			c.configure(false)
		}
	})
}

// SetDistortion swaps the parameters used by the next render pass.
func (c *Controller) SetDistortion(p distortion.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.params.Store(p)
	log.Debug("%s: distortion %+v", c.cfg.DeviceID, p)
	return nil
}

// PrepareSegmentSwitch releases everything that writes into the target's
// current surface so its owner may tear the surface down. Delivery resumes
// once a new surface is set for the target.
func (c *Controller) PrepareSegmentSwitch(name output.Name) {
	c.worker.Post(func() {
		if c.pipeline != nil && c.correction.Load() {
			c.pipeline.PrepareSegmentSwitch(name)
			return
		}
		if s, ok := c.registry.Get(name); ok {
			c.removeDirect(name, s)
		}
	})
}

// Flush waits until every task posted before it has run.
func (c *Controller) Flush(ctx context.Context) error {
	return c.worker.Sync(ctx)
}

// Shutdown closes the device and stops the worker. The controller cannot be
// used afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Close()
	err := c.worker.Sync(ctx)
	c.unwatch()
	c.worker.Stop()
	return err
}

func (c *Controller) Stats() Stats {
	rs := c.reconnect.State()
	st := Stats{
		Device:       c.cfg.DeviceID,
		State:        c.State().String(),
		Session:      *c.sessionID.Load(),
		PreviewSize:  *c.previewSize.Load(),
		Correction:   c.correction.Load(),
		Paused:       c.paused.Load(),
		FPS:          c.clock.FPS(),
		LastFrame:    c.clock.LastFrame(),
		Frames:       c.frames.Load(),
		Rendered:     c.rendered.Load(),
		Attempts:     rs.Attempts,
		Reconnecting: rs.Reconnecting,
		NextDelay:    rs.NextDelay,
		StallLevel:   c.health.Level(),
	}
	for _, t := range c.registry.Valid() {
		st.Targets = append(st.Targets, t.Name)
	}
	return st
}

// LastFrame is the timestamp of the most recent completed capture.
func (c *Controller) LastFrame() clock.Sample {
	return c.clock.Last()
}

func (c *Controller) isConfiguring() bool {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.configuring || c.closingOld
}

func (c *Controller) configurePending() bool {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.generation != c.configGen
}

func (c *Controller) capabilities(id string) (device.Info, error) {
	if v, ok := c.caps.Get(id); ok {
		return v.(device.Info), nil
	}
	info, err := c.manager.Capabilities(id)
	if err != nil {
		return device.Info{}, err
	}
	if len(info.Sizes) == 0 {
		return device.Info{}, errors.Errorf("device %s reports no frame sizes", id)
	}
	c.caps.Add(id, info)
	return info, nil
}

func (c *Controller) present(id string) (bool, error) {
	ids, err := c.manager.Devices()
	if err != nil {
		return false, err
	}
	for _, v := range ids {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) open(manual bool) {
	id := c.cfg.DeviceID
	if st := c.State(); st.live() {
		log.Debug("%s: open ignored in state %v", id, st)
		return
	}
	if manual {
		c.permanent = false
		c.recovering = false
		c.reconnect.Cancel()
		c.reconnect.Reset()
	} else if c.permanent {
		return
	}

	ok, err := c.present(id)
	if err != nil {
		c.fail(device.ErrorService, errors.Wrap(err, "enumerate devices"))
		return
	}
	if !ok {
		if !manual {
			// Still unplugged; keep waiting within the attempt ceiling.
			c.fail(device.ErrorDisconnected, device.ErrNotFound)
			return
		}
		c.fail(device.ErrorDeviceInvalid, errors.Wrapf(device.ErrNotFound, "open %s", id))
		return
	}
	info, err := c.capabilities(id)
	if err != nil {
		c.fail(device.ErrorDeviceInvalid, errors.Wrapf(err, "capabilities of %s", id))
		return
	}

	size := device.ChooseSize(info.Sizes, c.cfg.PreferredSize)
	c.previewSize.Store(&size)
	c.emit(Event{Kind: EventPreviewSize, Size: size})

	c.openGen++
	c.setState(Opening)
	log.Info("%s: opening (%s)", id, size)
	if err := c.manager.Open(id, &deviceListener{c: c, gen: c.openGen}); err != nil {
		code := device.CodeOf(err)
		if code == device.ErrorNone {
			code = device.ErrorService
		}
		c.fail(code, err)
	}
}

func (c *Controller) onOpened(gen uint64, d device.Device) {
	if gen != c.openGen || c.State() != Opening {
		log.Debug("%s: closing stale device handle", c.cfg.DeviceID)
		d.Close()
		return
	}
	c.dev = d
	c.setState(Open)
	c.reconnect.Reset()
	log.Info("%s: opened", c.cfg.DeviceID)
	c.emit(Event{Kind: EventOpened})

	recovery := c.recovering
	c.recovering = false
	c.configure(recovery)
}

func (c *Controller) onDeviceError(gen uint64, code device.ErrorCode) {
	if gen != c.openGen || !c.State().live() {
		return
	}
	c.fail(code, nil)
}

// fail applies the policy for code: reconnect after its floor, or stop and
// report.
func (c *Controller) fail(code device.ErrorCode, err error) {
	id := c.cfg.DeviceID
	c.teardown()

	p := c.policy(code)
	if !p.Retryable {
		log.Error("%s: %v: %v", id, code, err)
		c.permanent = true
		c.reconnect.Cancel()
		c.setState(Error)
		c.emit(Event{Kind: EventError, Code: code, Err: device.NewError(code, err)})
		return
	}

	if p.ClearInFlight {
		c.reconnect.ClearInFlight()
	}
	c.setState(Error)
	delay, serr := c.reconnect.Schedule(p.Floor, func() { c.open(false) })
	if serr != nil {
		log.Error("%s: giving up after %v", id, code)
		c.emit(Event{Kind: EventError, Code: device.ErrorReconnectExhausted, Err: device.NewError(device.ErrorReconnectExhausted, serr)})
		return
	}
	log.Warn("%s: %v, reopening in %v", id, code, delay)
	c.emit(Event{Kind: EventReconnecting, Code: code, Delay: delay})
}

// teardown releases the device and its session and forgets in-flight
// configuration. Callbacks from released objects are ignored from then on.
func (c *Controller) teardown() {
	c.health.Stop()
	c.worker.Cancel(configureRetryTask)
	c.worker.Cancel(closeFallbackTask)

	if c.cur != nil {
		c.closeCapture(c.cur)
		c.cur = nil
	}
	c.closing = nil
	c.afterClose = nil

	c.configMu.Lock()
	c.configuring = false
	c.closingOld = false
	c.pendingRec = false
	c.configGen = c.generation
	c.configMu.Unlock()

	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
	}
	c.openGen++
	empty := ""
	c.sessionID.Store(&empty)
}

func (c *Controller) releasePipeline() {
	if c.pipeline != nil {
		c.pipeline.Release()
		c.pipeline = nil
	}
}

func (c *Controller) close() {
	if c.State() == Closed {
		return
	}
	c.setState(Closing)
	c.reconnect.Cancel()
	c.reconnect.Reset()
	c.teardown()
	c.releasePipeline()
	c.worker.CancelAll()
	c.permanent = false
	c.recovering = false
	c.setState(Closed)
	log.Info("%s: closed", c.cfg.DeviceID)
	c.emit(Event{Kind: EventClosed})
}

func (c *Controller) recreate(recovery bool) {
	if st := c.State(); st != Open && st != Active && st != Configuring {
		return
	}
	c.configure(recovery)
}

func (c *Controller) forceReopen(recovery bool) {
	if st := c.State(); st == Idle || st == Closed || st == Closing {
		return
	}
	if !recovery && c.permanent {
		return
	}
	log.Info("%s: reopening", c.cfg.DeviceID)
	c.teardown()
	c.recovering = recovery
	c.setState(Idle)
	c.open(false)
}

func (c *Controller) configure(recovery bool) {
	if st := c.State(); st != Open && st != Active && st != Configuring {
		log.Debug("%s: configure ignored in state %v", c.cfg.DeviceID, st)
		return
	}

	c.configMu.Lock()
	c.generation++
	if c.configuring || c.closingOld {
		c.pendingRec = c.pendingRec || recovery
		gen := c.generation
		c.configMu.Unlock()
		log.Debug("%s: configure pending (generation %d)", c.cfg.DeviceID, gen)
		return
	}
	c.configuring = true
	c.configGen = c.generation
	c.configMu.Unlock()

	c.configureAttempts = 0
	c.configRecovery = recovery
	c.health.Stop()
	c.setState(Configuring)

	if old := c.cur; old != nil {
		c.cur = nil
		c.retire(old, func() { c.createSession(c.configRecovery) })
		return
	}
	c.createSession(recovery)
}

// retire closes a superseded session. Configuration resumes with next once it
// confirms closed, or when the fallback timer fires.
func (c *Controller) retire(old *capture, next func()) {
	c.configMu.Lock()
	c.closingOld = true
	c.configMu.Unlock()

	c.closing = old
	c.afterClose = next
	c.closeCapture(old)
	if old.session == nil {
		c.onOldClosed(old)
		return
	}
	c.worker.PostDelayed(closeFallbackTask, c.cfg.CloseTimeout, func() {
		if c.closing == old {
			log.Warn("%s: session %s never confirmed close, proceeding", c.cfg.DeviceID, old.id)
		}
		c.onOldClosed(old)
	})
}

func (c *Controller) onOldClosed(old *capture) {
	if c.closing != old {
		return
	}
	next := c.afterClose
	c.closing = nil
	c.afterClose = nil
	c.worker.Cancel(closeFallbackTask)

	c.configMu.Lock()
	c.closingOld = false
	c.configMu.Unlock()

	if c.State() != Configuring || next == nil {
		return
	}
	next()
}

func (c *Controller) closeCapture(cs *capture) {
	if cs.closed {
		return
	}
	cs.closed = true
	if cs.session != nil {
		if cs.streaming {
			if err := cs.session.StopRepeating(); err != nil {
				log.Debug("%s: stop repeating: %v", c.cfg.DeviceID, err)
			}
			cs.streaming = false
		}
		cs.session.Close()
	}
}

// pruneInvalid removes targets whose surfaces were abandoned.
func (c *Controller) pruneInvalid() int {
	n := 0
	for _, t := range c.registry.Targets() {
		if !t.Surface.Valid() && c.registry.Prune(t.Name, t.Surface) {
			c.emit(Event{Kind: EventTargetPruned, Target: t.Name})
			n++
		}
	}
	return n
}

func (c *Controller) createSession(recovery bool) {
	c.pruneInvalid()
	targets := c.registry.Valid()
	if len(targets) == 0 {
		log.Info("%s: no valid targets, staying idle", c.cfg.DeviceID)
		c.releasePipeline()
		c.setState(Open)
		c.finishConfigure()
		return
	}

	size := *c.previewSize.Load()
	cs := &capture{id: ulid.Make().String(), recovery: recovery}

	if c.correction.Load() {
		if c.pipeline == nil {
			c.pipeline = render.New(c.cfg.Backend(), c.registry, c.params, size, c.onPipelineFrame)
		} else {
			c.pipeline.SetCaptureSize(size)
		}
		cs.surfaces = []device.Surface{c.pipeline.Input()}
	} else {
		c.releasePipeline()
		cs.targets = targets
		cs.surfaces = surfacesOf(targets)
	}

	c.cur = cs
	log.Info("%s: configuring session %s with %d target(s)", c.cfg.DeviceID, cs.id, len(targets))
	cfg := device.SessionConfig{Size: size, Surfaces: cs.surfaces}
	if err := c.dev.CreateSession(cfg, &sessionListener{c: c, cs: cs}); err != nil {
		c.onConfigureFailed(cs, err)
	}
}

func (c *Controller) startRepeating(cs *capture) error {
	if err := cs.session.SetRepeating(cs.surfaces, &sessionListener{c: c, cs: cs}); err != nil {
		return err
	}
	cs.streaming = true
	return nil
}

func (c *Controller) onConfigured(cs *capture, s device.Session) {
	if cs != c.cur || cs.closed {
		s.Close()
		return
	}
	cs.session = s

	// A request that arrived meanwhile replaces this session right away; do
	// not stream to targets it may have removed.
	if !c.paused.Load() && !c.configurePending() {
		if err := c.startRepeating(cs); err != nil {
			c.onConfigureFailed(cs, err)
			return
		}
	}

	c.worker.Cancel(configureRetryTask)
	c.configureAttempts = 0
	c.clock.Reset()
	c.sessionID.Store(&cs.id)
	c.setState(Active)
	c.reconnect.Reset()
	c.health.Start(!cs.recovery)
	log.Info("%s: session %s active", c.cfg.DeviceID, cs.id)
	c.emit(Event{Kind: EventConfigured, Session: cs.id, Size: *c.previewSize.Load()})
	c.finishConfigure()
}

// finishConfigure ends the current configuration and starts the coalesced
// one, if any request arrived meanwhile.
func (c *Controller) finishConfigure() {
	c.configMu.Lock()
	c.configuring = false
	pending, rec := c.generation != c.configGen, c.pendingRec
	c.pendingRec = false
	c.configGen = c.generation
	c.configMu.Unlock()

	if pending {
		c.configure(rec)
	}
}

func (c *Controller) onConfigureFailed(cs *capture, err error) {
	if cs != c.cur || cs.closed {
		return
	}
	c.cur = nil
	if cs.session != nil {
		// Configured, then failed to stream. Its close must be confirmed
		// before the surfaces are bound to a new session.
		c.retire(cs, func() { c.retryConfigure(cs, err) })
		return
	}
	c.closeCapture(cs)
	c.retryConfigure(cs, err)
}

// retryConfigure picks the next step after a failed configuration: drop
// abandoned targets, retry after a delay, shed an optional target, or give up.
func (c *Controller) retryConfigure(cs *capture, err error) {
	id := c.cfg.DeviceID
	if errors.Is(err, device.ErrSurfaceAbandoned) || anyInvalid(cs.surfaces) {
		if c.pruneInvalid() > 0 {
			log.Info("%s: retrying without abandoned targets", id)
			c.createSession(cs.recovery)
			return
		}
	}

	c.configureAttempts++
	if c.configureAttempts <= c.cfg.ConfigureRetries {
		log.Warn("%s: configure failed (attempt %d): %v", id, c.configureAttempts, err)
		c.scheduleRetry(cs.recovery)
		return
	}

	if name, ok := c.registry.Shed(); ok {
		log.Warn("%s: configure keeps failing, dropping %s", id, name)
		c.emit(Event{Kind: EventTargetDropped, Target: name})
		c.configureAttempts = c.cfg.ConfigureRetries
		c.scheduleRetry(cs.recovery)
		return
	}

	log.Error("%s: configure failed: %v", id, err)
	c.releasePipeline()
	c.setState(Open)
	c.emit(Event{Kind: EventError, Code: device.ErrorConfigureFailed, Err: device.NewError(device.ErrorConfigureFailed, err)})
	c.finishConfigure()
}

func (c *Controller) scheduleRetry(recovery bool) {
	c.worker.PostDelayed(configureRetryTask, c.cfg.ConfigureRetryDelay, func() {
		if c.State() != Configuring || c.cur != nil || c.dev == nil {
			return
		}
		c.createSession(recovery)
	})
}

func (c *Controller) onClosed(cs *capture) {
	if cs == c.closing {
		c.onOldClosed(cs)
	}
}

func (c *Controller) onCaptureCompleted(cs *capture, ts time.Time, seq uint64) {
	if cs != c.cur || cs.closed {
		return
	}
	_, first := c.clock.Tick(ts, seq)
	c.frames.Add(1)
	if first {
		c.emit(Event{Kind: EventFirstFrame, Session: cs.id})
	}
}

func (c *Controller) onCaptureFailed(cs *capture, err error) {
	if cs != c.cur || cs.closed {
		return
	}
	if errors.Is(err, device.ErrSurfaceAbandoned) {
		c.pruneInvalid()
		return
	}
	log.Debug("%s: capture failed: %v", c.cfg.DeviceID, err)
}

// onPipelineFrame runs on the producer's goroutine.
func (c *Controller) onPipelineFrame() {
	c.worker.Post(c.renderFrame)
}

func (c *Controller) renderFrame() {
	if c.pipeline == nil {
		return
	}
	res, err := c.pipeline.RenderAll()
	if err != nil {
		log.Warn("%s: render: %v", c.cfg.DeviceID, err)
		return
	}
	if res.Rendered != nil || res.Pruned != nil {
		c.rendered.Add(1)
	}
	for _, name := range res.Pruned {
		c.emit(Event{Kind: EventTargetPruned, Target: name})
	}
}

func surfacesOf(targets []output.Target) []device.Surface {
	surfaces := make([]device.Surface, len(targets))
	for i, t := range targets {
		surfaces[i] = t.Surface
	}
	return surfaces
}

func anyInvalid(surfaces []device.Surface) bool {
	for _, s := range surfaces {
		if !s.Valid() {
			return true
		}
	}
	return false
}
