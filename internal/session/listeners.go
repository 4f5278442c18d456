package session

import (
	"time"

	"github.com/lanikai/dewarp/internal/device"
)

// deviceListener posts device callbacks to the worker. gen identifies the
// open request, so callbacks for a released handle are dropped.
type deviceListener struct {
	c   *Controller
	gen uint64
}

func (l *deviceListener) OnOpened(d device.Device) {
	if !l.c.worker.Post(func() { l.c.onOpened(l.gen, d) }) {
		d.Close()
	}
}

func (l *deviceListener) OnDisconnected(d device.Device) {
	l.c.worker.Post(func() { l.c.onDeviceError(l.gen, device.ErrorDisconnected) })
}

func (l *deviceListener) OnError(d device.Device, code device.ErrorCode) {
	l.c.worker.Post(func() { l.c.onDeviceError(l.gen, code) })
}

// sessionListener posts session and capture callbacks for one capture to the
// worker.
type sessionListener struct {
	c  *Controller
	cs *capture
}

func (l *sessionListener) OnConfigured(s device.Session) {
	if !l.c.worker.Post(func() { l.c.onConfigured(l.cs, s) }) {
		s.Close()
	}
}

func (l *sessionListener) OnConfigureFailed(s device.Session, err error) {
	l.c.worker.Post(func() { l.c.onConfigureFailed(l.cs, err) })
}

func (l *sessionListener) OnClosed(s device.Session) {
	l.c.worker.Post(func() { l.c.onClosed(l.cs) })
}

func (l *sessionListener) OnCaptureCompleted(s device.Session, ts time.Time, seq uint64) {
	l.c.worker.Post(func() { l.c.onCaptureCompleted(l.cs, ts, seq) })
}

func (l *sessionListener) OnCaptureFailed(s device.Session, err error) {
	l.c.worker.Post(func() { l.c.onCaptureFailed(l.cs, err) })
}

// watchdog adapts the controller to the health monitor. The monitor calls it
// on the worker.
type watchdog struct {
	c *Controller
}

func (w watchdog) LastFrame() time.Time {
	return w.c.clock.LastFrame()
}

func (w watchdog) Configuring() bool {
	return w.c.isConfiguring()
}

func (w watchdog) Paused() bool {
	return w.c.paused.Load()
}

func (w watchdog) Recreate() {
	w.c.emit(Event{Kind: EventStalled, Level: w.c.health.Level()})
	w.c.recreate(true)
}

func (w watchdog) ForceReopen() {
	w.c.emit(Event{Kind: EventStalled, Level: w.c.health.Level()})
	w.c.forceReopen(true)
}
