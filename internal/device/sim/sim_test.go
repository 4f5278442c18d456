package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/output"
)

type recorder struct {
	mu         sync.Mutex
	opened     chan device.Device
	errs       chan device.ErrorCode
	configured chan device.Session
	failed     chan error
	closed     chan device.Session
	frames     int
}

func newRecorder() *recorder {
	return &recorder{
		opened:     make(chan device.Device, 4),
		errs:       make(chan device.ErrorCode, 4),
		configured: make(chan device.Session, 4),
		failed:     make(chan error, 4),
		closed:     make(chan device.Session, 4),
	}
}

func (r *recorder) OnOpened(d device.Device) { r.opened <- d }

func (r *recorder) OnDisconnected(d device.Device) { r.errs <- device.ErrorDisconnected }

func (r *recorder) OnError(d device.Device, code device.ErrorCode) { r.errs <- code }

func (r *recorder) OnConfigured(s device.Session) { r.configured <- s }

func (r *recorder) OnConfigureFailed(s device.Session, err error) { r.failed <- err }

func (r *recorder) OnClosed(s device.Session) { r.closed <- s }

func (r *recorder) OnCaptureFailed(s device.Session, err error) {}

func (r *recorder) OnCaptureCompleted(s device.Session, ts time.Time, seq uint64) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

const wait = 2 * time.Second

func openCamera(t *testing.T, m *Manager, id string, r *recorder) device.Device {
	require.NoError(t, m.Open(id, r))
	select {
	case d := <-r.opened:
		return d
	case code := <-r.errs:
		t.Fatalf("open failed: %v", code)
	case <-time.After(wait):
		t.Fatal("open timed out")
	}
	return nil
}

func TestDevicesAndCapabilities(t *testing.T) {
	m := NewManager()
	m.Add("1", device.Size{Width: 320, Height: 240})
	m.Add("0", device.Size{Width: 640, Height: 480})

	ids, err := m.Devices()
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids)

	info, err := m.Capabilities("0")
	require.NoError(t, err)
	assert.Equal(t, []device.Size{{Width: 640, Height: 480}}, info.Sizes)

	_, err = m.Capabilities("9")
	assert.Equal(t, device.ErrorDeviceInvalid, device.CodeOf(err))
	assert.Equal(t, device.ErrorDeviceInvalid, device.CodeOf(m.Open("9", newRecorder())))
}

func TestScriptedOpenErrors(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 64, Height: 48})
	cam.FailNextOpens(device.ErrorInUse)

	r := newRecorder()
	require.NoError(t, m.Open("0", r))
	select {
	case code := <-r.errs:
		assert.Equal(t, device.ErrorInUse, code)
	case <-time.After(wait):
		t.Fatal("no error reported")
	}

	d := openCamera(t, m, "0", r)
	assert.Equal(t, "0", d.ID())
	assert.Equal(t, 2, cam.Opens())
	assert.True(t, cam.IsOpen())
}

func TestSessionProducesFrames(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 64, Height: 48})
	cam.SetFPS(200)

	r := newRecorder()
	d := openCamera(t, m, "0", r)

	surf := output.NewMemorySurface(device.Size{Width: 64, Height: 48})
	size := device.Size{Width: 64, Height: 48}
	require.NoError(t, d.CreateSession(device.SessionConfig{Size: size, Surfaces: []device.Surface{surf}}, r))

	var s device.Session
	select {
	case s = <-r.configured:
	case <-time.After(wait):
		t.Fatal("not configured")
	}
	assert.Equal(t, 1, cam.ActiveSessions())

	require.NoError(t, s.SetRepeating([]device.Surface{surf}, r))
	assert.Eventually(t, func() bool { return surf.Frames() >= 3 }, wait, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.frameCount(), 3)

	last, ok := surf.Last()
	require.True(t, ok)
	require.NotNil(t, last.Image)
	assert.Equal(t, 64, last.Image.Bounds().Dx())

	s.Close()
	select {
	case <-r.closed:
	case <-time.After(wait):
		t.Fatal("close not confirmed")
	}
	assert.Equal(t, 0, cam.ActiveSessions())
	assert.Equal(t, 1, cam.MaxConcurrentSessions())
}

func TestStallStopsFrames(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 32, Height: 24})
	cam.SetFPS(200)
	r := newRecorder()
	d := openCamera(t, m, "0", r)

	surf := output.NewMemorySurface(device.Size{Width: 32, Height: 24})
	require.NoError(t, d.CreateSession(device.SessionConfig{Size: device.Size{Width: 32, Height: 24}, Surfaces: []device.Surface{surf}}, r))
	s := <-r.configured
	require.NoError(t, s.SetRepeating([]device.Surface{surf}, r))
	assert.Eventually(t, func() bool { return surf.Frames() > 0 }, wait, 5*time.Millisecond)

	cam.Stall(true)
	time.Sleep(20 * time.Millisecond)
	n := surf.Frames()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, surf.Frames())

	cam.Stall(false)
	assert.Eventually(t, func() bool { return surf.Frames() > n }, wait, 5*time.Millisecond)
	d.Close()
}

func TestConfigureFailureAndHeldClose(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 32, Height: 24})
	cam.FailConfigures(1)
	cam.HoldCloseConfirmation(true)

	r := newRecorder()
	d := openCamera(t, m, "0", r)
	cfg := device.SessionConfig{Size: device.Size{Width: 32, Height: 24}}

	require.NoError(t, d.CreateSession(cfg, r))
	select {
	case err := <-r.failed:
		assert.Error(t, err)
	case <-time.After(wait):
		t.Fatal("expected configure failure")
	}

	require.NoError(t, d.CreateSession(cfg, r))
	s := <-r.configured
	s.Close()

	select {
	case <-r.closed:
		t.Fatal("close should not be confirmed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, cam.ActiveSessions())
}

func TestIncrementalSurfaces(t *testing.T) {
	m := NewManager()
	m.Add("0", device.Size{Width: 32, Height: 24})
	r := newRecorder()
	d := openCamera(t, m, "0", r)

	a := output.NewMemorySurface(device.Size{Width: 32, Height: 24})
	b := output.NewMemorySurface(device.Size{Width: 16, Height: 12})
	require.NoError(t, d.CreateSession(device.SessionConfig{Size: device.Size{Width: 32, Height: 24}, Surfaces: []device.Surface{a}}, r))
	s := <-r.configured

	assert.Error(t, s.SetRepeating([]device.Surface{a, b}, r), "b is not attached")
	require.NoError(t, s.AttachSurface(b))
	assert.Error(t, s.SetRepeating([]device.Surface{a, b}, r), "b is not finalized")
	require.NoError(t, s.Finalize(b))
	require.NoError(t, s.SetRepeating([]device.Surface{a, b}, r))

	assert.Error(t, s.DetachSurface(b), "b still targeted")
	require.NoError(t, s.SetRepeating([]device.Surface{a}, r))
	require.NoError(t, s.DetachSurface(b))

	b.Invalidate()
	assert.ErrorIs(t, s.AttachSurface(b), device.ErrSurfaceAbandoned)
	d.Close()
}

func TestScriptedSurfaceFailures(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 32, Height: 24})
	r := newRecorder()
	d := openCamera(t, m, "0", r)

	a := output.NewMemorySurface(device.Size{Width: 32, Height: 24})
	b := output.NewMemorySurface(device.Size{Width: 32, Height: 24})
	require.NoError(t, d.CreateSession(device.SessionConfig{Size: device.Size{Width: 32, Height: 24}, Surfaces: []device.Surface{a}}, r))
	s := <-r.configured

	cam.FailNext(OpRepeating, 1)
	assert.Error(t, s.SetRepeating([]device.Surface{a}, r))
	require.NoError(t, s.SetRepeating([]device.Surface{a}, r))

	cam.FailNext(OpAttach, 1)
	assert.Error(t, s.AttachSurface(b))
	require.NoError(t, s.AttachSurface(b))

	cam.FailNext(OpFinalize, 2)
	assert.Error(t, s.Finalize(b))
	assert.Error(t, s.Finalize(b))
	require.NoError(t, s.Finalize(b))

	assert.Equal(t, 0, cam.Detaches())
	require.NoError(t, s.DetachSurface(b))
	assert.Equal(t, 1, cam.Detaches())
	d.Close()
}

func TestDisconnect(t *testing.T) {
	m := NewManager()
	cam := m.Add("0", device.Size{Width: 32, Height: 24})
	r := newRecorder()
	d := openCamera(t, m, "0", r)

	cam.Disconnect()
	assert.Equal(t, device.ErrorDisconnected, <-r.errs)
	assert.False(t, cam.IsOpen())
	assert.Equal(t, device.ErrorDisconnected, device.CodeOf(d.CreateSession(device.SessionConfig{}, r)))
}
