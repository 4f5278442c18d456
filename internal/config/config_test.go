package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()

	// An explicitly named file must exist.
	_, err := NewLoader().Load(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)

	file := filepath.Join(dir, "dewarp.yaml")
	writeFile(t, file, "# nothing set\n")
	cfg, err := NewLoader().Load(file)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, "0", cfg.Device)
	assert.True(t, cfg.Correction)
	assert.Equal(t, distortion.Identity(), cfg.Distortion)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 2500*time.Millisecond, cfg.Health.StallTimeout)

	sc := cfg.Session()
	assert.Equal(t, "0", sc.DeviceID)
	assert.Equal(t, device.Size{Width: 1280, Height: 720}, sc.PreferredSize)
	assert.Equal(t, 12, sc.Reconnect.MaxAttempts)
}

func TestFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "dewarp.yaml")
	writeFile(t, file, `
backend: v4l2
device: /dev/video2
size: 640x480
distortion:
  k1: -0.25
  zoom: 1.2
reconnect:
  base_delay: 100ms
  max_attempts: 3
outputs:
  primary: /tmp/primary
  record: /tmp/record
`)
	t.Setenv("DEWARP_SIZE", "800x600")
	t.Setenv("DEWARP_HEALTH_STALL_TIMEOUT", "4s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("device", "", "")
	fs.Bool("correction", true, "")
	require.NoError(t, fs.Parse([]string{"--device", "/dev/video4", "--correction=false"}))

	l := NewLoader()
	require.NoError(t, l.BindFlags(fs))
	cfg, err := l.Load(file)
	require.NoError(t, err)
	assert.Equal(t, file, l.File())

	assert.Equal(t, "v4l2", cfg.Backend)
	assert.Equal(t, "/dev/video4", cfg.Device, "flag beats file")
	assert.Equal(t, "800x600", cfg.Size, "env beats file")
	assert.False(t, cfg.Correction)
	assert.Equal(t, -0.25, cfg.Distortion.K1)
	assert.Equal(t, 1.2, cfg.Distortion.Zoom)
	assert.Equal(t, 0.5, cfg.Distortion.CenterX, "unset keys keep defaults")
	assert.Equal(t, 100*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 4*time.Second, cfg.Health.StallTimeout)
	assert.Equal(t, map[string]string{"primary": "/tmp/primary", "record": "/tmp/record"}, cfg.Outputs)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"backend.yaml": "backend: gstreamer\n",
		"size.yaml":    "size: big\n",
		"zoom.yaml":    "distortion:\n  zoom: 0\n",
		"outputs.yaml": "outputs:\n  sidecar: /tmp/x\n",
	}
	for name, content := range cases {
		file := filepath.Join(dir, name)
		writeFile(t, file, content)
		_, err := NewLoader().Load(file)
		assert.Error(t, err, name)
	}
}

func TestWatchReloadsDistortion(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dewarp.yaml")
	writeFile(t, file, "distortion:\n  k1: 0.1\n")

	l := NewLoader()
	cfg, err := l.Load(file)
	require.NoError(t, err)
	assert.Equal(t, 0.1, cfg.Distortion.K1)

	var mu sync.Mutex
	var got []distortion.Params
	l.Watch(func(p distortion.Params) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	// Give the watcher time to start before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, file, "distortion:\n  k1: 0.3\n  zoom: 0.9\n")

	// The truncating write may be observed half done; wait for the final
	// contents.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == distortion.Params{K1: 0.3, Zoom: 0.9, CenterX: 0.5, CenterY: 0.5}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsDefaultsForMissingKeys(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dewarp.yaml")
	writeFile(t, file, "distortion:\n  k1: 0.1\n  zoom: 0.8\n")

	l := NewLoader()
	_, err := l.Load(file)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []distortion.Params
	l.Watch(func(p distortion.Params) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	writeFile(t, file, "distortion:\n  center_x: 0.4\n")

	want := distortion.Identity()
	want.CenterX = 0.4
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == want
	}, 5*time.Second, 20*time.Millisecond)
}
