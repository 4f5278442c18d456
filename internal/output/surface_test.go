package output

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp/internal/device"
)

func TestMemorySurface(t *testing.T) {
	s := NewMemorySurface(device.Size{Width: 320, Height: 240})
	size, ok := s.Size()
	assert.True(t, ok)
	assert.Equal(t, device.Size{Width: 320, Height: 240}, size)

	_, ok = s.Last()
	assert.False(t, ok)

	require.NoError(t, s.Deliver(device.Frame{Sequence: 7}))
	f, ok := s.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), f.Sequence)

	s.Invalidate()
	assert.Equal(t, device.ErrSurfaceAbandoned, s.Deliver(device.Frame{}))
	assert.Equal(t, uint64(1), s.Frames())

	_, ok = NewMemorySurface(device.Size{}).Size()
	assert.False(t, ok)
}

func TestFuncSurface(t *testing.T) {
	var got []uint64
	s := NewFuncSurface(device.Size{}, func(f device.Frame) error {
		got = append(got, f.Sequence)
		return nil
	})
	s.Deliver(device.Frame{Sequence: 1})
	s.Deliver(device.Frame{Sequence: 2})
	s.Invalidate()
	assert.Error(t, s.Deliver(device.Frame{Sequence: 3}))
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestSnapshotSurface(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.png")

	s, err := NewSnapshotSurface(path, device.Size{}, time.Hour)
	require.NoError(t, err)
	defer s.Close()

	img := imaging.New(8, 6, image.Black)
	require.NoError(t, s.Deliver(device.Frame{Image: img}))
	// Within the interval: accepted but not written.
	require.NoError(t, s.Deliver(device.Frame{Image: img}))

	require.Eventually(t, func() bool { return s.Written() == 1 }, 2*time.Second, 10*time.Millisecond)

	out, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Bounds().Dx())

	_, err = os.Stat(path + ".tmp.png")
	assert.True(t, os.IsNotExist(err))

	s.Close()
	assert.Equal(t, device.ErrSurfaceAbandoned, s.Deliver(device.Frame{Image: img}))
}

func TestSnapshotSurfaceRejectsUnknownFormat(t *testing.T) {
	_, err := NewSnapshotSurface(filepath.Join(t.TempDir(), "out.xyz"), device.Size{}, time.Second)
	assert.Error(t, err)
}
