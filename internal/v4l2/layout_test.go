//go:build linux && (amd64 || arm64)

package v4l2

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/lanikai/dewarp/internal/device"
)

// Struct sizes are encoded in the ioctl request numbers.
func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(104), unsafe.Sizeof(v4l2Capability{}))
	assert.Equal(t, uintptr(44), unsafe.Sizeof(v4l2FrmSizeEnum{}))
	assert.Equal(t, uintptr(208), unsafe.Sizeof(v4l2Format{}))
	assert.Equal(t, uintptr(20), unsafe.Sizeof(v4l2RequestBuffers{}))
	assert.Equal(t, uintptr(88), unsafe.Sizeof(v4l2Buffer{}))
	assert.Equal(t, uintptr(64), unsafe.Offsetof(v4l2Buffer{}.m))
	assert.Equal(t, uintptr(72), unsafe.Offsetof(v4l2Buffer{}.length))
}

func TestCapabilityFlags(t *testing.T) {
	vc := v4l2Capability{capabilities: capVideoCapture | capStreaming}
	assert.True(t, vc.isCapture())

	// Metadata node: device caps lack video capture.
	vc = v4l2Capability{capabilities: capVideoCapture | capStreaming | capDeviceCaps, deviceCaps: capStreaming}
	assert.False(t, vc.isCapture())

	assert.Equal(t, "UVC Camera", cstring([]byte("UVC Camera\x00\x00junk")))
}

func TestMissingNodes(t *testing.T) {
	m := &Manager{Pattern: t.TempDir() + "/video*"}
	ids, err := m.Devices()
	assert.NoError(t, err)
	assert.Empty(t, ids)

	_, err = m.Capabilities("/nonexistent/video0")
	assert.Equal(t, device.ErrorDisconnected, device.CodeOf(err))
}
