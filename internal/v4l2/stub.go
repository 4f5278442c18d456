//go:build !linux || !(amd64 || arm64)

package v4l2

import (
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
)

var errUnsupported = errors.New("v4l2: not supported on this platform")

// Manager reports no devices outside 64-bit Linux.
type Manager struct {
	Pattern string
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Devices() ([]string, error) {
	return nil, nil
}

func (m *Manager) Capabilities(id string) (device.Info, error) {
	return device.Info{}, device.NewError(device.ErrorDeviceInvalid, errUnsupported)
}

func (m *Manager) Open(id string, l device.StateListener) error {
	return device.NewError(device.ErrorDeviceInvalid, errUnsupported)
}
