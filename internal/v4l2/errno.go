//go:build linux

package v4l2

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/dewarp/internal/device"
)

// errorCode classifies a failed device operation.
func errorCode(err error) device.ErrorCode {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return device.ErrorDevice
	}
	switch errno {
	case unix.EBUSY:
		return device.ErrorInUse
	case unix.EMFILE, unix.ENFILE, unix.ENOMEM:
		return device.ErrorMaxInUse
	case unix.EACCES, unix.EPERM:
		return device.ErrorPermission
	case unix.ENODEV, unix.ENOENT, unix.ENXIO:
		return device.ErrorDisconnected
	case unix.EINVAL, unix.ENOTTY:
		return device.ErrorInvalid
	default:
		return device.ErrorDevice
	}
}
