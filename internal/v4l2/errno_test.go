//go:build linux

package v4l2

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/lanikai/dewarp/internal/device"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want device.ErrorCode
	}{
		{unix.EBUSY, device.ErrorInUse},
		{unix.EMFILE, device.ErrorMaxInUse},
		{unix.EACCES, device.ErrorPermission},
		{unix.ENODEV, device.ErrorDisconnected},
		{unix.ENOTTY, device.ErrorInvalid},
		{unix.EIO, device.ErrorDevice},
		{errors.Wrap(unix.EBUSY, "open"), device.ErrorInUse},
		{errors.New("something else"), device.ErrorDevice},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errorCode(c.err), "%v", c.err)
	}
}
