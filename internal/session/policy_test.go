package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lanikai/dewarp/internal/device"
)

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()

	floors := map[device.ErrorCode]time.Duration{
		device.ErrorInUse:        2 * time.Second,
		device.ErrorMaxInUse:     3 * time.Second,
		device.ErrorDisabled:     5 * time.Second,
		device.ErrorService:      3 * time.Second,
		device.ErrorDevice:       10 * time.Second,
		device.ErrorDisconnected: 0,
	}
	for code, floor := range floors {
		assert.True(t, p[code].Retryable, "%v", code)
		assert.Equal(t, floor, p[code].Floor, "%v", code)
	}
	assert.True(t, p[device.ErrorDisconnected].ClearInFlight)

	for _, code := range []device.ErrorCode{
		device.ErrorInvalid,
		device.ErrorPermission,
		device.ErrorDeviceInvalid,
		device.ErrorConfigureFailed,
		device.ErrorReconnectExhausted,
	} {
		assert.False(t, p[code].Retryable, "%v", code)
	}
}
