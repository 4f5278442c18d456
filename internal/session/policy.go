package session

import (
	"time"

	"github.com/lanikai/dewarp/internal/device"
)

// Policy says how the controller reacts to a device error code.
type Policy struct {
	// Retryable codes reopen the device through the reconnect scheduler.
	Retryable bool

	// Floor is the minimum delay before the reopen.
	Floor time.Duration

	// ClearInFlight drops the scheduler's reconnecting flag first.
	ClearInFlight bool
}

// DefaultPolicies maps platform error codes to recovery policies. Codes not
// listed are not retryable.
func DefaultPolicies() map[device.ErrorCode]Policy {
	return map[device.ErrorCode]Policy{
		device.ErrorInUse:        {Retryable: true, Floor: 2 * time.Second},
		device.ErrorMaxInUse:     {Retryable: true, Floor: 3 * time.Second},
		device.ErrorDisabled:     {Retryable: true, Floor: 5 * time.Second},
		device.ErrorService:      {Retryable: true, Floor: 3 * time.Second},
		device.ErrorDevice:       {Retryable: true, Floor: 10 * time.Second},
		device.ErrorDisconnected: {Retryable: true, ClearInFlight: true},
	}
}

func (c *Controller) policy(code device.ErrorCode) Policy {
	return c.cfg.Policies[code]
}
