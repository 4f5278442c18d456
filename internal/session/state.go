package session

import (
	"fmt"
	"time"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/output"
)

// State of the capture device lifecycle.
type State int32

const (
	Idle State = iota
	Opening
	Open
	Configuring
	Active
	Closing
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Configuring:
		return "configuring"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// live reports whether the device is granted or being granted.
func (s State) live() bool {
	return s == Opening || s == Open || s == Configuring || s == Active
}

type EventKind int

const (
	EventOpened EventKind = iota
	EventConfigured
	EventClosed
	EventError
	EventPreviewSize
	EventFirstFrame
	EventTargetDropped
	EventTargetPruned
	EventReconnecting
	EventStalled
)

var eventNames = map[EventKind]string{
	EventOpened:        "opened",
	EventConfigured:    "configured",
	EventClosed:        "closed",
	EventError:         "error",
	EventPreviewSize:   "preview-size",
	EventFirstFrame:    "first-frame",
	EventTargetDropped: "target-dropped",
	EventTargetPruned:  "target-pruned",
	EventReconnecting:  "reconnecting",
	EventStalled:       "stalled",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered to the controller's Listener. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind    EventKind        `json:"kind"`
	Device  string           `json:"device"`
	Code    device.ErrorCode `json:"code,omitempty"`
	Size    device.Size      `json:"size,omitempty"`
	Target  output.Name      `json:"target,omitempty"`
	Session string           `json:"session,omitempty"`
	Delay   time.Duration    `json:"delay,omitempty"`
	Level   int              `json:"level,omitempty"`
	Err     error            `json:"-"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventError:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Code, e.Err)
	case EventPreviewSize:
		return fmt.Sprintf("%s %s", e.Kind, e.Size)
	case EventTargetDropped, EventTargetPruned:
		return fmt.Sprintf("%s %s", e.Kind, e.Target)
	case EventReconnecting:
		return fmt.Sprintf("%s in %v", e.Kind, e.Delay)
	case EventStalled:
		return fmt.Sprintf("%s level %d", e.Kind, e.Level)
	}
	return e.Kind.String()
}

// Listener receives events on the device worker. It must not block.
type Listener func(Event)

// Stats is a diagnostic snapshot, safe to take from any goroutine.
type Stats struct {
	Device       string        `json:"device"`
	State        string        `json:"state"`
	Session      string        `json:"session,omitempty"`
	PreviewSize  device.Size   `json:"preview_size"`
	Correction   bool          `json:"correction"`
	Paused       bool          `json:"paused"`
	FPS          float64       `json:"fps"`
	LastFrame    time.Time     `json:"last_frame"`
	Frames       uint64        `json:"frames"`
	Rendered     uint64        `json:"rendered"`
	Attempts     int           `json:"reconnect_attempts"`
	Reconnecting bool          `json:"reconnecting"`
	NextDelay    time.Duration `json:"next_delay"`
	StallLevel   int           `json:"stall_level"`
	Targets      []output.Name `json:"targets"`
}
