// Package health watches the frame clock of an active capture session and
// escalates recovery when frames stop arriving.
package health

import (
	"sync/atomic"
	"time"

	"github.com/lanikai/dewarp/internal/logging"
	"github.com/lanikai/dewarp/internal/worker"
)

var log = logging.DefaultLogger.WithTag("health")

// Task is the worker kind used for the polling timer.
const Task worker.Kind = "health"

type Config struct {
	Interval            time.Duration `mapstructure:"interval"`              // Polling period
	StallTimeout        time.Duration `mapstructure:"stall_timeout"`         // Frame gap considered a stall
	MinRecoveryInterval time.Duration `mapstructure:"min_recovery_interval"` // Spacing between recoveries
}

func DefaultConfig() Config {
	return Config{
		Interval:            time.Second,
		StallTimeout:        2500 * time.Millisecond,
		MinRecoveryInterval: 3 * time.Second,
	}
}

// Action is the recovery chosen by a check.
type Action int

const (
	None Action = iota
	Recreate
	Reopen
)

func (a Action) String() string {
	switch a {
	case Recreate:
		return "recreate"
	case Reopen:
		return "reopen"
	default:
		return "none"
	}
}

// Target is what the monitor observes and drives. All methods are called on
// the device worker.
type Target interface {
	LastFrame() time.Time
	Configuring() bool
	Paused() bool

	// Recreate renegotiates the capture session on the open device.
	Recreate()

	// ForceReopen closes and reopens the device.
	ForceReopen()
}

// Poster runs delayed work on the device worker.
type Poster interface {
	PostDelayed(kind worker.Kind, d time.Duration, fn func())
	Cancel(kind worker.Kind) bool
}

// Monitor is confined to the device worker except for Level and Running,
// which may be read anywhere.
type Monitor struct {
	cfg    Config
	target Target
	poster Poster
	now    func() time.Time

	running      atomic.Bool
	level        atomic.Int32
	armedAt      time.Time
	lastRecovery time.Time
}

func New(cfg Config, target Target, poster Poster) *Monitor {
	return &Monitor{
		cfg:    cfg,
		target: target,
		poster: poster,
		now:    time.Now,
	}
}

// Start begins polling. Frames older than the start time do not count as a
// stall. resetLevel is false when the session being started is itself a stall
// recovery, so a repeated stall escalates.
func (m *Monitor) Start(resetLevel bool) {
	m.armedAt = m.now()
	if resetLevel {
		m.level.Store(0)
		m.lastRecovery = time.Time{}
	}
	m.running.Store(true)
	m.arm()
}

// Stop cancels polling. The recovery level is kept.
func (m *Monitor) Stop() {
	m.running.Store(false)
	m.poster.Cancel(Task)
}

func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Level is the current escalation level: 0 healthy, 1 after a recreate, 2+
// after reopens.
func (m *Monitor) Level() int {
	return int(m.level.Load())
}

func (m *Monitor) arm() {
	m.poster.PostDelayed(Task, m.cfg.Interval, m.poll)
}

func (m *Monitor) poll() {
	if !m.running.Load() {
		return
	}
	m.Check(m.now())
	// A reopen stops the monitor; only re-arm if still running.
	if m.running.Load() {
		m.arm()
	}
}

// Check evaluates the session at now and performs the chosen recovery.
func (m *Monitor) Check(now time.Time) Action {
	if m.target.Configuring() || m.target.Paused() {
		return None
	}

	frame := m.target.LastFrame()
	if !frame.IsZero() && now.Sub(frame) <= m.cfg.StallTimeout {
		if m.level.Load() != 0 {
			log.Info("Frames flowing again, recovery level reset")
			m.level.Store(0)
		}
		return None
	}

	// A freshly started session gets a full timeout before it counts as stalled.
	last := frame
	if last.Before(m.armedAt) {
		last = m.armedAt
	}
	gap := now.Sub(last)
	if gap <= m.cfg.StallTimeout {
		return None
	}

	if !m.lastRecovery.IsZero() && now.Sub(m.lastRecovery) < m.cfg.MinRecoveryInterval {
		return None
	}
	m.lastRecovery = now

	level := m.level.Add(1)
	if level == 1 {
		log.Warn("No frames for %v, recreating capture session", gap)
		m.target.Recreate()
		return Recreate
	}
	log.Warn("No frames for %v at recovery level %d, reopening device", gap, level)
	m.target.ForceReopen()
	return Reopen
}
