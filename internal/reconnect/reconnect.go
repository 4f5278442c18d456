// Package reconnect computes backoff delays for reopening a capture device and
// keeps at most one reopen task outstanding.
package reconnect

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/logging"
	"github.com/lanikai/dewarp/internal/worker"
)

var log = logging.DefaultLogger.WithTag("reconnect")

// ErrExhausted is returned by Schedule once MaxAttempts retries have been
// scheduled without a successful open.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Task is the worker kind used for the pending reopen.
const Task worker.Kind = "reconnect"

// Config contains configuration for exponential backoff reconnection.
type Config struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`   // Delay before the first retry
	MaxDelay    time.Duration `mapstructure:"max_delay"`    // Cap on the exponential delay
	GlobalMin   time.Duration `mapstructure:"global_min"`   // No retry is ever scheduled sooner
	CapExponent int           `mapstructure:"cap_exponent"` // Largest power of two applied to BaseDelay
	MaxAttempts int           `mapstructure:"max_attempts"` // Automatic retries before giving up
	Jitter      float64       `mapstructure:"jitter"`       // Symmetric jitter fraction, e.g. 0.2 for ±20%
}

// DefaultConfig returns default reconnection configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		GlobalMin:   250 * time.Millisecond,
		CapExponent: 6,
		MaxAttempts: 12,
		Jitter:      0.2,
	}
}

// State is a snapshot of the scheduler for diagnostics.
type State struct {
	Attempts     int
	NextDelay    time.Duration
	MinFloor     time.Duration
	Reconnecting bool
}

// Poster runs delayed work on the device worker.
type Poster interface {
	PostDelayed(kind worker.Kind, d time.Duration, fn func())
	Cancel(kind worker.Kind) bool
}

type Scheduler struct {
	cfg    Config
	poster Poster

	mu    sync.Mutex
	state State
	rnd   func() float64
}

func New(cfg Config, poster Poster) *Scheduler {
	if cfg.CapExponent < 0 {
		cfg.CapExponent = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Scheduler{
		cfg:    cfg,
		poster: poster,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
	}
}

// SetRand replaces the jitter source. The function must return values in
// [0,1).
func (s *Scheduler) SetRand(rnd func() float64) {
	s.mu.Lock()
	s.rnd = rnd
	s.mu.Unlock()
}

// Delay returns the backoff for the given attempt (1-based):
//
//	min(BaseDelay * 2^min(attempt-1, CapExponent), MaxDelay) ± Jitter
//
// clamped to MaxDelay and floored at max(floor, GlobalMin).
func (s *Scheduler) Delay(attempt int, floor time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked(attempt, floor)
}

func (s *Scheduler) delayLocked(attempt int, floor time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > s.cfg.CapExponent {
		exp = s.cfg.CapExponent
	}

	d := s.cfg.BaseDelay * time.Duration(1<<uint(exp))
	if d > s.cfg.MaxDelay || d <= 0 {
		d = s.cfg.MaxDelay
	}

	if s.cfg.Jitter > 0 {
		factor := 1 + s.cfg.Jitter*(2*s.rnd()-1)
		d = time.Duration(float64(d) * factor)
		if d > s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
		}
	}

	if floor < s.cfg.GlobalMin {
		floor = s.cfg.GlobalMin
	}
	if d < floor {
		d = floor
	}
	return d
}

// Schedule posts fn to run after the next backoff delay, replacing any pending
// reopen. It returns ErrExhausted, without scheduling, once MaxAttempts is
// reached.
func (s *Scheduler) Schedule(floor time.Duration, fn func()) (time.Duration, error) {
	s.mu.Lock()
	if s.cfg.MaxAttempts > 0 && s.state.Attempts >= s.cfg.MaxAttempts {
		s.state.Reconnecting = false
		s.mu.Unlock()
		return 0, ErrExhausted
	}
	s.state.Attempts++
	d := s.delayLocked(s.state.Attempts, floor)
	s.state.NextDelay = d
	s.state.MinFloor = floor
	s.state.Reconnecting = true
	attempt := s.state.Attempts
	s.mu.Unlock()

	log.Info("Scheduling reconnect attempt %d in %v (floor %v)", attempt, d, floor)
	s.poster.PostDelayed(Task, d, fn)
	return d, nil
}

// Reset clears the attempt counter. Called when a device opens or a session
// becomes active, and on a manual open which re-enables automatic retries.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()
}

// Cancel drops the pending reopen, if any, and clears the in-flight flag.
func (s *Scheduler) Cancel() {
	s.poster.Cancel(Task)
	s.ClearInFlight()
}

// ClearInFlight drops the reconnecting flag so a fresh attempt is not blocked.
func (s *Scheduler) ClearInFlight() {
	s.mu.Lock()
	s.state.Reconnecting = false
	s.mu.Unlock()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
