// Package clock tracks capture completions: the last frame timestamp, the
// platform's capture sequence number and a rolling frame rate.
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Width of the window over which the frame rate is averaged.
const fpsWindow = time.Second

// Sample describes the most recent completed capture.
type Sample struct {
	Timestamp time.Time
	Sequence  uint64
}

// Clock is written by a single goroutine (the device worker) and may be read
// from any goroutine.
type Clock struct {
	last atomic.Int64 // UnixNano of the last frame, 0 if none
	seq  atomic.Uint64
	fps  atomic.Uint64 // math.Float64bits

	// Writer-only state.
	windowStart time.Time
	windowCount int
}

func New() *Clock {
	return &Clock{}
}

// Tick records capture seq completed at ts. Timestamps never move backwards: an
// older ts still counts as a frame but leaves the last sample unchanged.
// first reports whether this is the first frame since the last Reset.
func (c *Clock) Tick(ts time.Time, seq uint64) (s Sample, first bool) {
	prev := c.last.Load()
	first = prev == 0
	if ns := ts.UnixNano(); ns > prev {
		c.seq.Store(seq)
		c.last.Store(ns)
	}

	if c.windowStart.IsZero() {
		c.windowStart = ts
	}
	c.windowCount++
	if elapsed := ts.Sub(c.windowStart); elapsed >= fpsWindow {
		c.fps.Store(math.Float64bits(float64(c.windowCount) / elapsed.Seconds()))
		c.windowStart = ts
		c.windowCount = 0
	}

	return c.Last(), first
}

// Last returns the most recent sample. The zero Sample means no frame yet.
func (c *Clock) Last() Sample {
	ns := c.last.Load()
	if ns == 0 {
		return Sample{}
	}
	return Sample{Timestamp: time.Unix(0, ns), Sequence: c.seq.Load()}
}

// LastFrame returns the timestamp of the most recent frame, or the zero time.
func (c *Clock) LastFrame() time.Time {
	return c.Last().Timestamp
}

// FPS returns the frame rate measured over the last complete window.
func (c *Clock) FPS() float64 {
	return math.Float64frombits(c.fps.Load())
}

// Reset forgets all samples. The controller calls it whenever a capture
// session becomes active.
func (c *Clock) Reset() {
	c.last.Store(0)
	c.seq.Store(0)
	c.fps.Store(0)
	c.windowStart = time.Time{}
	c.windowCount = 0
}
