package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickMonotonic(t *testing.T) {
	c := New()
	assert.True(t, c.LastFrame().IsZero())

	t0 := time.Unix(1000, 0)
	s, first := c.Tick(t0, 41)
	assert.True(t, first)
	assert.Equal(t, uint64(41), s.Sequence)
	assert.True(t, s.Timestamp.Equal(t0))

	s, first = c.Tick(t0.Add(33*time.Millisecond), 42)
	assert.False(t, first)
	assert.Equal(t, uint64(42), s.Sequence)

	// A late completion does not move the sample backwards.
	s, _ = c.Tick(t0.Add(10*time.Millisecond), 40)
	assert.Equal(t, uint64(42), s.Sequence)
	assert.True(t, s.Timestamp.Equal(t0.Add(33*time.Millisecond)))
}

func TestFPS(t *testing.T) {
	c := New()
	t0 := time.Unix(1000, 0)
	for i := 0; i <= 30; i++ {
		c.Tick(t0.Add(time.Duration(i)*time.Second/30), uint64(i))
	}
	assert.InDelta(t, 31.0, c.FPS(), 0.01)
}

func TestReset(t *testing.T) {
	c := New()
	c.Tick(time.Unix(5, 0), 7)
	c.Reset()
	assert.Equal(t, Sample{}, c.Last())
	_, first := c.Tick(time.Unix(6, 0), 1)
	assert.True(t, first)
}
