package output

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp/internal/device"
)

func names(targets []Target) []Name {
	var out []Name
	for _, t := range targets {
		out = append(out, t.Name)
	}
	return out
}

func TestTargetsPriorityOrder(t *testing.T) {
	r := NewRegistry()
	r.Set(Secondary, NewMemorySurface(device.Size{}))
	r.Set(Record, NewMemorySurface(device.Size{}))
	r.Set(Primary, NewMemorySurface(device.Size{}))
	r.Set(Floating, NewMemorySurface(device.Size{}))

	assert.Equal(t, []Name{Primary, Record, Floating, Secondary}, names(r.Targets()))
}

func TestValidFiltersInvalid(t *testing.T) {
	r := NewRegistry()
	a := NewMemorySurface(device.Size{})
	b := NewMemorySurface(device.Size{})
	r.Set(Primary, a)
	r.Set(Floating, b)

	b.Invalidate()
	assert.Equal(t, []Name{Primary}, names(r.Valid()))
	assert.Len(t, r.Targets(), 2)
}

func TestPruneIsCompareAndDelete(t *testing.T) {
	r := NewRegistry()
	old := NewMemorySurface(device.Size{})
	replacement := NewMemorySurface(device.Size{})

	r.Set(Floating, old)
	r.Set(Floating, replacement)
	assert.False(t, r.Prune(Floating, old))

	s, ok := r.Get(Floating)
	require.True(t, ok)
	assert.Equal(t, replacement, s)

	assert.True(t, r.Prune(Floating, replacement))
	_, ok = r.Get(Floating)
	assert.False(t, ok)
}

func TestShedOrder(t *testing.T) {
	r := NewRegistry()
	for _, n := range Names {
		r.Set(n, NewMemorySurface(device.Size{}))
	}

	var shed []Name
	for {
		n, ok := r.Shed()
		if !ok {
			break
		}
		shed = append(shed, n)
	}
	assert.Equal(t, []Name{Secondary, Floating, Record}, shed)
	assert.Equal(t, []Name{Primary}, names(r.Targets()))

	// The owner setting the target again lifts the suppression.
	r.Set(Floating, NewMemorySurface(device.Size{}))
	assert.False(t, r.Suppressed(Floating))
	assert.Equal(t, []Name{Primary, Floating}, names(r.Targets()))
}

func TestWatch(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var changes []Change
	cancel := r.Watch(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	s := NewMemorySurface(device.Size{})
	r.Set(Record, s)
	r.Set(Record, s) // no-op
	r.Remove(Record)
	assert.False(t, r.Remove(Record))

	cancel()
	r.Set(Primary, s)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Name: Record, New: s}, changes[0])
	assert.Equal(t, Change{Name: Record, Old: s}, changes[1])
}

func TestGeneration(t *testing.T) {
	r := NewRegistry()
	g := r.Generation()
	r.Set(Primary, NewMemorySurface(device.Size{}))
	assert.Greater(t, r.Generation(), g)
}

func TestParseName(t *testing.T) {
	n, err := ParseName("record")
	require.NoError(t, err)
	assert.Equal(t, Record, n)
	_, err = ParseName("sidecar")
	assert.Error(t, err)
}
