package distortion

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	p := Identity()
	for i := 0; i <= 20; i++ {
		for j := 0; j <= 20; j++ {
			x, y := float64(i)/20, float64(j)/20
			sx, sy, ok := p.Correct(x, y)
			require.True(t, ok)
			assert.InDelta(t, x, sx, 1e-12)
			assert.InDelta(t, y, sy, 1e-12)
		}
	}
}

func TestCenterIsFixedPoint(t *testing.T) {
	p := Params{K1: 0.4, K2: -0.1, Zoom: 1.3, CenterX: 0.45, CenterY: 0.55}
	sx, sy, ok := p.Correct(0.45, 0.55)
	assert.True(t, ok)
	assert.InDelta(t, 0.45, sx, 1e-12)
	assert.InDelta(t, 0.55, sy, 1e-12)
}

func TestPositiveK1SamplesFurtherOut(t *testing.T) {
	p := Params{K1: 0.5, Zoom: 1, CenterX: 0.5, CenterY: 0.5}
	sx, _, ok := p.Correct(0.75, 0.5)
	require.True(t, ok)
	// Sampling further from the center shrinks the image inward.
	assert.Greater(t, sx, 0.75)

	p.K1 = -0.5
	sx, _, _ = p.Correct(0.75, 0.5)
	assert.Less(t, sx, 0.75)
}

func TestOutOfBoundsIsRejected(t *testing.T) {
	p := Params{K1: 2, Zoom: 1, CenterX: 0.5, CenterY: 0.5}
	_, _, ok := p.Correct(0, 0)
	assert.False(t, ok)

	// Zooming out pulls corners outside the source as well.
	p = Params{Zoom: 0.5, CenterX: 0.5, CenterY: 0.5}
	_, _, ok = p.Correct(0.05, 0.5)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Identity().Validate())
	assert.Error(t, Params{Zoom: 0, CenterX: 0.5, CenterY: 0.5}.Validate())
	assert.Error(t, Params{Zoom: 1, K1: math.NaN()}.Validate())
}

func TestAtomicNeverTorn(t *testing.T) {
	a := NewAtomic(Params{K1: 1, K2: 1, Zoom: 1, CenterX: 1, CenterY: 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 2; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float64(i)
			a.Store(Params{K1: v, K2: v, Zoom: v, CenterX: v, CenterY: v})
		}
	}()

	for i := 0; i < 10000; i++ {
		p := a.Load()
		require.Equal(t, p.K1, p.K2)
		require.Equal(t, p.K1, p.Zoom)
		require.Equal(t, p.K1, p.CenterY)
	}
	close(stop)
	wg.Wait()
}

func TestZeroAtomicLoadsIdentity(t *testing.T) {
	var a Atomic
	assert.Equal(t, Identity(), a.Load())
}
