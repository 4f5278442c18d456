package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostPreservesOrder(t *testing.T) {
	w := New("test")
	defer w.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		w.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.NoError(t, w.Sync(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromWorker(t *testing.T) {
	w := New("test")
	defer w.Stop()

	done := make(chan struct{})
	w.Post(func() {
		w.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestPostDelayedLatestWins(t *testing.T) {
	w := New("test")
	defer w.Stop()

	var first, second atomic.Int32
	w.PostDelayed("reconnect", 20*time.Millisecond, func() { first.Add(1) })
	w.PostDelayed("reconnect", 30*time.Millisecond, func() { second.Add(1) })
	assert.True(t, w.Pending("reconnect"))

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, first.Load())
	assert.False(t, w.Pending("reconnect"))
}

func TestCancelAfterTimerFired(t *testing.T) {
	w := New("test")
	defer w.Stop()

	// Block the worker so the delayed task's timer fires while it is queued.
	release := make(chan struct{})
	w.Post(func() { <-release })

	var ran atomic.Bool
	w.PostDelayed("health", time.Millisecond, func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.True(t, w.Cancel("health"))
	close(release)

	require.NoError(t, w.Sync(context.Background()))
	assert.False(t, ran.Load())
}

func TestStop(t *testing.T) {
	w := New("test")

	var ran atomic.Bool
	w.PostDelayed("later", 10*time.Millisecond, func() { ran.Store(true) })
	w.Stop()
	w.Stop()

	assert.False(t, w.Post(func() {}))
	assert.Equal(t, ErrStopped, w.Sync(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	w := New("test")
	defer w.Stop()

	w.Post(func() { panic("boom") })
	require.NoError(t, w.Sync(context.Background()))
}
