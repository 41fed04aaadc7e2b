package taskrunner

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostTaskRunsOnRunnerGoroutine(t *testing.T) {
	r := New(8)
	defer r.Stop()

	done := make(chan struct{})
	r.PostTask(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPostDelayedTaskCancel(t *testing.T) {
	r := New(8)
	defer r.Stop()

	ran := false
	var mu sync.Mutex
	cancel := r.PostDelayedTask(50*time.Millisecond, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	cancel()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, ran)
}

func TestTokenInvalidatedByGeneration(t *testing.T) {
	var gen Generation
	tok := gen.NewToken()
	require.True(t, tok.Valid())

	gen.Invalidate()
	require.False(t, tok.Valid())

	newTok := gen.NewToken()
	require.True(t, newTok.Valid())
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	r := New(8)
	var n int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		r.PostTask(func() {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	r.Stop()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, n)
}
