package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSynchronizer lets the test flip lock state under a mutex while
// watchSynchronization polls it on its own ticker.
type fakeSynchronizer struct {
	mu     sync.Mutex
	locked bool
}

func (f *fakeSynchronizer) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = v
}

func (f *fakeSynchronizer) Synchronized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// TestWatchSynchronizationStopsOnCancel just confirms the goroutine honors
// context cancellation; the actual SdNotify calls aren't observable without
// a NOTIFY_SOCKET, which notifySystemd already degrades gracefully without.
func TestWatchSynchronizationStopsOnCancel(t *testing.T) {
	clock := &fakeSynchronizer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		watchSynchronization(ctx, clock)
		close(done)
	}()

	clock.set(true)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchSynchronization did not return after cancel")
	}
	require.True(t, clock.Synchronized())
}
