package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waiters(m *Manager, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}

func waitForWaiters(t *testing.T, m *Manager, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for waiters(m, key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters on %q (have %d)", n, key, waiters(m, key))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_SameKeyRunsInArrivalOrder(t *testing.T) {
	m := New()
	ctx := context.Background()

	release, err := m.Lock(ctx, "alice")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := WithLock(ctx, m, "alice", func(context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}(i)
		// Enqueue one at a time so arrival order is deterministic.
		waitForWaiters(t, m, "alice", i+1)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, m.Len(), "idle keys should be dropped")
}

func TestManager_NeverOverlapsOnSameKey(t *testing.T) {
	m := New()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = WithLock(context.Background(), m, "k", func(context.Context) (int, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&active, -1)
				return 0, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
}

func TestManager_DifferentKeysAreIndependent(t *testing.T) {
	m := New()
	ctx := context.Background()

	releaseA, err := m.Lock(ctx, "alice")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release, err := m.Lock(ctx, "bob")
		assert.NoError(t, err)
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on bob blocked behind alice")
	}
}

func TestWithLock_FailureDoesNotPoisonKey(t *testing.T) {
	m := New()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := WithLock(ctx, m, "alice", func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	func() {
		defer func() { _ = recover() }()
		_, _ = WithLock(ctx, m, "alice", func(context.Context) (int, error) {
			panic("handler exploded")
		})
	}()

	got, err := WithLock(ctx, m, "alice", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 0, m.Len())
}

func TestManager_CancelledWaiterLeavesQueue(t *testing.T) {
	m := New()
	release, err := m.Lock(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Lock(ctx, "alice")
		errCh <- err
	}()
	waitForWaiters(t, m, "alice", 1)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, waiters(m, "alice"))

	release()

	// The key is free again for the next caller.
	next, err := m.Lock(context.Background(), "alice")
	require.NoError(t, err)
	next()
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := New()
	ctx := context.Background()

	release, err := m.Lock(ctx, "alice")
	require.NoError(t, err)
	release()
	release()

	second, err := m.Lock(ctx, "alice")
	require.NoError(t, err)

	// A stale release from the first holder must not free the second.
	release()
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(shortCtx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	second()
}

func TestManager_OnWaitObservesAcquisition(t *testing.T) {
	m := New()
	var calls int32
	m.OnWait = func(key string, waited time.Duration) {
		assert.Equal(t, "alice", key)
		assert.GreaterOrEqual(t, waited, time.Duration(0))
		atomic.AddInt32(&calls, 1)
	}

	_, err := WithLock(context.Background(), m, "alice", func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
