package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunExecutesTask(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	var n int32
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Run(func() {
		atomic.AddInt32(&n, 1)
		wg.Done()
	}))
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&n))
}

func TestRunReusesIdleWorker(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	done := make(chan struct{})
	require.NoError(t, p.Run(func() { close(done) }))
	<-done

	// Give the worker time to re-park itself.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.idle) == 1
	}, time.Second, time.Millisecond)

	done2 := make(chan struct{})
	require.NoError(t, p.Run(func() { close(done2) }))
	<-done2
}

func TestRunRejectsAfterShutdown(t *testing.T) {
	p := New(2)
	p.Shutdown()
	err := p.Run(func() {})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestMaxIdleBoundsParkedWorkers(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Run(func() { wg.Done() }))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.idle) <= 1
	}, time.Second, time.Millisecond)
}

func TestShutdownThenWaitReturns(t *testing.T) {
	p := New(4)
	done := make(chan struct{})
	require.NoError(t, p.Run(func() { close(done) }))
	<-done
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.idle) == 1
	}, time.Second, time.Millisecond)

	p.Shutdown()
	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}
}
