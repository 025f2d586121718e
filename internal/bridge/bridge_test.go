package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/dberr"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(nil)
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func TestLoopRunsCallbacksInOrder(t *testing.T) {
	l := startLoop(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		l.Dispatch(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopDispatchIsNeverReentrant(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	var firstFinished bool
	l.Dispatch(func() {
		l.Dispatch(func() {
			assert.True(t, firstFinished, "nested dispatch must wait for the current callback")
			close(done)
		})
		firstFinished = true
	})
	<-done
}

func TestLoopOnLoopAffinity(t *testing.T) {
	l := startLoop(t)

	result := make(chan bool, 1)
	l.Dispatch(func() { result <- l.OnLoop() })
	assert.True(t, <-result, "callbacks run on the loop goroutine")
	assert.False(t, l.OnLoop(), "the test goroutine is not the loop")
}

func TestLoopSurvivesCallbackPanic(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	l.Dispatch(func() { panic("callback bug") })
	l.Dispatch(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after a panicking callback")
	}
}

func TestLoopStopDrainsQueue(t *testing.T) {
	l := NewLoop(nil)
	go l.Run()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 5; i++ {
		l.Dispatch(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count)

	// Dispatch after Stop is a silent no-op.
	assert.NotPanics(t, func() { l.Dispatch(func() {}) })
}

func TestRunnerDeliversExactlyOneCallback(t *testing.T) {
	l := startLoop(t)
	r := NewRunner(l, nil, 4)
	defer r.Shutdown()

	const n = 10
	var mu sync.Mutex
	results := map[int]int{}
	failures := 0
	done := make(chan struct{})
	delivered := 0

	finish := func() {
		delivered++
		if delivered == n {
			close(done)
		}
	}

	for i := 0; i < n; i++ {
		i := i
		r.Run(
			func() (any, error) {
				if i == 3 {
					return nil, errors.New("work 3 fails")
				}
				return i * 2, nil
			},
			func(res any) {
				mu.Lock()
				results[i] = res.(int)
				mu.Unlock()
				finish()
			},
			func(err error) {
				mu.Lock()
				failures++
				mu.Unlock()
				assert.Equal(t, 3, i)
				finish()
			},
		)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all callbacks delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, failures)
	assert.Len(t, results, n-1)
	assert.Equal(t, 8, results[4])
}

func TestRunnerWorkPanicBecomesError(t *testing.T) {
	l := startLoop(t)
	r := NewRunner(l, nil, 1)
	defer r.Shutdown()

	errCh := make(chan error, 1)
	r.Run(
		func() (any, error) { panic("work bug") },
		func(any) { t.Error("onResult must not fire") },
		func(err error) { errCh <- err },
	)

	select {
	case err := <-errCh:
		assert.True(t, dberr.IsProgramming(err))
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
}

func TestRunnerCallbacksRunOnLoop(t *testing.T) {
	l := startLoop(t)
	r := NewRunner(l, nil, 2)
	defer r.Shutdown()

	onLoop := make(chan bool, 1)
	r.Run(
		func() (any, error) { return nil, nil },
		func(any) { onLoop <- l.OnLoop() },
		func(error) { t.Error("unexpected error") },
	)
	assert.True(t, <-onLoop)
}

func TestRunnerShutdownWithBlockedSubmission(t *testing.T) {
	l := startLoop(t)
	r := NewRunner(l, nil, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	delivered := make(chan struct{}, 2)

	r.Run(
		func() (any, error) {
			close(started)
			<-release
			return nil, nil
		},
		func(any) { delivered <- struct{}{} },
		func(error) { t.Error("unexpected error") },
	)
	<-started

	// The only worker is busy, so this submission blocks handing off.
	go r.Run(
		func() (any, error) { return nil, nil },
		func(any) { delivered <- struct{}{} },
		func(error) { t.Error("unexpected error") },
	)
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Shutdown()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("a blocked submission was lost during shutdown")
		}
	}
}

func TestLoopStopWithoutRun(t *testing.T) {
	l := NewLoop(nil)

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must not block when Run never started")
	}
	assert.NotPanics(t, func() { l.Dispatch(func() {}) })
}

func TestRunnerAfterShutdownReportsError(t *testing.T) {
	l := startLoop(t)
	r := NewRunner(l, nil, 1)
	r.Shutdown()

	errCh := make(chan error, 1)
	r.Run(
		func() (any, error) { return 1, nil },
		func(any) { t.Error("must not run") },
		func(err error) { errCh <- err },
	)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection delivered")
	}
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	assert.NotZero(t, id)

	other := make(chan uint64, 1)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)
}
