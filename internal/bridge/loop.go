// Package bridge runs blocking gateway and validator work on a small worker
// pool and marshals results back onto the single UI-loop goroutine.
package bridge

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/quarryhq/quarry/internal/logger"
)

// Loop is the single-goroutine cooperative event loop the UI layer drives.
// Callbacks dispatched onto it run one at a time, in queue order, never
// reentrantly.
type Loop struct {
	log *logger.Logger
	gid atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	started bool
	closed  bool
	done    chan struct{}
}

// NewLoop creates a stopped loop. Call Run from the goroutine that owns the
// UI before dispatching to it.
func NewLoop(log *logger.Logger) *Loop {
	if log == nil {
		log = logger.Global()
	}
	l := &Loop{
		log:  log,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run drains dispatched callbacks until Stop is called. It records the
// calling goroutine as the loop goroutine for affinity checks.
func (l *Loop) Run() {
	l.gid.Store(goroutineID())
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.safeCall(fn)
	}
}

// Dispatch queues fn to run on the loop goroutine. It never runs fn
// directly, even when called from the loop itself, so callbacks cannot
// interleave. Dispatch after Stop is a silent no-op. The queue is
// unbounded: dispatching never blocks.
func (l *Loop) Dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Stop ends the loop after all queued callbacks have run and waits for Run
// to return. Stopping a loop whose Run never started just marks it closed.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	started := l.started
	l.cond.Signal()
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
// Used as a named precondition check by interactive authentication.
func (l *Loop) OnLoop() bool {
	return l.gid.Load() != 0 && goroutineID() == l.gid.Load()
}

// safeCall absorbs a panicking callback so it cannot crash the process;
// the failure is logged as a best-effort user-visible notice.
func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("panic in UI callback: %v", r)
		}
	}()
	fn()
}

// goroutineID extracts the numeric id from the runtime stack header. There
// is no portable compile-time way to pin code to a goroutine; this powers
// the explicit runtime assertion instead.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
