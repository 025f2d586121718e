package bridge

import (
	"fmt"
	"sync"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/logger"
)

// DefaultWorkers is the pool size used when the config does not set one.
const DefaultWorkers = 4

// Runner executes blocking work functions on a fixed worker pool and
// delivers each result back to the UI loop exactly once, in completion
// order. Work that has started cannot be cancelled; callers that stop
// caring must make their callbacks tolerate late delivery.
type Runner struct {
	loop *Loop
	log  *logger.Logger
	work chan task

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	wg      sync.WaitGroup
}

type task struct {
	fn       func() (any, error)
	onResult func(any)
	onError  func(error)
}

// NewRunner starts workers goroutines servicing the queue. A non-positive
// workers falls back to DefaultWorkers.
func NewRunner(loop *Loop, log *logger.Logger, workers int) *Runner {
	if log == nil {
		log = logger.Global()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &Runner{
		loop: loop,
		log:  log,
		work: make(chan task),
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Run queues fn for execution on the pool. When fn returns, exactly one of
// onResult or onError is dispatched onto the UI loop. A nil callback is
// treated as a no-op but still consumes the delivery, so the other callback
// will not fire in its place. Run after Shutdown reports an error to
// onError immediately.
func (r *Runner) Run(fn func() (any, error), onResult func(any), onError func(error)) {
	t := task{fn: fn, onResult: onResult, onError: onError}

	// The pending count is raised under the same lock that checks closed,
	// so Shutdown can wait out every submission that got past the check
	// before it closes the channel. Senders blocked on a busy pool finish
	// their handoff; they never race the close.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.deliverError(t, dberr.New(dberr.KindOperational, "worker pool is shut down"))
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	r.work <- t
	r.pending.Done()
}

// Shutdown stops accepting work, waits for blocked submissions to hand
// off, and then waits for in-flight work to finish. Results of in-flight
// work are still delivered to the loop.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pending.Wait()
	close(r.work)
	r.wg.Wait()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.work {
		r.execute(t)
	}
}

// execute runs one task and dispatches its single callback. A panic inside
// the work function is converted to an error and delivered through onError
// so the worker survives.
func (r *Runner) execute(t task) {
	res, err := r.protect(t.fn)
	if err != nil {
		r.deliverError(t, err)
		return
	}
	r.loop.Dispatch(func() {
		if t.onResult != nil {
			t.onResult(res)
		}
	})
}

func (r *Runner) protect(fn func() (any, error)) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("panic in background work: %v", p)
			err = dberr.New(dberr.KindProgramming, fmt.Sprintf("panic in background work: %v", p))
		}
	}()
	return fn()
}

func (r *Runner) deliverError(t task, err error) {
	r.loop.Dispatch(func() {
		if t.onError != nil {
			t.onError(err)
		}
	})
}
