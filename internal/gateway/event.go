package gateway

import (
	"time"
	"unicode/utf8"
)

// maxErrorLen caps the error text carried on an Event so observers never
// receive multi-kilobyte driver dumps.
const maxErrorLen = 200

// Event describes one completed gateway operation. It is the system's only
// telemetry source, so adapters emit exactly one Event per operation,
// success or failure.
type Event struct {
	Op       string        // "exec", "query_all", "query_one", "transaction_commit", ...
	Backend  Backend
	Duration time.Duration
	Success  bool

	// Success payload: one of the two depending on the operation.
	RowCount int64 // statements
	Rows     int   // queries

	// Failure payload.
	ErrorClass   string // dberr.Kind string
	ErrorMessage string // capped at maxErrorLen

	// Skipped notes an operation that intentionally did no work, such as
	// the health probe for pre-authenticated federated connections.
	Skipped string
}

// Observer receives Events. Implementations must be fast; the adapter calls
// them synchronously on the operation goroutine.
type Observer func(Event)

// Emitter carries the shared observer plumbing embedded by both adapters.
// The zero value is ready to use.
type Emitter struct {
	observer Observer
}

// SetObserver installs or replaces the observer. Passing nil removes it.
func (e *Emitter) SetObserver(fn Observer) {
	e.observer = fn
}

// Emit delivers ev to the observer, if any. A panicking observer is absorbed
// so it can never break the data path.
func (e *Emitter) Emit(ev Event) {
	fn := e.observer
	if fn == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	fn(ev)
}

// Success builds a success Event for a statement or query.
func Success(op string, backend Backend, start time.Time) Event {
	return Event{Op: op, Backend: backend, Duration: time.Since(start), Success: true}
}

// Failure builds a failure Event from a classified error.
func Failure(op string, backend Backend, start time.Time, class string, msg string) Event {
	if len(msg) > maxErrorLen {
		cut := maxErrorLen
		// Back off to a rune boundary so truncation never emits invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return Event{
		Op:           op,
		Backend:      backend,
		Duration:     time.Since(start),
		Success:      false,
		ErrorClass:   class,
		ErrorMessage: msg,
	}
}
