// Package dispatcher implements the command dispatcher's orchestrator loop:
// a single goroutine that owns all in-flight task bookkeeping, a generic
// Submit primitive that deduplicates and cycle-checks task-family
// submissions, and the CommandDispatcher handle every collaborator package
// (go/gitfetch, go/sourcemetadata, go/solve, go/install, go/sourcebuild, ...)
// builds its typed submit calls on top of.
//
// Go has no single-threaded async runtime and no Drop; this package adapts
// the design to those constraints rather than imitating them literally (see
// DESIGN.md): "the orchestrator thread polling futures" becomes "the
// orchestrator goroutine owning all mutable state while each task body runs
// on its own goroutine," and "shutdown on last handle drop" becomes an
// explicit refcounted Close.
package dispatcher

import (
	"sync/atomic"
)

// CommandDispatcher is a handle to a running orchestrator. Handles derived
// from one another via WithContext share the same reqCh/cancelCh into the
// single orchestrator goroutine and the same refcount, so Close on any one
// of them contributes to the same shutdown decision.
type CommandDispatcher struct {
	data     *Data
	reqCh    chan request
	cancelCh chan cancelMsg
	closed   <-chan struct{}
	ctx      *TaskContext // nil at the top level

	refcount *int64
	procStop chan struct{}
	control  chan controlMsg
}

type controlMsg struct {
	setReporter Reporter
	ack         chan struct{}
}

// New starts the orchestrator on a dedicated goroutine and returns the
// top-level handle. The orchestrator runs until every handle derived from
// it has called Close and the refcount reaches zero -- the closest Go
// analogue of "runs as long as at least one CommandDispatcher handle
// exists."
func New(cfg Config) *CommandDispatcher {
	data := newData(cfg)
	p := newProcessor(data, cfg.Reporter)
	go p.run()

	refcount := new(int64)
	atomic.StoreInt64(refcount, 1)

	return &CommandDispatcher{
		data:     data,
		reqCh:    p.reqCh,
		cancelCh: p.cancelCh,
		closed:   p.stopped,
		refcount: refcount,
		procStop: p.stopCh,
		control:  p.controlCh,
	}
}

// Data returns the process-wide configuration (§3 DispatcherData).
func (d *CommandDispatcher) Data() *Data { return d.data }

// Context returns the TaskContext this handle is tagged with, or nil at the
// top level.
func (d *CommandDispatcher) Context() *TaskContext { return d.ctx }

// WithContext returns a handle tagged with a child TaskContext, as the
// orchestrator does internally when spawning a sub-task's own dispatcher
// handle (§4.1 step 3). Exposed so task-family packages can build composite
// submissions without depending on orchestrator internals.
func (d *CommandDispatcher) WithContext(family Family, key string) *CommandDispatcher {
	return &CommandDispatcher{
		data:     d.data,
		reqCh:    d.reqCh,
		cancelCh: d.cancelCh,
		closed:   d.closed,
		ctx:      d.ctx.child(family, key),
		refcount: d.refcount,
		procStop: d.procStop,
		control:  d.control,
	}
}

// Clone returns a new strong handle sharing this dispatcher's refcount,
// analogous to cloning an Arc<CommandDispatcher> in the original design.
func (d *CommandDispatcher) Clone() *CommandDispatcher {
	atomic.AddInt64(d.refcount, 1)
	cp := *d
	return &cp
}

// Close drops this handle. Once every handle derived from the same New call
// has been closed, the orchestrator goroutine is signalled to shut down as
// soon as no tasks remain in flight (§4.1 step 5).
func (d *CommandDispatcher) Close() {
	if atomic.AddInt64(d.refcount, -1) == 0 {
		close(d.procStop)
	}
}

// ClearReporter drains any progress-reporter state, mirroring spec.md's
// clear_reporter() -> future<()>. It replaces the active Reporter with a
// NoopReporter and blocks until the orchestrator has acknowledged the swap.
func (d *CommandDispatcher) ClearReporter() {
	ack := make(chan struct{})
	select {
	case d.control <- controlMsg{setReporter: NoopReporter{}, ack: ack}:
		<-ack
	case <-d.closed:
	}
}
