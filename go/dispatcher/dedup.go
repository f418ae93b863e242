package dispatcher

import (
	"context"
	"sync/atomic"
)

// Result is what a submitted task eventually resolves to. Err is either nil,
// ErrCancelled (propagate silently, never shown to a user), or a *Failed
// wrapping one of the ErrorKind values.
type Result[T any] struct {
	Value T
	Err   error
}

// rawResult is the type-erased form Result[T] takes while it travels through
// the orchestrator, which cannot be generic over every caller's T at once.
type rawResult struct {
	value interface{}
	err   error
}

var waiterSeq uint64

func nextWaiterID() uint64 { return atomic.AddUint64(&waiterSeq, 1) }

// request is what Submit sends to the orchestrator goroutine. run is
// executed on its own goroutine (never on the orchestrator goroutine itself,
// per §5: "the orchestrator thread never performs blocking I/O itself").
type request struct {
	family   Family
	dedupKey string // "" marks a fixed-family (never deduplicated) task
	parent   *TaskContext
	waiterID uint64
	run      func(ctx context.Context, child *CommandDispatcher) (interface{}, error)
	replyRaw chan rawResult
}

// cancelMsg tells the orchestrator that the waiter identified by waiterID no
// longer cares about the result of the task it attached to. For a
// fixed-family task this means the task's run context is cancelled outright
// (there was only ever one waiter); for a dedup slot it is removed from the
// waiter set, and the slot's shared run is only cancelled once every waiter
// has gone (§5, invariant 6).
type cancelMsg struct {
	family   Family
	dedupKey string
	waiterID uint64
}

// Submit is the generic entry point every task-family package builds its
// typed Submit{Family} wrapper on top of. It performs the synchronous cycle
// check of §4.2 before ever talking to the orchestrator, then asks the
// orchestrator to either attach to a pending/cached dedup slot or start a
// fresh task.
//
// dedupKey == "" marks the task as fixed-family: never deduplicated, always
// re-run, and skipped by the key-based cycle check (it has no key to match),
// but still recorded in the context graph as the parent of its own
// sub-submissions.
func Submit[T any](ctx context.Context, d *CommandDispatcher, family Family, dedupKey string, run func(ctx context.Context, child *CommandDispatcher) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)

	if dedupKey != "" && d.ctx.ContainsKey(family, dedupKey) {
		out <- Result[T]{Err: NewFailed(KindCycle, ErrCycle)}
		return out
	}

	waiterID := nextWaiterID()
	replyRaw := make(chan rawResult, 1)
	req := request{
		family:   family,
		dedupKey: dedupKey,
		parent:   d.ctx,
		waiterID: waiterID,
		replyRaw: replyRaw,
		run: func(ctx context.Context, child *CommandDispatcher) (interface{}, error) {
			return run(ctx, child)
		},
	}

	select {
	case d.reqCh <- req:
	case <-d.closed:
		out <- Result[T]{Err: ErrCancelled}
		return out
	}

	go func() {
		select {
		case raw := <-replyRaw:
			var value T
			if raw.value != nil {
				value, _ = raw.value.(T)
			}
			out <- Result[T]{Value: value, Err: raw.err}
		case <-ctx.Done():
			out <- Result[T]{Err: ErrCancelled}
			select {
			case d.cancelCh <- cancelMsg{family: family, dedupKey: dedupKey, waiterID: waiterID}:
			case <-d.closed:
			}
		}
	}()

	return out
}
