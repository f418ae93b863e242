package dispatcher

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mohae/deepcopy"

	"pixi.goldmine.build/go/sklog"
)

// slotState is the state machine of a dedup slot (§4.2): Pending -> Result,
// or Pending -> Errored. The transition happens exactly once.
type slotState int

const (
	slotPending slotState = iota
	slotDone
)

// dedupSlot is the in-memory bookkeeping for one dedupable task key while
// it is pending. On completion the slot is removed and its result is kept
// in the bounded LRU, so later identical submissions can clone the cached
// result out immediately (§4.2, §8 invariant 3) instead of re-running the
// task.
type dedupSlot struct {
	family   Family
	key      string
	state    slotState
	waiters  map[uint64]chan rawResult
	value    interface{}
	err      error
	cancel   context.CancelFunc
	ctx      *TaskContext
}

// fixedSlot is the bookkeeping for a non-dedupable (fixed-family) task, one
// submitted with an empty dedup key, such as a backend instantiation. There is
// always exactly one waiter; the record is removed the moment its result is
// delivered (§3 lifecycle rules).
type fixedSlot struct {
	waiterID uint64
	reply    chan rawResult
	cancel   context.CancelFunc
	ctx      *TaskContext
}

// doneMsg is sent back to the orchestrator goroutine by a task-runner
// goroutine when run() returns.
type doneMsg struct {
	dedupKey string // "" for fixed-family
	family   Family
	slotID   uint64 // fixed-family task id; unused for dedup
	value    interface{}
	err      error
}

type dedupKey struct {
	family Family
	key    string
}

// processor owns every mutable structure the orchestrator touches. Only the
// goroutine running run() ever reads or writes these fields; every other
// goroutine communicates through reqCh, cancelCh or doneCh (§4.1 design
// notes: "Shared mutable state... confine to the orchestrator thread").
type processor struct {
	data *Data

	reqCh     chan request
	cancelCh  chan cancelMsg
	doneCh    chan doneMsg
	controlCh chan controlMsg
	stopCh    chan struct{}
	stopped   chan struct{}

	dedupSlots map[dedupKey]*dedupSlot
	resultLRU  *lru.Cache // dedupKey -> rawResult, bounds memory for completed entries
	fixedSlots map[uint64]*fixedSlot
	nextSlotID uint64

	reporter Reporter
}

func newProcessor(data *Data, reporter Reporter) *processor {
	cache, _ := lru.New(4096)
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &processor{
		data:       data,
		reqCh:      make(chan request, 64),
		cancelCh:   make(chan cancelMsg, 64),
		doneCh:     make(chan doneMsg, 64),
		controlCh:  make(chan controlMsg, 8),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		dedupSlots: make(map[dedupKey]*dedupSlot),
		resultLRU:  cache,
		fixedSlots: make(map[uint64]*fixedSlot),
	}
}

// run is the dispatcher loop of §4.1: a select between receiving a new
// request, a waiter cancellation, and a task completion. It exits once
// stopCh is closed and no tasks remain in flight.
func (p *processor) run() {
	defer close(p.stopped)
	stopCh := p.stopCh
	for {
		// Once stopping has been requested and no task remains in flight,
		// exit rather than block forever on a select with nothing left to
		// wake it (§4.1 step 5).
		if stopCh == nil && len(p.dedupSlots) == 0 && len(p.fixedSlots) == 0 {
			return
		}
		select {
		case req := <-p.reqCh:
			p.handleRequest(req)
		case c := <-p.cancelCh:
			p.handleCancel(c)
		case d := <-p.doneCh:
			p.handleDone(d)
		case c := <-p.controlCh:
			p.handleControl(c)
		case <-stopCh:
			// nil the channel so a closed stopCh doesn't win every select
			// forever while tasks are still finishing.
			stopCh = nil
		}
	}
}

func (p *processor) handleControl(c controlMsg) {
	if c.setReporter != nil {
		p.reporter = c.setReporter
	}
	close(c.ack)
}

func (p *processor) handleRequest(req request) {
	child := &CommandDispatcher{
		data:     p.data,
		reqCh:    p.reqCh,
		cancelCh: p.cancelCh,
		closed:   p.stopped,
	}

	if req.dedupKey == "" {
		p.handleFixedRequest(req, child)
		return
	}
	p.handleDedupRequest(req, child)
}

func (p *processor) handleFixedRequest(req request, child *CommandDispatcher) {
	id := p.nextSlotID
	p.nextSlotID++
	taskCtx := req.parent.child(req.family, req.dedupKey)
	child.ctx = taskCtx
	runCtx, cancel := context.WithCancel(context.Background())
	p.fixedSlots[id] = &fixedSlot{waiterID: req.waiterID, reply: req.replyRaw, cancel: cancel, ctx: taskCtx}
	p.reporter.OnTaskQueued(taskCtx)
	tasksActive.WithLabelValues(req.family.String()).Inc()

	go func() {
		value, err := req.run(runCtx, child)
		p.doneCh <- doneMsg{family: req.family, slotID: id, value: value, err: err}
	}()
}

func (p *processor) handleDedupRequest(req request, child *CommandDispatcher) {
	dk := dedupKey{family: req.family, key: req.dedupKey}

	if cached, ok := p.resultLRU.Get(dk); ok {
		raw := cached.(rawResult)
		cacheHitsTotal.WithLabelValues(req.family.String()).Inc()
		req.replyRaw <- rawResult{value: deepcopy.Copy(raw.value), err: raw.err}
		return
	}

	if slot, ok := p.dedupSlots[dk]; ok {
		slot.waiters[req.waiterID] = req.replyRaw
		return
	}

	taskCtx := req.parent.child(req.family, req.dedupKey)
	child.ctx = taskCtx
	runCtx, cancel := context.WithCancel(context.Background())
	slot := &dedupSlot{
		family:  req.family,
		key:     req.dedupKey,
		state:   slotPending,
		waiters: map[uint64]chan rawResult{req.waiterID: req.replyRaw},
		cancel:  cancel,
		ctx:     taskCtx,
	}
	p.dedupSlots[dk] = slot
	p.reporter.OnTaskQueued(taskCtx)
	tasksActive.WithLabelValues(req.family.String()).Inc()

	go func() {
		value, err := req.run(runCtx, child)
		p.doneCh <- doneMsg{dedupKey: req.dedupKey, family: req.family, value: value, err: err}
	}()
}

func (p *processor) handleCancel(c cancelMsg) {
	if c.dedupKey == "" {
		// Fixed-family: at most one waiter, so cancellation means the task
		// itself should observe ctx.Done() at its next await point. The
		// slot record is left in place; handleDone cleans it up normally.
		for id, slot := range p.fixedSlots {
			if slot.waiterID == c.waiterID {
				slot.cancel()
				_ = id
				return
			}
		}
		return
	}

	dk := dedupKey{family: c.family, key: c.dedupKey}
	slot, ok := p.dedupSlots[dk]
	if !ok {
		return
	}
	delete(slot.waiters, c.waiterID)
	if len(slot.waiters) == 0 && slot.state == slotPending {
		slot.cancel()
	}
}

func (p *processor) handleDone(d doneMsg) {
	if d.dedupKey == "" {
		slot, ok := p.fixedSlots[d.slotID]
		if !ok {
			return
		}
		delete(p.fixedSlots, d.slotID)
		tasksActive.WithLabelValues(d.family.String()).Dec()
		p.reporter.OnTaskFinished(slot.ctx, d.err)
		select {
		case slot.reply <- rawResult{value: d.value, err: d.err}:
		default:
		}
		return
	}

	dk := dedupKey{family: d.family, key: d.dedupKey}
	slot, ok := p.dedupSlots[dk]
	if !ok {
		return
	}
	delete(p.dedupSlots, dk)
	tasksActive.WithLabelValues(d.family.String()).Dec()

	p.reporter.OnTaskFinished(slot.ctx, d.err)

	if d.err == ErrCancelled && len(slot.waiters) == 0 {
		// Every interested party left before completion: don't poison the
		// shared result cache with a cancellation that says nothing about
		// whether the task would have succeeded (§4.2 failure semantics).
		sklog.Debugf("dispatcher: dedup %s %q abandoned before completion", d.family, d.dedupKey)
		return
	}

	raw := rawResult{value: d.value, err: d.err}
	p.resultLRU.Add(dk, raw)

	first := true
	for _, reply := range slot.waiters {
		if first && d.err != nil {
			reply <- raw
			first = false
			continue
		}
		if !first && d.err != nil {
			// Only the first waiter receives the original error value; the
			// rest observe cancellation (§4.2 failure semantics).
			reply <- rawResult{err: ErrCancelled}
			continue
		}
		// Each waiter gets its own deep copy so two callers of a deduped
		// task never alias the same slice/map backing raw.value (§4.2).
		reply <- rawResult{value: deepcopy.Copy(raw.value), err: raw.err}
	}
}
