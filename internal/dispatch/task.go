package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/region"
	"github.com/behrlich/orbit/internal/update"
)

// Result is what a Future eventually resolves to: a retval, any update
// buffer the entry function populated, and an error (including
// cancellation, encoded as ErrCancelled).
type Result struct {
	Retval []byte
	Update *update.Buffer
	Err    error
}

// ErrCancelled is returned by a Future whose task was cancelled while still
// queued; a task already popped for dispatch cannot be cancelled.
var ErrCancelled = fmt.Errorf("dispatch: task cancelled")

// ErrGone is returned by a Future whose orbit died or was destroyed before
// the task finished: still-queued tasks, the task whose entry function
// crashed, and tasks pushed after the queue closed.
var ErrGone = fmt.Errorf("dispatch: orbit gone")

// ErrArgTooLarge is returned by Push when arg exceeds constants.ArgSizeMax.
var ErrArgTooLarge = fmt.Errorf("dispatch: arg exceeds ARG_SIZE_MAX")

// ErrIncompatibleFlags is returned by Push when flags set both a SKIP_*
// and a CANCEL_* bit, which the task queue's dedup semantics can't honor
// at once (skip-if-pending and cancel-if-pending contradict each other).
var ErrIncompatibleFlags = fmt.Errorf("dispatch: SKIP_* and CANCEL_* flags are mutually exclusive")

// Future is the host's handle to one dispatched task's eventual result.
type Future struct {
	id   int64
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	result Result
}

func newFuture(id int64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the task ID this Future tracks.
func (f *Future) ID() int64 { return f.id }

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result = r
		f.mu.Unlock()
		close(f.done)
	})
}

// Pull blocks until the task resolves or ctx is cancelled, then returns its
// Result.
func (f *Future) Pull(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// TryPull returns the Result immediately if resolved, else ok=false.
func (f *Future) TryPull() (Result, bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, true
	default:
		return Result{}, false
	}
}

// taskState tracks a Task's lifecycle independent of q.pending membership,
// so Cancel can still tell InProgress/AlreadyDone apart once a task has
// left the pending slice.
type taskState int32

const (
	taskQueued taskState = iota
	taskDispatched
	taskDone
)

// CancelResult is the typed outcome of TaskQueue.Cancel, replacing a bare
// bool so a caller can tell an id that was never seen apart from one that
// raced past cancellation, and so double-cancelling the same id is
// observably idempotent (CancelAlreadyDone on the second call) rather than
// silently repeating CancelRemoved.
type CancelResult int

const (
	// CancelRemoved means the task was still queued and cancellable, and
	// has been removed; it resolves with ErrCancelled.
	CancelRemoved CancelResult = iota
	// CancelInProgress means dispatch already popped the task before the
	// cancel request arrived; it will run to completion regardless.
	CancelInProgress
	// CancelAlreadyDone means the task had already resolved (normally,
	// cancelled, or via orbit teardown) before the cancel request arrived.
	CancelAlreadyDone
	// CancelNotFound means no task with that id was ever pushed to this
	// queue.
	CancelNotFound
	// CancelNotCancellable means the task is still queued but was pushed
	// without FlagCancellable, so it cannot be removed.
	CancelNotCancellable
)

func (r CancelResult) String() string {
	switch r {
	case CancelRemoved:
		return "Removed"
	case CancelInProgress:
		return "InProgress"
	case CancelAlreadyDone:
		return "AlreadyDone"
	case CancelNotFound:
		return "NotFound"
	case CancelNotCancellable:
		return "NotCancellable"
	default:
		return fmt.Sprintf("CancelResult(%d)", int(r))
	}
}

// Task is one unit of dispatch work: a request to run an entry function
// against arg, honoring flags for dedup/cancellation. areas/override, if
// set, replace the owning orbit's default Areas/entry for this task alone.
type Task struct {
	id       int64
	arg      []byte
	flags    Flag
	areas    []*region.Area
	override EntryFunc
	future   *Future
	state    atomic.Int32
}

func (t *Task) ID() int64             { return t.id }
func (t *Task) Arg() []byte           { return t.arg }
func (t *Task) Areas() []*region.Area { return t.areas }
func (t *Task) Override() EntryFunc   { return t.override }

// resolve marks the task done and resolves its Future. All terminal
// outcomes (normal completion, cancellation, orbit death) go through this
// so taskState and the Future agree about whether the task is finished.
func (t *Task) resolve(r Result) {
	t.state.Store(int32(taskDone))
	t.future.resolve(r)
}

// TaskQueue is a per-orbit FIFO of pending tasks, with dedup/cancel
// semantics applied at enqueue time per spec.md's task-queue flags.
type TaskQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Task
	nextID  atomic.Int64
	closed  bool

	// all indexes every task ever pushed by id, independent of q.pending
	// membership, so Cancel can distinguish an unknown id from one that
	// has already been dispatched or has already finished.
	all map[int64]*Task
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues arg with flags against areas/override (either may be nil,
// falling back to the owning orbit's defaults at dispatch time), applying
// any Skip*/Cancel* dedup semantics against tasks already pending. Returns
// the Future for the enqueued task, or (nil, false, nil) if
// FlagSkipSameArg/FlagSkipAny caused the call to be silently dropped, or
// (nil, false, err) if arg exceeds ARG_SIZE_MAX or flags mix a SKIP_* and
// a CANCEL_* bit.
func (q *TaskQueue) Push(areas []*region.Area, arg []byte, flags Flag, override EntryFunc) (*Future, bool, error) {
	if len(arg) > constants.ArgSizeMax {
		return nil, false, ErrArgTooLarge
	}
	skip := flags.has(FlagSkipSameArg) || flags.has(FlagSkipAny)
	cancelFlag := flags.has(FlagCancelSameArg) || flags.has(FlagCancelAny)
	if skip && cancelFlag {
		return nil, false, ErrIncompatibleFlags
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		f := newFuture(-1)
		f.resolve(Result{Err: ErrGone})
		return f, true, nil
	}

	if flags.has(FlagSkipAny) && len(q.pending) > 0 {
		return nil, false, nil
	}
	if flags.has(FlagSkipSameArg) {
		for _, t := range q.pending {
			if bytes.Equal(t.arg, arg) {
				return nil, false, nil
			}
		}
	}
	if flags.has(FlagCancelAny) {
		q.cancelAllLocked()
	}
	if flags.has(FlagCancelSameArg) {
		q.cancelMatchingLocked(arg)
	}

	id := q.nextID.Add(1)
	t := &Task{id: id, arg: arg, flags: flags, areas: areas, override: override, future: newFuture(id)}
	q.pending = append(q.pending, t)
	if q.all == nil {
		q.all = make(map[int64]*Task)
	}
	q.all[id] = t
	q.cond.Signal()
	return t.future, true, nil
}

// cancelPendingLocked resolves and removes every pending task matched by
// match, in place. Shared by cancelAllLocked/cancelMatchingLocked/
// CancelByArg, which differ only in which tasks match.
func (q *TaskQueue) cancelPendingLocked(match func(*Task) bool) int {
	n := 0
	kept := q.pending[:0]
	for _, t := range q.pending {
		if t.flags.has(FlagCancellable) && match(t) {
			t.resolve(Result{Err: ErrCancelled})
			n++
		} else {
			kept = append(kept, t)
		}
	}
	q.pending = kept
	return n
}

func (q *TaskQueue) cancelAllLocked() {
	q.cancelPendingLocked(func(*Task) bool { return true })
}

func (q *TaskQueue) cancelMatchingLocked(arg []byte) {
	q.cancelPendingLocked(func(t *Task) bool { return bytes.Equal(t.arg, arg) })
}

// Cancel cancels the task with the given ID, reporting why it could or
// couldn't be removed: CancelRemoved if it was queued and cancellable,
// CancelInProgress if dispatch already popped it, CancelAlreadyDone if it
// already resolved, CancelNotCancellable if it's queued but lacks
// FlagCancellable, or CancelNotFound if no such id was ever pushed.
func (q *TaskQueue) Cancel(id int64) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.all[id]
	if !ok {
		return CancelNotFound
	}
	switch taskState(t.state.Load()) {
	case taskDone:
		return CancelAlreadyDone
	case taskDispatched:
		return CancelInProgress
	}
	if !t.flags.has(FlagCancellable) {
		return CancelNotCancellable
	}

	for i, pt := range q.pending {
		if pt.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	t.resolve(Result{Err: ErrCancelled})
	return CancelRemoved
}

// CancelByArg cancels every pending, cancellable task whose arg matches.
// Returns the number cancelled.
func (q *TaskQueue) CancelByArg(arg []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelPendingLocked(func(t *Task) bool { return bytes.Equal(t.arg, arg) })
}

// Depth returns the number of tasks currently pending.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// awaitTask blocks until a non-cancelled task is available, the queue is
// closed, or ctx is done, then pops and returns it.
func (q *TaskQueue) awaitTask(ctx context.Context) (*Task, bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			t.state.Store(int32(taskDispatched))
			return t, true
		}
		if q.closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
		q.cond.Wait()
	}
}

// Close marks the queue closed and wakes any waiter; all still-pending
// tasks resolve with ErrGone.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, t := range q.pending {
		t.resolve(Result{Err: ErrGone})
	}
	q.pending = nil
	q.cond.Broadcast()
}
