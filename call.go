package orbit

import (
	"context"
	"time"

	"github.com/behrlich/orbit/internal/dispatch"
	"github.com/behrlich/orbit/internal/region"
	"github.com/behrlich/orbit/internal/update"
)

// Flag controls how a dispatched call is deduplicated or cancelled
// against work already sitting in the orbit's task queue.
type Flag = dispatch.Flag

const (
	FlagNone          = dispatch.FlagNone
	FlagNoRetval      = dispatch.FlagNoRetval
	FlagCancellable   = dispatch.FlagCancellable
	FlagSkipSameArg   = dispatch.FlagSkipSameArg
	FlagSkipAny       = dispatch.FlagSkipAny
	FlagCancelSameArg = dispatch.FlagCancelSameArg
	FlagCancelAny     = dispatch.FlagCancelAny
)

// ErrCancelled is returned by a Future whose task was cancelled while still
// queued; a task already popped for dispatch cannot be cancelled.
var ErrCancelled = dispatch.ErrCancelled

// ErrGone is returned by a Future whose orbit died or was destroyed before
// the task finished.
var ErrGone = dispatch.ErrGone

// Result is one dispatched call's eventual outcome: a retval and the update
// log the host consumes via Apply/Skip (spec.md §4.D/§4.F). When the entry
// function returns, Update is non-nil and empty if the checker pushed
// nothing; it is nil for FlagNoRetval calls and for calls that ended before
// or during the entry function (cancellation, snapshot failure, a crash).
type Result struct {
	Retval []byte
	Update UpdateLog
	Err    error
}

// UpdateSink is the narrow interface an entry function pushes update
// records into, via CallContext.Update.
type UpdateSink = dispatch.UpdateSink

// Applier supplies the callbacks UpdateLog.Apply invokes for TagModify and
// TagOperation records; a nil field counts as declining that record (it
// is skipped, not an error). TagAny records are never routed through an
// Applier: UpdateLog.Current/ApplyOne let the host fetch and drive one
// directly.
type Applier = update.Applier

// UpdateLog is the host's read-side handle to one call's emitted update
// records: the ordered Modify/Operation/Any records a checker pushed,
// consumed once via Apply (side-effecting) or Skip (side-effect-free),
// per spec.md §4.D.
type UpdateLog = *update.Buffer

// OperationRegistry maps an OperationID to the host-side func([]byte)
// error it names, so a TagOperation record can carry a small integer
// across the host/orbit boundary instead of a raw function pointer.
type OperationRegistry = update.Operations

// NewOperationRegistry creates an empty OperationRegistry. Handlers are
// registered once at startup with Register and invoked by Apply through
// the Applier returned by ApplierFor.
func NewOperationRegistry() *OperationRegistry {
	return update.NewOperations()
}

// ApplierFor builds an Applier whose Operation callback resolves through
// reg, so host code registers handlers once via reg.Register instead of
// writing a per-call switch over operation IDs.
func ApplierFor(reg *OperationRegistry, modify func(hostPtr uintptr, data []byte) error) *Applier {
	return &Applier{
		Modify:    modify,
		Operation: reg.Invoke,
	}
}

// CallOption customizes one dispatched call beyond its arg/flags, letting
// it snapshot a different set of Areas or run a different entry function
// than the orbit's own Params without affecting any other call.
type CallOption func(*callOptions)

type callOptions struct {
	areas    []*region.Area
	override EntryFunc
}

// WithAreas snapshots areas for this call in place of the orbit's own
// Params.Areas.
func WithAreas(areas ...*Area) CallOption {
	return func(co *callOptions) {
		regionAreas := make([]*region.Area, len(areas))
		for i, a := range areas {
			regionAreas[i] = a.region
		}
		co.areas = regionAreas
	}
}

// WithEntry runs entry for this call in place of the orbit's own
// Params.Entry.
func WithEntry(entry EntryFunc) CallOption {
	return func(co *callOptions) { co.override = entry }
}

// Future is the host's handle to one dispatched call's eventual result.
type Future struct {
	inner    *dispatch.Future
	o        *Orbit
	dispatchedAt time.Time
}

// ID returns the task ID this Future tracks.
func (f *Future) ID() int64 { return f.inner.ID() }

// Pull blocks until the call resolves or ctx is cancelled.
func (f *Future) Pull(ctx context.Context) (Result, error) {
	r, err := f.inner.Pull(ctx)
	if err != nil {
		return Result{}, err
	}
	return f.o.observeResult(r, f.dispatchedAt), nil
}

// TryPull returns the Result immediately if resolved, else ok=false.
func (f *Future) TryPull() (Result, bool) {
	r, ok := f.inner.TryPull()
	if !ok {
		return Result{}, false
	}
	return f.o.observeResult(r, f.dispatchedAt), true
}

// CallAsync enqueues arg for dispatch and returns a Future for its
// result. ok is false if flags caused the call to be silently dropped
// (FlagSkipAny/FlagSkipSameArg matched an already-pending call), or if err
// is non-nil (an oversized arg, or incompatible Skip*/Cancel* flags). By
// default the call snapshots the orbit's own Params.Areas and runs its
// Params.Entry; WithAreas/WithEntry override either for this call alone.
func (o *Orbit) CallAsync(arg []byte, flags Flag, opts ...CallOption) (*Future, bool, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	dispatchedAt := time.Now()
	fut, ok, err := o.inner.Queue().Push(co.areas, arg, flags, co.override)
	if err != nil {
		return nil, false, WrapError("CALL_ASYNC", err)
	}
	o.observer.ObserveQueueDepth(uint32(o.inner.Queue().Depth()))
	if !ok {
		return nil, false, nil
	}
	return &Future{inner: fut, o: o, dispatchedAt: dispatchedAt}, true, nil
}

// Call enqueues arg and blocks until it resolves or ctx is cancelled. A
// checker that pushes update records during a synchronous call is a host
// error: the canonical contract is push-then-apply belongs to call_async,
// never call.
func (o *Orbit) Call(ctx context.Context, arg []byte, flags Flag, opts ...CallOption) (Result, error) {
	fut, ok, err := o.CallAsync(arg, flags, opts...)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, NewError("CALL", ErrCodeBusy, "call dropped by skip flag")
	}
	res, err := fut.Pull(ctx)
	if err != nil {
		return res, err
	}
	if res.Update != nil && !res.Update.Empty() {
		return res, NewError("CALL", ErrCodeInvalidArgument, "checker pushed update records during a synchronous call")
	}
	return res, nil
}

// CancelResult is the typed outcome of Cancel: removed while still
// queued, already dispatched, already finished, unrecognized, or not
// eligible for cancellation in the first place.
type CancelResult = dispatch.CancelResult

const (
	CancelRemoved        = dispatch.CancelRemoved
	CancelInProgress     = dispatch.CancelInProgress
	CancelAlreadyDone    = dispatch.CancelAlreadyDone
	CancelNotFound       = dispatch.CancelNotFound
	CancelNotCancellable = dispatch.CancelNotCancellable
)

// Cancel cancels the pending, cancellable task with the given ID,
// reporting why it could or couldn't be removed. Calling Cancel twice
// against the same id is idempotent: once the first call resolves the
// task (CancelRemoved), the second reports CancelAlreadyDone rather than
// silently repeating CancelRemoved; an id that was never pushed to this
// orbit reports CancelNotFound on every call.
func (o *Orbit) Cancel(id int64) CancelResult {
	res := o.inner.Queue().Cancel(id)
	if res == CancelRemoved {
		o.observer.ObserveCancel()
	}
	return res
}

// CancelByArg cancels every pending, cancellable task with matching args.
func (o *Orbit) CancelByArg(arg []byte) int {
	n := o.inner.Queue().CancelByArg(arg)
	for i := 0; i < n; i++ {
		o.observer.ObserveCancel()
	}
	return n
}

// QueueDepth returns the number of calls currently pending dispatch.
func (o *Orbit) QueueDepth() int {
	return o.inner.Queue().Depth()
}

func (o *Orbit) observeResult(r dispatch.Result, dispatchedAt time.Time) Result {
	latencyNs := uint64(time.Since(dispatchedAt).Nanoseconds())
	success := r.Err == nil
	snapshotBytes := uint64(0)
	if r.Update != nil {
		snapshotBytes = uint64(r.Update.Size())
	}
	o.observer.ObserveCall(snapshotBytes, latencyNs, success)

	return Result{Retval: r.Retval, Update: r.Update, Err: r.Err}
}
