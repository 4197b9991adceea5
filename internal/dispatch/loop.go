package dispatch

import (
	"context"
	"fmt"
	"runtime"

	"github.com/behrlich/orbit/internal/update"
)

// run is the orbit's dispatch loop: init, then repeatedly await_task,
// entry, publish, until the orbit's context is cancelled. It runs pinned
// to one OS thread for the orbit's lifetime, matching the affinity
// contract a real sibling execution context would need.
func (o *Orbit) run() {
	defer close(o.loopDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("orbit %s panicked, marking dead: %v", o.name, r)
			o.state.Store(int32(StateDead))
			o.queue.Close()
		}
	}()

	if o.init != nil {
		if err := o.init(o.ctx); err != nil {
			o.logger.Errorf("orbit %s init failed: %v", o.name, err)
			o.state.Store(int32(StateDead))
			o.queue.Close()
			return
		}
	}
	o.state.Store(int32(StateAttached))
	o.state.Store(int32(StateStarted))
	o.logger.Debugf("orbit %s started", o.name)

	dispatchCtx := context.WithValue(o.ctx, orbitContextKey{}, o)

	for {
		select {
		case <-o.ctx.Done():
			o.state.Store(int32(StateStopped))
			return
		default:
		}

		task, ok := o.queue.awaitTask(o.ctx)
		if !ok {
			if State(o.state.Load()) != StateDead {
				o.state.Store(int32(StateStopped))
			}
			return
		}

		o.dispatchOne(dispatchCtx, task)
		if State(o.state.Load()) == StateDead {
			return
		}
	}
}

// dispatchOne realizes a snapshot for the orbit's Areas, runs the entry
// function against it, and publishes the result to the task's Future. The
// update scratch arena is reset before every call: entry functions never
// see another call's leftover records.
//
// Per spec.md §4.H/§7, a crashing entry function kills the orbit context:
// its lifecycle state becomes DEAD, the current task resolves with
// ErrGone rather than the panic detail, and every other task still queued
// is flushed the same way by queue.Close().
func (o *Orbit) dispatchOne(ctx context.Context, t *Task) {
	if err := o.updateArea.ResetLinear(); err != nil {
		t.resolve(Result{Err: fmt.Errorf("dispatch: reset update area: %w", err)})
		return
	}

	areas := t.areas
	if areas == nil {
		areas = o.areas
	}
	entry := t.override
	if entry == nil {
		entry = o.entry
	}

	snaps, release, err := o.engine.Snapshot(ctx, areas)
	if err != nil {
		t.resolve(Result{Err: fmt.Errorf("dispatch: snapshot: %w", err)})
		return
	}
	defer release()

	buf := update.NewBuffer(o.updateAlloc)
	cc := &CallContext{Snapshots: snaps, Update: buf}

	retval, err, crashed := func() (retval []byte, rerr error, crashed bool) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Errorf("orbit %s entry function panicked, marking dead: %v", o.name, r)
				crashed = true
			}
		}()
		retval, rerr = entry(ctx, cc, t.arg)
		return
	}()

	if crashed {
		o.state.Store(int32(StateDead))
		t.resolve(Result{Err: ErrGone})
		o.queue.Close()
		return
	}

	if t.flags.has(FlagNoRetval) {
		t.resolve(Result{Err: err})
		return
	}

	t.resolve(Result{Retval: retval, Update: buf, Err: err})
}
