// Package dispatch implements the orbit handle, its task queue and
// futures, and the single-threaded dispatch loop that pulls tasks and
// runs an orbit's entry function against a realized snapshot.
package dispatch

import "fmt"

// State is an orbit's lifecycle state.
type State int32

const (
	StateNew State = iota
	StateAttached
	StateStarted
	StateStopped
	StateDetached
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAttached:
		return "ATTACHED"
	case StateStarted:
		return "STARTED"
	case StateStopped:
		return "STOPPED"
	case StateDetached:
		return "DETACHED"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Flag is a task dispatch bitmask, controlling how CallAsync treats
// duplicate or cancellable work already sitting in the queue.
type Flag uint32

const (
	// FlagNone requests default at-most-once FIFO behavior.
	FlagNone Flag = 0
	// FlagNoRetval tells the dispatch loop to drop the task's return value
	// and update buffer; Pull still waits for the entry function to return
	// and then yields a Result carrying only its error.
	FlagNoRetval Flag = 1 << iota
	// FlagCancellable allows a later Cancel/CancelByArg call to remove this
	// task before it is dispatched.
	FlagCancellable
	// FlagSkipSameArg silently drops this call if a pending, not-yet-
	// dispatched task with byte-identical args is already queued.
	FlagSkipSameArg
	// FlagSkipAny silently drops this call if any pending task for the
	// same orbit is already queued, regardless of args.
	FlagSkipAny
	// FlagCancelSameArg cancels any pending task with byte-identical args
	// before enqueuing this one.
	FlagCancelSameArg
	// FlagCancelAny cancels every pending task for the orbit before
	// enqueuing this one.
	FlagCancelAny
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }
