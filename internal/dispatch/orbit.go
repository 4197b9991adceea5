package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/orbit/internal/allocator"
	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/logging"
	"github.com/behrlich/orbit/internal/orbitid"
	"github.com/behrlich/orbit/internal/region"
)

// CallContext is what an entry function sees for one dispatched call: the
// snapshots of every Area named at call time, and an update buffer it may
// push Modify/Operation/Any records into.
type CallContext struct {
	Snapshots []*region.Snapshot
	Update    UpdateSink
}

// UpdateSink is the narrow interface dispatch hands an entry function for
// pushing update records; internal/update.Buffer implements it.
type UpdateSink interface {
	AddModify(hostPtr uintptr, data []byte) error
	AddOperation(opID uint64, arg []byte) error
	AddAny(data []byte) error
}

// EntryFunc is the checker computation an orbit runs once per dispatched
// task, against the call's realized snapshots.
type EntryFunc func(ctx context.Context, cc *CallContext, arg []byte) (retval []byte, err error)

// InitFunc runs once when an orbit transitions from NEW to ATTACHED,
// before any task is ever dispatched.
type InitFunc func(ctx context.Context) error

// Orbit is the runtime handle for one isolated execution context: its
// identity, its entry/init functions, the Areas it snapshots at dispatch,
// and the task queue feeding its single dispatch loop.
type Orbit struct {
	Identity orbitid.Identity
	name     string

	entry EntryFunc
	init  InitFunc

	areas []*region.Area

	updateArea  *region.Area
	updateAlloc *allocator.Linear

	state  atomic.Int32
	queue  *TaskQueue
	engine *region.Engine

	ctx    context.Context
	cancel context.CancelFunc

	loopDone chan struct{}

	// store is an opaque per-orbit user slot; Orbit never interprets it.
	mu    sync.Mutex
	store any

	logger *logging.Logger
}

// Config configures a new orbit.
type Config struct {
	Name  string
	Entry EntryFunc
	Init  InitFunc
	Areas []*region.Area
}

var (
	registryMu sync.RWMutex
	registry   = map[uint32]*Orbit{} // keyed by LOBID
)

// CreateOrbit allocates a fresh identity, registers the orbit, and starts
// its dispatch loop. The orbit begins in StateNew and transitions through
// StateAttached (after Init runs) to StateStarted before its first task is
// pulled.
func CreateOrbit(ctx context.Context, cfg Config) (*Orbit, error) {
	if cfg.Entry == nil {
		return nil, fmt.Errorf("dispatch: orbit requires an entry function")
	}
	name := cfg.Name
	if name == "" {
		name = constants.AnonymousName
	}

	id := orbitid.New()
	octx, cancel := context.WithCancel(ctx)

	updateArea, err := region.New(constants.DefaultScratchAreaSize, region.ModeCopy)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch: create update scratch area: %w", err)
	}
	updateAlloc, err := allocator.Attach(updateArea, false)
	if err != nil {
		cancel()
		_ = updateArea.Close()
		return nil, fmt.Errorf("dispatch: attach update scratch allocator: %w", err)
	}

	o := &Orbit{
		Identity:    id,
		name:        name,
		entry:       cfg.Entry,
		init:        cfg.Init,
		areas:       cfg.Areas,
		updateArea:  updateArea,
		updateAlloc: updateAlloc,
		queue:       NewTaskQueue(),
		engine:      region.NewEngine(),
		ctx:         octx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
		logger:      logging.Default().With(fmt.Sprintf("orbit[%s]", name)),
	}
	o.state.Store(int32(StateNew))

	registryMu.Lock()
	registry[id.LOBID] = o
	registryMu.Unlock()

	go o.run()

	return o, nil
}

// Lookup finds a registered orbit by LOBID.
func Lookup(lobid uint32) (*Orbit, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	o, ok := registry[lobid]
	return o, ok
}

// OrbitExists reports whether an orbit with the given LOBID is registered
// and not yet dead.
func OrbitExists(lobid uint32) bool {
	o, ok := Lookup(lobid)
	return ok && State(o.state.Load()) != StateDead
}

// OrbitGone reports the complement of OrbitExists.
func OrbitGone(lobid uint32) bool {
	return !OrbitExists(lobid)
}

// IsOrbitContext reports whether ctx is (or descends from) a running
// orbit's dispatch context. Entry functions can use this to detect
// accidental recursive dispatch.
func IsOrbitContext(ctx context.Context) bool {
	return ctx.Value(orbitContextKey{}) != nil
}

type orbitContextKey struct{}

// State returns the orbit's current lifecycle state.
func (o *Orbit) State() State { return State(o.state.Load()) }

// Name returns the orbit's name.
func (o *Orbit) Name() string { return o.name }

// Queue exposes the orbit's task queue to the host-facing Call/CallAsync
// API built on top of this package.
func (o *Orbit) Queue() *TaskQueue { return o.queue }

// Store returns the orbit's opaque per-orbit user slot.
func (o *Orbit) Store() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

// SetStore sets the orbit's opaque per-orbit user slot.
func (o *Orbit) SetStore(v any) {
	o.mu.Lock()
	o.store = v
	o.mu.Unlock()
}

// Destroy transitions the orbit to DETACHED/DEAD, cancels its dispatch
// loop, and flushes any still-pending tasks with ErrGone. Idempotent.
func (o *Orbit) Destroy() {
	for {
		prev := State(o.state.Load())
		if prev == StateDead || prev == StateDetached {
			return
		}
		if o.state.CompareAndSwap(int32(prev), int32(StateDetached)) {
			break
		}
	}
	o.cancel()
	o.queue.Close()
	<-o.loopDone
	o.state.Store(int32(StateDead))

	if o.updateArea != nil {
		_ = o.updateArea.DetachAllocator()
		_ = o.updateArea.Close()
	}

	registryMu.Lock()
	delete(registry, o.Identity.LOBID)
	registryMu.Unlock()
}

// Destroy tears down the orbit named by lobid, if registered.
func Destroy(lobid uint32) {
	if o, ok := Lookup(lobid); ok {
		o.Destroy()
	}
}

// DestroyAll tears down every registered orbit. Intended for process
// shutdown and test cleanup.
func DestroyAll() {
	registryMu.RLock()
	orbits := make([]*Orbit, 0, len(registry))
	for _, o := range registry {
		orbits = append(orbits, o)
	}
	registryMu.RUnlock()

	for _, o := range orbits {
		o.Destroy()
	}
}
