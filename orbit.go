// Package orbit offloads checker computations to isolated sibling
// execution contexts ("orbits"), each dispatched against a snapshot of
// the host's memory Areas rather than the live memory itself.
package orbit

import (
	"context"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/dispatch"
	"github.com/behrlich/orbit/internal/logging"
	"github.com/behrlich/orbit/internal/region"
)

// EntryFunc is the checker computation an orbit runs once per dispatched
// call, against the call's realized Area snapshots.
type EntryFunc = dispatch.EntryFunc

// InitFunc runs once when an orbit starts, before any call is dispatched.
type InitFunc = dispatch.InitFunc

// CallContext is what an EntryFunc sees for one call: the snapshots of
// every Area the orbit watches, and a sink for update records.
type CallContext = dispatch.CallContext

// State is an orbit's lifecycle state: NEW, ATTACHED, STARTED, STOPPED,
// DETACHED, or DEAD.
type State = dispatch.State

const (
	StateNew      = dispatch.StateNew
	StateAttached = dispatch.StateAttached
	StateStarted  = dispatch.StateStarted
	StateStopped  = dispatch.StateStopped
	StateDetached = dispatch.StateDetached
	StateDead     = dispatch.StateDead
)

// Orbit is the host's handle to one isolated execution context.
type Orbit struct {
	inner    *dispatch.Orbit
	metrics  *Metrics
	observer Observer
}

// Params configures a new orbit.
type Params struct {
	// Name is a human-readable label; defaults to "anonymous".
	Name string

	// Entry is the checker computation dispatched for every call.
	Entry EntryFunc

	// Init runs once before the orbit's first call.
	Init InitFunc

	// Areas are the memory regions snapshotted at every call.
	Areas []*Area

	// Observer receives per-call metrics events; defaults to a
	// MetricsObserver wrapping a fresh Metrics instance.
	Observer Observer
}

// DefaultParams returns Params with sensible defaults for entry.
func DefaultParams(entry EntryFunc) Params {
	return Params{
		Name:  constants.AnonymousName,
		Entry: entry,
	}
}

// CreateOrbit creates and starts a new orbit.
//
// Example:
//
//	area, _ := orbit.NewArea(4096, orbit.ModeCoW, orbit.AllocatorLinear)
//	params := orbit.DefaultParams(myChecker)
//	params.Areas = []*orbit.Area{area}
//	o, err := orbit.CreateOrbit(context.Background(), params)
func CreateOrbit(ctx context.Context, params Params) (*Orbit, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	regionAreas := make([]*region.Area, 0, len(params.Areas))
	for _, a := range params.Areas {
		regionAreas = append(regionAreas, a.region)
	}

	inner, err := dispatch.CreateOrbit(ctx, dispatch.Config{
		Name:  params.Name,
		Entry: params.Entry,
		Init:  params.Init,
		Areas: regionAreas,
	})
	if err != nil {
		return nil, WrapError("CREATE_ORBIT", err)
	}

	logging.Default().With("orbit").Debugf("orbit %s created: mpid=%d lobid=%d gobid=%d",
		inner.Name(), inner.Identity.MPID, inner.Identity.LOBID, inner.Identity.GOBID)

	return &Orbit{inner: inner, metrics: metrics, observer: observer}, nil
}

// Identity returns the orbit's (mpid, lobid, gobid) triple.
func (o *Orbit) Identity() (mpid, lobid uint32, gobid uint64) {
	id := o.inner.Identity
	return id.MPID, id.LOBID, id.GOBID
}

// Name returns the orbit's name.
func (o *Orbit) Name() string { return o.inner.Name() }

// State returns the orbit's current lifecycle state.
func (o *Orbit) State() State { return o.inner.State() }

// Metrics returns the orbit's metrics.
func (o *Orbit) Metrics() *Metrics { return o.metrics }

// Destroy tears down the orbit. Idempotent.
func (o *Orbit) Destroy() {
	o.metrics.Stop()
	o.inner.Destroy()
}

// DestroyAll tears down every orbit created in this process. Intended for
// process shutdown and test cleanup.
func DestroyAll() {
	dispatch.DestroyAll()
}

// IsOrbitContext reports whether ctx descends from a running orbit's
// dispatch context, letting a checker detect accidental recursive calls.
func IsOrbitContext(ctx context.Context) bool {
	return dispatch.IsOrbitContext(ctx)
}
