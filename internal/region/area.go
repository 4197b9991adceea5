// Package region implements Area: a page-aligned shared memory region with
// a snapshot mode, and the engine that realizes that snapshot in an orbit's
// address space. Linear and bitmap allocators attach to an Area and keep its
// data extent up to date; internal/region never interprets the bytes an
// allocator hands out.
package region

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/logging"
)

// Mode is an Area's snapshot strategy.
type Mode int

const (
	// ModeCoW shares pages between host and orbit until either side writes.
	ModeCoW Mode = iota
	// ModeMove transfers pages to the orbit; the host loses access.
	ModeMove
	// ModeCopy eagerly duplicates pages into the orbit at snapshot time.
	ModeCopy
)

func (m Mode) String() string {
	switch m {
	case ModeCoW:
		return "CoW"
	case ModeMove:
		return "MOVE"
	case ModeCopy:
		return "COPY"
	default:
		return "unknown"
	}
}

// Allocator is the polymorphic interface an Area attaches. Linear and Bitmap
// in internal/allocator both implement it.
type Allocator interface {
	Alloc(size int) (unsafe.Pointer, error)
	Free(p unsafe.Pointer) error
	Realloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error)
	Destroy() error
}

// Area is a page-aligned virtual memory region owned by the host, with a
// tracked "used extent" maintained by whichever allocator is attached.
// Orbits never map the Area itself; they see copies made by Engine.Snapshot.
type Area struct {
	base       unsafe.Pointer
	length     int
	mode       Mode
	dataLength atomic.Int64 // bytes from base that are live; snapshot upper bound
	moved      atomic.Bool  // true once MOVE-mode snapshotting has revoked host access

	mu        sync.Mutex // guards attach/detach only, never the allocator hot path
	alloc     Allocator
	allocKind string

	orbitPaired bool
	orbitBase   unsafe.Pointer

	logger *logging.Logger
}

// ErrNoAllocator is returned by Alloc/Free/Realloc when no allocator is
// attached to the Area.
var ErrNoAllocator = fmt.Errorf("region: no allocator attached")

// New creates a host-only Area of at least size bytes, page-rounded, with
// the given snapshot mode. Each call that names the Area gets an
// orbit-private copy of its populated extent (see Engine.Snapshot).
func New(size int, mode Mode) (*Area, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive")
	}
	rounded := roundUpPage(size)
	base, err := mmapAnon(rounded)
	if err != nil {
		return nil, fmt.Errorf("region: mmap area: %w", err)
	}
	a := &Area{
		base:   base,
		length: rounded,
		mode:   mode,
		logger: logging.Default().With("region"),
	}
	a.logger.Debugf("area created: length=%d mode=%s", rounded, mode)
	return a, nil
}

func roundUpPage(n int) int {
	if r := n % constants.PageSize; r != 0 {
		n += constants.PageSize - r
	}
	return n
}

// Base returns the Area's base address in the host's address space.
func (a *Area) Base() unsafe.Pointer { return a.base }

// Length returns the Area's total page-rounded length.
func (a *Area) Length() int { return a.length }

// Mode returns the Area's snapshot strategy.
func (a *Area) Mode() Mode { return a.mode }

// DataLength returns the currently populated extent, maintained by the
// attached allocator. Pages beyond this extent are never snapshotted.
func (a *Area) DataLength() int64 { return a.dataLength.Load() }

// SetDataLength is called by the attached allocator to advance (or, for
// ResetLinear, reset) the externally-visible used extent. It never exceeds
// the Area's total length.
func (a *Area) SetDataLength(n int64) error {
	if n < 0 || n > int64(a.length) {
		return fmt.Errorf("region: data length %d out of range [0,%d]", n, a.length)
	}
	a.dataLength.Store(n)
	return nil
}

// DataExtent returns the populated byte range inside the Area: [0,
// DataLength()). Snapshotting transfers round_up_page(DataLength()) bytes.
func (a *Area) DataExtent() (start uintptr, length int64) {
	return uintptr(a.base), a.dataLength.Load()
}

// SnapshotExtentPages returns the page-rounded snapshot length per the
// invariant in spec.md §4.G: never more than round_up_page(data_length).
func (a *Area) SnapshotExtentPages() int {
	return roundUpPage(int(a.dataLength.Load()))
}

// Attach binds an allocator to this Area. An Area owns at most one allocator
// at a time.
func (a *Area) Attach(alloc Allocator, kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.alloc != nil {
		return fmt.Errorf("region: area already has an allocator attached (%s)", a.allocKind)
	}
	a.alloc = alloc
	a.allocKind = kind
	a.logger.Debugf("allocator attached: kind=%s", kind)
	return nil
}

// DetachAllocator destroys the attached allocator without destroying the
// Area itself, matching spec.md §4.A's invariant.
func (a *Area) DetachAllocator() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.alloc == nil {
		return nil
	}
	err := a.alloc.Destroy()
	a.alloc = nil
	a.allocKind = ""
	return err
}

func (a *Area) currentAllocator() (Allocator, error) {
	if a.moved.Load() {
		return nil, ErrAreaMoved
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.alloc == nil {
		return nil, ErrNoAllocator
	}
	return a.alloc, nil
}

// Moved reports whether a MOVE-mode snapshot has revoked host access.
func (a *Area) Moved() bool { return a.moved.Load() }

// Alloc forwards to the attached allocator.
func (a *Area) Alloc(size int) (unsafe.Pointer, error) {
	alloc, err := a.currentAllocator()
	if err != nil {
		return nil, err
	}
	return alloc.Alloc(size)
}

// Free forwards to the attached allocator.
func (a *Area) Free(p unsafe.Pointer) error {
	alloc, err := a.currentAllocator()
	if err != nil {
		return err
	}
	return alloc.Free(p)
}

// Realloc forwards to the attached allocator.
func (a *Area) Realloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	alloc, err := a.currentAllocator()
	if err != nil {
		return nil, err
	}
	return alloc.Realloc(p, newSize)
}

// ResetLinear is only valid when a linear allocator is attached; it resets
// data_length to 0 without touching underlying memory (spec.md §4.A).
func (a *Area) ResetLinear() error {
	alloc, err := a.currentAllocator()
	if err != nil {
		return err
	}
	resetter, ok := alloc.(interface{ Reset() error })
	if !ok {
		return fmt.Errorf("region: attached allocator does not support reset (use a linear allocator)")
	}
	return resetter.Reset()
}

// Close unmaps the Area's backing memory. Destroying the allocator first is
// the caller's responsibility if one is attached.
func (a *Area) Close() error {
	if a.base == nil {
		return nil
	}
	err := munmap(a.base, a.length)
	a.base = nil
	return err
}

func pageSize() int { return os.Getpagesize() }
