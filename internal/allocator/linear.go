// Package allocator implements the two allocator strategies that attach to
// a region.Area: Linear, a bump allocator, and Bitmap, a page+block
// allocator. Both keep the Area's externally-visible data extent in sync so
// the snapshot engine knows exactly how much of the Area is live.
package allocator

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/logging"
	"github.com/behrlich/orbit/internal/region"
)

// areaBacking is the subset of region.Area a Linear allocator needs. It is
// an interface purely so tests can fake it without mmapping real memory.
type areaBacking interface {
	Base() unsafe.Pointer
	Length() int
	DataLength() int64
	SetDataLength(int64) error
}

// Linear is a bump allocator over an Area. Free is a no-op; Realloc can
// shrink in place when use_meta is enabled, because the 8-byte header lets
// it recover an allocation's originally requested size.
type Linear struct {
	area    areaBacking
	useMeta bool
	mu      sync.Mutex
	logger  *logging.Logger
}

// linearMeta is the optional 8-byte size header prepended to an allocation
// when useMeta is set.
type linearMeta struct {
	size uint64
}

// NewLinear attaches a bump allocator to area. useMeta enables the 8-byte
// size header needed for shrink-in-place realloc (spec.md §4.B).
func NewLinear(area areaBacking, useMeta bool) *Linear {
	return &Linear{area: area, useMeta: useMeta, logger: logging.Default().With("allocator.linear")}
}

// Attach is a convenience that wires a Linear allocator into a real
// region.Area in one call.
func Attach(area *region.Area, useMeta bool) (*Linear, error) {
	l := NewLinear(area, useMeta)
	if err := area.Attach(l, "linear"); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Linear) headerSize() int {
	if l.useMeta {
		return constants.LinearMetaSize
	}
	return 0
}

// Alloc bumps the Area's data_length by n (plus header, if use_meta) and
// returns the new allocation's address. Per spec.md §7, overflow is fatal:
// the allocator contract says callers must size the Area correctly, so
// Alloc logs and aborts the process rather than returning an error. Callers
// that want a recoverable path should use TryAlloc.
func (l *Linear) Alloc(n int) (unsafe.Pointer, error) {
	p, err := l.TryAlloc(n)
	if err != nil {
		l.logger.Errorf("linear allocator out of space: requested=%d: %v", n, err)
		panic(fmt.Sprintf("orbit: linear allocator out of space: %v", err))
	}
	return p, nil
}

// TryAlloc is Alloc's non-aborting counterpart (see DESIGN NOTES §9,
// "Fatal vs recoverable errors" in spec.md): it returns Err(OutOfSpace)
// instead of aborting, for callers that can detect and handle it.
func (l *Linear) TryAlloc(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("allocator: size must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	header := l.headerSize()
	needed := int64(header + n)
	cur := l.area.DataLength()
	if cur+needed > int64(l.area.Length()) {
		return nil, fmt.Errorf("allocator: %w: need %d bytes, %d available", ErrOutOfSpace, needed, int64(l.area.Length())-cur)
	}

	base := uintptr(l.area.Base())
	allocAt := base + uintptr(cur)
	dataAt := allocAt + uintptr(header)

	if header > 0 {
		m := (*linearMeta)(unsafe.Pointer(allocAt))
		m.size = uint64(n)
	}

	if err := l.area.SetDataLength(cur + needed); err != nil {
		return nil, err
	}

	return unsafe.Pointer(dataAt), nil
}

// Free is a no-op for the linear allocator (spec.md §4.B).
func (l *Linear) Free(unsafe.Pointer) error { return nil }

func (l *Linear) metaFor(p unsafe.Pointer) *linearMeta {
	if !l.useMeta || p == nil {
		return nil
	}
	return (*linearMeta)(unsafe.Pointer(uintptr(p) - constants.LinearMetaSize))
}

// Realloc implements spec.md §4.B: nil delegates to Alloc; with use_meta, a
// shrink (meta.size >= n) updates the header and returns p unchanged;
// otherwise (grow, or no use_meta) it allocates fresh and copies the old
// contents forward.
func (l *Linear) Realloc(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	if p == nil {
		return l.Alloc(n)
	}

	if meta := l.metaFor(p); meta != nil {
		if meta.size >= uint64(n) {
			meta.size = uint64(n)
			return p, nil
		}
		oldSize := meta.size
		q, err := l.Alloc(n)
		if err != nil {
			return nil, err
		}
		src := unsafe.Slice((*byte)(p), oldSize)
		dst := unsafe.Slice((*byte)(q), oldSize)
		copy(dst, src)
		return q, nil
	}

	// No use_meta: always allocate new. Old size is unknown, so callers are
	// responsible for not relying on residual content beyond what they wrote.
	return l.Alloc(n)
}

// Reset implements Area.ResetLinear: sets data_length to 0 without touching
// underlying memory.
func (l *Linear) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.area.SetDataLength(0)
}

// Destroy releases the allocator's hold on the Area. The Area itself
// outlives this call (spec.md §4.A).
func (l *Linear) Destroy() error { return nil }
