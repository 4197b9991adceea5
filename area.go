package orbit

import (
	"unsafe"

	"github.com/behrlich/orbit/internal/allocator"
	"github.com/behrlich/orbit/internal/region"
)

// Mode is an Area's snapshot strategy.
type Mode int

const (
	// ModeCoW shares pages between host and orbit until either side writes.
	ModeCoW Mode = Mode(region.ModeCoW)
	// ModeMove transfers pages to the orbit; the host loses access.
	ModeMove Mode = Mode(region.ModeMove)
	// ModeCopy eagerly duplicates pages into the orbit at snapshot time.
	ModeCopy Mode = Mode(region.ModeCopy)
)

func (m Mode) String() string { return region.Mode(m).String() }

// AllocatorKind selects which allocator strategy backs an Area.
type AllocatorKind int

const (
	// AllocatorLinear is a bump allocator; Free is a no-op.
	AllocatorLinear AllocatorKind = iota
	// AllocatorBitmap is a page+block allocator supporting real Free/Realloc.
	AllocatorBitmap
)

// Area is a page-aligned memory region with a snapshot mode, backed by
// either a Linear or Bitmap allocator.
type Area struct {
	region *region.Area
}

// NewArea creates a new Area of at least size bytes with the given
// snapshot mode and allocator strategy.
func NewArea(size int, mode Mode, kind AllocatorKind) (*Area, error) {
	r, err := region.New(size, region.Mode(mode))
	if err != nil {
		return nil, WrapError("CREATE_AREA", err)
	}

	switch kind {
	case AllocatorBitmap:
		if _, err := allocator.AttachBitmap(r); err != nil {
			_ = r.Close()
			return nil, WrapError("CREATE_AREA", err)
		}
	default:
		if _, err := allocator.Attach(r, true); err != nil {
			_ = r.Close()
			return nil, WrapError("CREATE_AREA", err)
		}
	}

	return &Area{region: r}, nil
}

// Alloc requests size bytes from the Area's allocator.
func (a *Area) Alloc(size int) (unsafe.Pointer, error) {
	p, err := a.region.Alloc(size)
	if err != nil {
		return nil, WrapError("ALLOC", err)
	}
	return p, nil
}

// Free releases p back to the Area's allocator.
func (a *Area) Free(p unsafe.Pointer) error {
	if err := a.region.Free(p); err != nil {
		return WrapError("FREE", err)
	}
	return nil
}

// Realloc resizes an existing allocation.
func (a *Area) Realloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	q, err := a.region.Realloc(p, newSize)
	if err != nil {
		return nil, WrapError("REALLOC", err)
	}
	return q, nil
}

// Mode returns the Area's snapshot strategy.
func (a *Area) Mode() Mode { return Mode(a.region.Mode()) }

// Length returns the Area's total page-rounded length.
func (a *Area) Length() int { return a.region.Length() }

// DataLength returns the currently populated extent.
func (a *Area) DataLength() int64 { return a.region.DataLength() }

// Moved reports whether a MOVE-mode snapshot has revoked host access.
func (a *Area) Moved() bool { return a.region.Moved() }

// Reset clears a linear-backed Area's data_length to 0 without touching
// underlying memory. Only valid for AllocatorLinear Areas.
func (a *Area) Reset() error {
	if err := a.region.ResetLinear(); err != nil {
		return WrapError("RESET_AREA", err)
	}
	return nil
}

// Close unmaps the Area's backing memory.
func (a *Area) Close() error {
	_ = a.region.DetachAllocator()
	if err := a.region.Close(); err != nil {
		return WrapError("CLOSE_AREA", err)
	}
	return nil
}
