package allocator

import (
	"testing"
	"unsafe"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/region"
)

func newLinearArea(t *testing.T, size int, useMeta bool) (*region.Area, *Linear) {
	t.Helper()
	area, err := region.New(size, region.ModeCopy)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	t.Cleanup(func() { area.Close() })
	l, err := Attach(area, useMeta)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return area, l
}

func TestLinearAllocBumpsDataLength(t *testing.T) {
	area, _ := newLinearArea(t, 4096, false)

	before := area.DataLength()
	if _, err := area.Alloc(64); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if area.DataLength() != before+64 {
		t.Errorf("DataLength = %d, want %d", area.DataLength(), before+64)
	}
}

func TestLinearFreeIsNoOp(t *testing.T) {
	_, l := newLinearArea(t, 4096, false)
	p, err := l.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := l.Free(p); err != nil {
		t.Errorf("Free should always succeed, got %v", err)
	}
}

func TestLinearResetZeroesDataLength(t *testing.T) {
	area, l := newLinearArea(t, 4096, false)
	if _, err := area.Alloc(128); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := l.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if area.DataLength() != 0 {
		t.Errorf("DataLength after Reset = %d, want 0", area.DataLength())
	}
}

func TestLinearReallocShrinkInPlaceWithMeta(t *testing.T) {
	area, l := newLinearArea(t, 4096, true)

	p, err := area.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 64)
	for i := range buf {
		buf[i] = byte(i)
	}

	before := area.DataLength()
	q, err := l.Realloc(p, 32)
	if err != nil {
		t.Fatalf("Realloc shrink: %v", err)
	}
	if q != p {
		t.Error("shrink-in-place realloc must return the same pointer")
	}
	if area.DataLength() != before {
		t.Errorf("shrink-in-place must not move data_length, got %d want %d", area.DataLength(), before)
	}
}

func TestLinearReallocGrowCopiesOldBytes(t *testing.T) {
	area, l := newLinearArea(t, 4096, true)

	p, err := area.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 16)
	for i := range buf {
		buf[i] = 0x42
	}

	q, err := l.Realloc(p, 64)
	if err != nil {
		t.Fatalf("Realloc grow: %v", err)
	}
	if q == p {
		t.Error("growing realloc without room must allocate fresh")
	}
	grown := unsafe.Slice((*byte)(q), 16)
	for i, b := range grown {
		if b != 0x42 {
			t.Fatalf("grown byte %d = %x, want 0x42", i, b)
		}
	}
}

func TestLinearReallocWithoutMetaAlwaysAllocatesFresh(t *testing.T) {
	area, l := newLinearArea(t, 4096, false)

	p, err := area.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	q, err := l.Realloc(p, 16)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if q == p {
		t.Error("without use_meta, Realloc can never shrink in place (no header to recover old size)")
	}
}

func TestLinearTryAllocOutOfSpaceReturnsError(t *testing.T) {
	_, l := newLinearArea(t, constants.PageSize, false)

	if _, err := l.TryAlloc(constants.PageSize * 2); err == nil {
		t.Fatal("expected out-of-space error")
	}
}
