package allocator

import (
	"testing"
	"unsafe"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/region"
)

func newBitmapArea(t *testing.T, pages int) *region.Area {
	t.Helper()
	area, err := region.New(pages*constants.PageSize, region.ModeCoW)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	t.Cleanup(func() { area.Close() })
	if _, err := AttachBitmap(area); err != nil {
		t.Fatalf("AttachBitmap: %v", err)
	}
	return area
}

func TestBitmapAllocWritesReadableMemory(t *testing.T) {
	area := newBitmapArea(t, 1)

	p, err := area.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 32)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], byte(i))
		}
	}
}

func TestBitmapFreeReclaimsBlocks(t *testing.T) {
	area := newBitmapArea(t, 1)

	p1, err := area.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if err := area.Free(p1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// A second allocation of the same size should succeed by reusing the
	// freed blocks rather than exhausting the page.
	if _, err := area.Alloc(64); err != nil {
		t.Fatalf("Alloc 2 after free: %v", err)
	}
}

func TestBitmapReallocGrowAndShrink(t *testing.T) {
	area := newBitmapArea(t, 1)

	p, err := area.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 32)
	for i := range buf {
		buf[i] = 0xaa
	}

	q, err := area.Realloc(p, 96)
	if err != nil {
		t.Fatalf("Realloc grow: %v", err)
	}
	grown := unsafe.Slice((*byte)(q), 32)
	for i, b := range grown {
		if b != 0xaa {
			t.Fatalf("grown byte %d = %x, want 0xaa (realloc must preserve data)", i, b)
		}
	}

	r, err := area.Realloc(q, 16)
	if err != nil {
		t.Fatalf("Realloc shrink: %v", err)
	}
	if r == nil {
		t.Fatal("Realloc shrink returned nil pointer")
	}
}

func TestBitmapAllocLargeSpanningMultiplePages(t *testing.T) {
	area := newBitmapArea(t, 4)

	// Larger than one page's worth of blocks, forcing the multi-page path.
	size := 3*constants.PageSize - 256
	p, err := area.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc large: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), size)
	buf[0] = 1
	buf[size-1] = 2
	if buf[0] != 1 || buf[size-1] != 2 {
		t.Fatal("large allocation did not retain writes across its span")
	}
}

func TestBitmapTryAllocOutOfSpaceReturnsError(t *testing.T) {
	area, err := region.New(constants.PageSize, region.ModeCoW)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	defer area.Close()

	b, err := NewBitmap(area)
	if err != nil {
		t.Fatalf("NewBitmap: %v", err)
	}

	if _, err := b.TryAlloc(constants.PageSize * 2); err == nil {
		t.Fatal("expected out-of-space error for an allocation larger than the area")
	}
}

func TestBitmapAllocAbortsOnOverflow(t *testing.T) {
	area := newBitmapArea(t, 1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Alloc to panic on out-of-space per the fatal-overflow contract")
		}
	}()
	area.Alloc(constants.PageSize * 2)
}
