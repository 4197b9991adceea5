package allocator

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/behrlich/orbit/internal/constants"
	"github.com/behrlich/orbit/internal/logging"
	"github.com/behrlich/orbit/internal/region"
)

// pageBlocks is how many BlockSize blocks make up one page (128 for the
// spec's 4096/32 layout).
const pageBlocks = constants.BlocksPerPage

// allocHeader precedes every live allocation and records its block count so
// Free/Realloc can recover the span without external bookkeeping.
type allocHeader struct {
	blocks uint64
	_      uint64 // pad to constants.AllocHeaderSize (16 bytes)
}

// pageMeta tracks one page's free-block bitmap (two 64-bit halves, lowest
// bit = lowest-addressed block), a live-block counter, and a per-page lock.
type pageMeta struct {
	mu    sync.Mutex
	low   uint64 // bits 0..63: 1 = free
	high  uint64 // bits 64..127: 1 = free
	used  int    // live blocks on this page
}

func newPageMeta() *pageMeta {
	return &pageMeta{low: ^uint64(0), high: ^uint64(0)}
}

func (p *pageMeta) freeBlocks() int {
	return bits.OnesCount64(p.low) + bits.OnesCount64(p.high)
}

func (p *pageMeta) isEmpty() bool {
	return p.low == ^uint64(0) && p.high == ^uint64(0)
}

func (p *pageMeta) isFull() bool {
	return p.low == 0 && p.high == 0
}

// Bitmap is the page+block allocator described in spec.md §4.C. It splits
// an Area into fixed PageSize pages of fixed BlockSize blocks, handling
// single-page allocations by bit-scan and multi-page allocations by
// stitching together a trailing run, zero or more full pages, and a
// leading run.
type Bitmap struct {
	area   areaBacking
	mu     sync.Mutex // guards page table structure only; per-page bitmap ops use pageMeta.mu
	pages  []*pageMeta
	pageOf uintptr // address of the first page

	maxAllocatedPage int // -1 if nothing allocated yet
	logger           *logging.Logger
}

// NewBitmap lays a bitmap allocator's page table over area's memory,
// deriving npages = area length / (PageSize), reserving no separate header
// region since pageMeta lives in Go heap memory rather than inside the Area
// (the Area's bytes are reserved entirely for allocations).
func NewBitmap(area areaBacking) (*Bitmap, error) {
	length := area.Length()
	npages := length / constants.PageSize
	if npages == 0 {
		return nil, fmt.Errorf("allocator: area too small for one page (%d < %d)", length, constants.PageSize)
	}

	pages := make([]*pageMeta, npages)
	for i := range pages {
		pages[i] = newPageMeta()
	}

	b := &Bitmap{
		area:             area,
		pages:            pages,
		pageOf:           uintptr(area.Base()),
		maxAllocatedPage: -1,
		logger:           logging.Default().With("allocator.bitmap"),
	}
	return b, nil
}

// Attach wires a Bitmap allocator into a real region.Area in one call.
func AttachBitmap(area *region.Area) (*Bitmap, error) {
	b, err := NewBitmap(area)
	if err != nil {
		return nil, err
	}
	if err := area.Attach(b, "bitmap"); err != nil {
		return nil, err
	}
	return b, nil
}

func blocksNeeded(size int) int {
	n := size + constants.AllocHeaderSize
	return (n + constants.BlockSize - 1) / constants.BlockSize
}

// Alloc finds space for size bytes (plus the 16-byte alloc header),
// aborting the process on overflow per spec.md §7. TryAlloc is the
// recoverable counterpart.
func (b *Bitmap) Alloc(size int) (unsafe.Pointer, error) {
	p, err := b.TryAlloc(size)
	if err != nil {
		b.logger.Errorf("bitmap allocator out of space: requested=%d: %v", size, err)
		panic(fmt.Sprintf("orbit: bitmap allocator out of space: %v", err))
	}
	return p, nil
}

// TryAlloc is Alloc's non-aborting counterpart.
func (b *Bitmap) TryAlloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocator: size must be positive")
	}
	need := blocksNeeded(size)

	maxSmall := (constants.PageSize - constants.AllocHeaderSize) / constants.BlockSize
	if need <= maxSmall {
		return b.allocSmall(need)
	}
	return b.allocLarge(need)
}

// allocSmall implements spec.md §4.C's small path: scan pages in order,
// and on the first page with enough free blocks, bit-scan for a run.
func (b *Bitmap) allocSmall(need int) (unsafe.Pointer, error) {
	for idx, pg := range b.pages {
		pg.mu.Lock()
		if pg.freeBlocks() < need {
			pg.mu.Unlock()
			continue
		}
		start, ok := findRun(pg.low, pg.high, need)
		if !ok {
			pg.mu.Unlock()
			continue
		}
		clearRun(pg, start, need)
		pg.used += need
		pg.mu.Unlock()

		b.noteAllocatedPage(idx)
		return b.headerAndPointer(idx, start, need), nil
	}
	return nil, fmt.Errorf("%w: no page has a run of %d free blocks", ErrOutOfSpace, need)
}

// findRun looks for `need` contiguous free (1) bits across the 128-bit
// bitmap formed by low||high, considering the low half, the high half, and
// the boundary run spanning both halves, per spec.md §4.C.
func findRun(low, high uint64, need int) (start int, ok bool) {
	if s, ok := findRunInWord(low, need); ok {
		return s, true
	}
	if s, ok := findRunInWord(high, need); ok {
		return s + 64, true
	}
	// Boundary run: trailing free bits at the top of low plus leading free
	// bits at the bottom of high.
	trailingHighBitsOfLow := bits.LeadingZeros64(^low) // free run ending at bit 63 of low
	if trailingHighBitsOfLow == 0 && low != 0 {
		// low's top bit isn't free; no boundary run possible from this side.
	}
	freeAtTopOfLow := countTrailingOnesFromTop(low)
	freeAtBottomOfHigh := bits.TrailingZeros64(^high)
	if freeAtBottomOfHigh > 64 {
		freeAtBottomOfHigh = 64
	}
	if freeAtTopOfLow+freeAtBottomOfHigh >= need {
		return 64 - freeAtTopOfLow, true
	}
	return 0, false
}

// countTrailingOnesFromTop counts how many of the highest bits of w are 1.
func countTrailingOnesFromTop(w uint64) int {
	return bits.LeadingZeros64(^w)
}

// findRunInWord finds the lowest-indexed run of `need` consecutive 1 bits
// within a single 64-bit word using ctz-style scanning.
func findRunInWord(w uint64, need int) (start int, ok bool) {
	if need > 64 {
		return 0, false
	}
	pos := 0
	for pos <= 64-need {
		// Skip zero bits (used blocks) at or after pos.
		shifted := w >> uint(pos)
		if shifted == 0 {
			return 0, false
		}
		tz := bits.TrailingZeros64(shifted)
		pos += tz
		if pos > 64-need {
			return 0, false
		}
		// Count consecutive ones starting at pos.
		run := bits.TrailingZeros64(^(w >> uint(pos)))
		if run >= need {
			return pos, true
		}
		pos += run + 1
	}
	return 0, false
}

// clearRun marks `need` blocks starting at bit `start` as used (0) across
// the low/high halves of a single page's bitmap.
func clearRun(pg *pageMeta, start, need int) {
	for i := 0; i < need; i++ {
		bit := start + i
		if bit < 64 {
			pg.low &^= 1 << uint(bit)
		} else {
			pg.high &^= 1 << uint(bit-64)
		}
	}
}

func setRun(pg *pageMeta, start, need int) {
	for i := 0; i < need; i++ {
		bit := start + i
		if bit < 64 {
			pg.low |= 1 << uint(bit)
		} else {
			pg.high |= 1 << uint(bit-64)
		}
	}
}

// allocLarge implements spec.md §4.C's multi-page path: need is split into
// m full pages plus n trailing blocks; the scan looks, for each candidate
// start page (stride m), at trailing zeros (free blocks) at the end of
// start_page, full emptiness of the m-1 pages after it, and leading zeros
// at the start of page start_page+m.
func (b *Bitmap) allocLarge(need int) (unsafe.Pointer, error) {
	m := need / pageBlocks
	n := need % pageBlocks
	if n == 0 {
		m--
		n = pageBlocks
	}
	// need = m full pages + n trailing blocks, m >= 0, 1 <= n <= pageBlocks.

	npages := len(b.pages)
	for start := 0; start+m < npages; start += max(m, 1) {
		if start >= npages {
			break
		}
		ok, consumed := b.tryClaimLargeRun(start, m, n)
		if ok {
			return b.headerAndPointer(consumed.startPage, consumed.startBit, need), nil
		}
	}
	return nil, fmt.Errorf("%w: no run of %d full pages + %d blocks available", ErrOutOfSpace, m, n)
}

// largeClaim records where, within the first page of a multi-page
// allocation, the allocation's header begins, for bookkeeping on free.
type largeClaim struct {
	startPage int
	startBit  int
	pages     int
}

// tryClaimLargeRun attempts to claim page `start`'s trailing free blocks,
// the following m-1 pages fully empty, and the leading blocks of page
// start+m that complete the run (or, if m==0, n blocks entirely within
// start's own page).
func (b *Bitmap) tryClaimLargeRun(start, m, n int) (bool, largeClaim) {
	npages := len(b.pages)

	if m == 0 {
		// Entirely within one page's trailing run.
		pg := b.pages[start]
		pg.mu.Lock()
		defer pg.mu.Unlock()
		if s, ok := findRun(pg.low, pg.high, n); ok {
			clearRun(pg, s, n)
			pg.used += n
			b.noteAllocatedPage(start)
			return true, largeClaim{startPage: start, startBit: s, pages: 1}
		}
		return false, largeClaim{}
	}

	if start+m >= npages {
		return false, largeClaim{}
	}

	startPg := b.pages[start]

	// Lock all pages in the candidate span in ascending order to avoid
	// deadlock with concurrent allocations scanning the same region.
	span := make([]*pageMeta, 0, m+2)
	span = append(span, startPg)
	for i := 1; i < m; i++ {
		span = append(span, b.pages[start+i])
	}
	endPg := b.pages[start+m]
	span = append(span, endPg)
	for _, pg := range span {
		pg.mu.Lock()
	}
	defer func() {
		for _, pg := range span {
			pg.mu.Unlock()
		}
	}()

	trailing := trailingFreeRun(startPg)
	for i := 1; i < m; i++ {
		if !b.pages[start+i].isEmpty() {
			return false, largeClaim{}
		}
	}
	leading := leadingFreeRun(endPg)

	if trailing+leading < n+pageBlocks {
		return false, largeClaim{}
	}

	// Claim: all of startPg's trailing free run, all of the m-1 full pages,
	// and the remaining n+pageBlocks-trailing blocks from endPg's leading
	// free run, so exactly need blocks are claimed.
	head := n + pageBlocks - trailing
	setRunUsed(startPg, pageBlocks-trailing, trailing)
	startPg.used += trailing
	for i := 1; i < m; i++ {
		pg := b.pages[start+i]
		pg.low, pg.high = 0, 0
		pg.used = pageBlocks
	}
	setRunUsed(endPg, 0, head)
	endPg.used += head

	for i := 0; i <= m; i++ {
		b.noteAllocatedPage(start + i)
	}

	return true, largeClaim{startPage: start, startBit: pageBlocks - trailing, pages: m + 1}
}

func trailingFreeRun(pg *pageMeta) int {
	// Free run ending at the top bit (127) of the page's bitmap.
	topOfHighFree := countTrailingOnesFromTop(pg.high)
	if topOfHighFree < 64 {
		return topOfHighFree
	}
	return 64 + countTrailingOnesFromTop(pg.low)
}

func leadingFreeRun(pg *pageMeta) int {
	bottomOfLowFree := bits.TrailingZeros64(^pg.low)
	if bottomOfLowFree < 64 {
		return bottomOfLowFree
	}
	return 64 + bits.TrailingZeros64(^pg.high)
}

func setRunUsed(pg *pageMeta, start, n int) {
	clearRun(pg, start, n)
}

func (b *Bitmap) noteAllocatedPage(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx > b.maxAllocatedPage {
		b.maxAllocatedPage = idx
		_ = b.area.SetDataLength(int64(idx+1) * constants.PageSize)
	}
}

// headerAndPointer writes the alloc header at (page, bit) recording blocks
// live blocks, and returns the pointer just past it.
func (b *Bitmap) headerAndPointer(page, bit, blocks int) unsafe.Pointer {
	addr := b.pageOf + uintptr(page)*constants.PageSize + uintptr(bit)*constants.BlockSize
	hdr := (*allocHeader)(unsafe.Pointer(addr))
	hdr.blocks = uint64(blocks)
	return unsafe.Pointer(addr + constants.AllocHeaderSize)
}

// Free locates (page, block) from p's offset, reads the header for the
// block count, clears the corresponding bits (across however many pages
// the allocation spans), and shrinks max_allocated_page if the freed pages
// are now the tail. Double-free is undefined per spec.md §4.C.
func (b *Bitmap) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	hdrAddr := uintptr(p) - constants.AllocHeaderSize
	hdr := (*allocHeader)(unsafe.Pointer(hdrAddr))
	blocks := int(hdr.blocks)

	offset := hdrAddr - b.pageOf
	pageIdx := int(offset / constants.PageSize)
	blockIdx := int((offset % constants.PageSize) / constants.BlockSize)

	remaining := blocks
	curPage, curBlock := pageIdx, blockIdx
	for remaining > 0 {
		pg := b.pages[curPage]
		pg.mu.Lock()
		n := pageBlocks - curBlock
		if n > remaining {
			n = remaining
		}
		setRun(pg, curBlock, n)
		pg.used -= n
		pg.mu.Unlock()

		remaining -= n
		curPage++
		curBlock = 0
	}

	b.shrinkIfTail(pageIdx + blocks/pageBlocks + 1)
	return nil
}

func (b *Bitmap) shrinkIfTail(fromPage int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.maxAllocatedPage >= 0 && b.pages[b.maxAllocatedPage].isEmpty() {
		b.maxAllocatedPage--
	}
	_ = b.area.SetDataLength(int64(b.maxAllocatedPage+1) * constants.PageSize)
}

// Realloc is the naive strategy spec.md §4.C prescribes: allocate new,
// copy min(old_blocks*BlockSize, new_size) bytes, free old.
func (b *Bitmap) Realloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if p == nil {
		return b.Alloc(newSize)
	}
	hdrAddr := uintptr(p) - constants.AllocHeaderSize
	hdr := (*allocHeader)(unsafe.Pointer(hdrAddr))
	oldBlocks := int(hdr.blocks)
	oldCapacity := oldBlocks*constants.BlockSize - constants.AllocHeaderSize

	q, err := b.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	n := oldCapacity
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		src := unsafe.Slice((*byte)(p), n)
		dst := unsafe.Slice((*byte)(q), n)
		copy(dst, src)
	}
	_ = b.Free(p)
	return q, nil
}

// Destroy releases the allocator's hold on the Area.
func (b *Bitmap) Destroy() error { return nil }
