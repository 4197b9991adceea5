package update

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/behrlich/orbit/internal/allocator"
	"github.com/behrlich/orbit/internal/constants"
)

// blockRecords is how many Records live in one allocated block.
const blockRecords = constants.UpdateBlockRecords

// block is one node of the buffer's block-list deque. Blocks are allocated
// from a Linear allocator and never individually freed; the whole chain is
// reclaimed when the backing Area is reset between calls.
type block struct {
	records [blockRecords]Record
	used    int
	next    *block
}

// ErrBufferFull is returned by Push when the backing linear allocator is
// out of space for a new block.
var ErrBufferFull = errors.New("update: buffer out of space")

// Buffer is an append-only list of update Records, backed by a Linear
// allocator so that pushing never needs a host-side heap allocation once
// its Area is large enough: new blocks come out of the same bump arena the
// orbit-side call already has access to.
type Buffer struct {
	alloc *allocator.Linear

	mu    sync.Mutex
	head  *block
	tail  *block
	count int

	// iterator state for First/Next/ApplyOne
	started  bool
	curBlock *block
	curIdx   int
}

// NewBuffer creates an empty update buffer backed by alloc. alloc must
// support TryAlloc (internal/allocator.Linear does).
func NewBuffer(alloc *allocator.Linear) *Buffer {
	return &Buffer{alloc: alloc}
}

// Empty reports whether the buffer holds no records.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == 0
}

// Size returns the number of records pushed so far.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) newBlock() (*block, error) {
	p, err := b.alloc.TryAlloc(int(unsafe.Sizeof(block{})))
	if err != nil {
		return nil, ErrBufferFull
	}
	blk := (*block)(p)
	*blk = block{}
	return blk, nil
}

func (b *Buffer) push(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tail == nil || b.tail.used == blockRecords {
		blk, err := b.newBlock()
		if err != nil {
			return err
		}
		if b.tail == nil {
			b.head = blk
		} else {
			b.tail.next = blk
		}
		b.tail = blk
	}

	b.tail.records[b.tail.used] = rec
	b.tail.used++
	b.count++
	return nil
}

// placePayload copies data into rec, inline if it fits, else into a fresh
// out-of-line allocation from the buffer's arena. Used by both AddModify
// and AddAny, which share the same ≤InlineDataLen placement rule.
func (b *Buffer) placePayload(rec *Record, data []byte) error {
	rec.Length = uint64(len(data))
	if len(data) <= InlineDataLen {
		copy(rec.InlineData[:], data)
		return nil
	}
	p, err := b.alloc.TryAlloc(len(data))
	if err != nil {
		return ErrBufferFull
	}
	dst := unsafe.Slice((*byte)(p), len(data))
	copy(dst, data)
	rec.Ptr = uintptr(p)
	return nil
}

// AddModify appends a TagModify record writing data at hostPtr. If data
// fits InlineData it is copied in place; otherwise it is copied into a
// fresh out-of-line allocation from the buffer's backing arena.
func (b *Buffer) AddModify(hostPtr uintptr, data []byte) error {
	rec := Record{Tag: TagModify, HostPtr: hostPtr}
	if err := b.placePayload(&rec, data); err != nil {
		return err
	}
	return b.push(rec)
}

// AddOperation appends a TagOperation record naming opID with an argument
// blob. The blob is copied into the backing arena.
func (b *Buffer) AddOperation(opID uint64, arg []byte) error {
	rec := Record{Tag: TagOperation, OperationID: opID, Length: uint64(len(arg))}
	if len(arg) > 0 {
		p, err := b.alloc.TryAlloc(len(arg))
		if err != nil {
			return ErrBufferFull
		}
		dst := unsafe.Slice((*byte)(p), len(arg))
		copy(dst, arg)
		rec.Ptr = uintptr(p)
	}
	return b.push(rec)
}

// AddAny appends a TagAny record carrying an opaque host-interpreted
// payload, placed inline or out-of-line under the same rule as AddModify.
func (b *Buffer) AddAny(data []byte) error {
	rec := Record{Tag: TagAny}
	if err := b.placePayload(&rec, data); err != nil {
		return err
	}
	return b.push(rec)
}

// First resets the read cursor to the beginning of the buffer and returns
// the first record, or (nil, false) if the buffer is empty.
func (b *Buffer) First() (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.curBlock = b.head
	b.curIdx = 0
	return b.currentLocked()
}

// Next advances the read cursor and returns the next record, or (nil,
// false) once the end of the buffer is reached.
func (b *Buffer) Next() (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.curIdx++
	return b.currentLocked()
}

// Current returns the record at the read cursor's current position
// without advancing past it, positioning the cursor at the buffer's first
// record the first time it's called. Pairs with ApplyOne(yield=true): once
// a TagAny record is yielded back without popping, Current fetches the
// same record so the caller can inspect its payload before driving past
// it (by calling ApplyOne/SkipOne again).
func (b *Buffer) Current() (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peekLocked()
}

func (b *Buffer) peekLocked() (*Record, bool) {
	if !b.started {
		b.started = true
		b.curBlock = b.head
		b.curIdx = 0
	}
	return b.currentLocked()
}

func (b *Buffer) advanceLocked() {
	b.curIdx++
}

func (b *Buffer) currentLocked() (*Record, bool) {
	for b.curBlock != nil && b.curIdx >= b.curBlock.used {
		b.curBlock = b.curBlock.next
		b.curIdx = 0
	}
	if b.curBlock == nil {
		return nil, false
	}
	return &b.curBlock.records[b.curIdx], true
}

// Applier supplies the callbacks Apply/ApplyOne invoke for TagModify and
// TagOperation records; a nil field counts as declining that record (it
// is skipped, not an error). TagAny records are never routed through an
// Applier: they carry an opaque host-interpreted payload the caller must
// fetch via Current and drive explicitly, per ApplyOne's yield contract.
type Applier struct {
	// Modify is called with the destination address and payload bytes.
	Modify func(hostPtr uintptr, data []byte) error
	// Operation is called with the operation id and argument bytes.
	Operation func(opID uint64, arg []byte) error
}

func (b *Buffer) applyRecord(rec *Record, a *Applier) (applied bool, err error) {
	switch rec.Tag {
	case TagModify:
		if a.Modify == nil {
			return false, nil
		}
		data := rec.InlineData[:rec.Length]
		if rec.Length > InlineDataLen {
			data = unsafe.Slice((*byte)(unsafe.Pointer(rec.Ptr)), rec.Length)
		}
		if err := a.Modify(rec.HostPtr, data); err != nil {
			return false, err
		}
		return true, nil
	case TagOperation:
		if a.Operation == nil {
			return false, nil
		}
		var arg []byte
		if rec.Length > 0 {
			arg = unsafe.Slice((*byte)(unsafe.Pointer(rec.Ptr)), rec.Length)
		}
		if err := a.Operation(rec.OperationID, arg); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// ApplyOne inspects the record at the read cursor and applies it via a,
// reporting the tag it found (TagEnd once the buffer is exhausted) and
// whether it was applied (false for TagEnd, a declined Modify/Operation,
// or any TagAny). TagModify and TagOperation records always pop. A TagAny
// record pops only when yield is false ("skip by popping"); when yield is
// true it is left in place so the caller can fetch it via Current, decide
// what it means, and drive past it on a later call.
func (b *Buffer) ApplyOne(a *Applier, yield bool) (tag Tag, applied bool, err error) {
	b.mu.Lock()
	rec, ok := b.peekLocked()
	if !ok {
		b.mu.Unlock()
		return TagEnd, false, nil
	}

	if rec.Tag == TagAny {
		if !yield {
			b.advanceLocked()
		}
		b.mu.Unlock()
		return TagAny, false, nil
	}

	recCopy := *rec
	b.advanceLocked()
	b.mu.Unlock()

	applied, err = b.applyRecord(&recCopy, a)
	return recCopy.Tag, applied, err
}

// Apply walks records from the current read position, applying each via
// a, until the buffer is exhausted or a TagAny record is reached with
// yield true. In the latter case Apply returns immediately without
// popping that record: the caller fetches it via Current, handles it, and
// resumes by calling Apply/ApplyOne again. A record Apply is allowed to
// pop but declines (a nil Applier field, or any TagAny) counts as
// skipped, not an error.
func (b *Buffer) Apply(a *Applier, yield bool) (applied, skipped int, err error) {
	for {
		tag, did, aerr := b.ApplyOne(a, yield)
		if aerr != nil {
			return applied, skipped, aerr
		}
		if tag == TagEnd {
			return applied, skipped, nil
		}
		if tag == TagAny && yield {
			return applied, skipped, nil
		}
		if did {
			applied++
		} else {
			skipped++
		}
	}
}

// skipApplier declines every record; Skip/SkipOne reuse ApplyOne's
// iteration and yield handling through it so they never invoke
// Modify/Operation side effects.
var skipApplier = &Applier{}

// SkipOne advances the read cursor past one record without applying any
// Modify/Operation side effects, following ApplyOne's yield contract for
// a TagAny record. Returns the tag inspected (TagEnd once exhausted).
func (b *Buffer) SkipOne(yield bool) Tag {
	tag, _, _ := b.ApplyOne(skipApplier, yield)
	return tag
}

// Skip advances the read cursor past every remaining record without
// applying any of them, stopping early (like Apply) if it reaches a
// TagAny record with yield true. Returns the count popped.
func (b *Buffer) Skip(yield bool) int {
	n := 0
	for {
		tag := b.SkipOne(yield)
		if tag == TagEnd {
			return n
		}
		if tag == TagAny && yield {
			return n
		}
		n++
	}
}

// Reset clears the buffer's record list. The backing linear allocator must
// be reset separately (via its Area's ResetLinear) to reclaim block memory.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail = nil, nil
	b.count = 0
	b.started = false
	b.curBlock, b.curIdx = nil, 0
}
