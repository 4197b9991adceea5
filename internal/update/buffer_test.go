package update

import (
	"encoding/binary"
	"testing"

	"github.com/behrlich/orbit/internal/allocator"
	"github.com/behrlich/orbit/internal/region"
)

func newBuffer(t *testing.T) *Buffer {
	t.Helper()
	area, err := region.New(1<<16, region.ModeCopy)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	t.Cleanup(func() { area.Close() })
	l, err := allocator.Attach(area, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return NewBuffer(l)
}

func anyPayload(n int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return buf
}

func anyPayloadValue(buf []byte) int {
	return int(binary.LittleEndian.Uint64(buf))
}

func TestBufferEmptyInitially(t *testing.T) {
	b := newBuffer(t)
	if !b.Empty() {
		t.Error("new buffer should be empty")
	}
	if b.Size() != 0 {
		t.Errorf("Size() = %d, want 0", b.Size())
	}
}

func TestBufferPushAndIterate(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddModify(0x10, []byte("short")); err != nil {
		t.Fatalf("AddModify: %v", err)
	}
	if err := b.AddOperation(5, []byte("arg")); err != nil {
		t.Fatalf("AddOperation: %v", err)
	}
	if err := b.AddAny([]byte{0x99}); err != nil {
		t.Fatalf("AddAny: %v", err)
	}

	if b.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", b.Size())
	}

	rec, ok := b.First()
	if !ok || rec.Tag != TagModify {
		t.Fatalf("First() tag = %v, want TagModify", rec.Tag)
	}
	rec, ok = b.Next()
	if !ok || rec.Tag != TagOperation {
		t.Fatalf("Next() tag = %v, want TagOperation", rec.Tag)
	}
	rec, ok = b.Next()
	if !ok || rec.Tag != TagAny {
		t.Fatalf("Next() tag = %v, want TagAny", rec.Tag)
	}
	if _, ok := b.Next(); ok {
		t.Error("Next() past the end should return ok=false")
	}
}

func TestBufferAddModifyInlineVsOutOfLine(t *testing.T) {
	b := newBuffer(t)
	short := []byte("0123456789abcdef") // exactly InlineDataLen
	long := make([]byte, InlineDataLen+1)
	for i := range long {
		long[i] = byte(i)
	}

	if err := b.AddModify(1, short); err != nil {
		t.Fatalf("AddModify short: %v", err)
	}
	if err := b.AddModify(2, long); err != nil {
		t.Fatalf("AddModify long: %v", err)
	}

	var got [][]byte
	applier := &Applier{
		Modify: func(hostPtr uintptr, data []byte) error {
			got = append(got, append([]byte(nil), data...))
			return nil
		},
	}
	applied, skipped, aerr := b.Apply(applier, false)
	if aerr != nil {
		t.Fatalf("Apply: %v", aerr)
	}
	if applied != 2 || skipped != 0 {
		t.Fatalf("applied=%d skipped=%d, want 2/0", applied, skipped)
	}
	if string(got[0]) != string(short) {
		t.Errorf("inline payload = %q, want %q", got[0], short)
	}
	if len(got[1]) != len(long) || got[1][0] != 0 || got[1][len(long)-1] != byte(len(long)-1) {
		t.Errorf("out-of-line payload mismatch: %v", got[1])
	}
}

func TestBufferApplyNeverInvokesCallbackForAny(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddAny([]byte{0x1}); err != nil {
		t.Fatalf("AddAny: %v", err)
	}

	applied, skipped, err := b.Apply(&Applier{}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != 0 || skipped != 1 {
		t.Fatalf("applied=%d skipped=%d, want 0/1", applied, skipped)
	}
}

func TestBufferApplyDeclinesNilCallbackAsSkip(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddModify(0, []byte("x")); err != nil {
		t.Fatalf("AddModify: %v", err)
	}

	applied, skipped, err := b.Apply(&Applier{}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != 0 || skipped != 1 {
		t.Fatalf("applied=%d skipped=%d, want 0/1", applied, skipped)
	}
}

func TestBufferApplyPropagatesCallbackError(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddModify(0, nil); err != nil {
		t.Fatalf("AddModify: %v", err)
	}

	sentinel := errTest("boom")
	_, _, err := b.Apply(&Applier{
		Modify: func(uintptr, []byte) error { return sentinel },
	}, false)
	if err != sentinel {
		t.Errorf("Apply error = %v, want %v", err, sentinel)
	}
}

func TestBufferSkipAdvancesWithoutApplying(t *testing.T) {
	b := newBuffer(t)
	for i := 0; i < 3; i++ {
		if err := b.AddAny(anyPayload(i)); err != nil {
			t.Fatalf("AddAny: %v", err)
		}
	}

	n := b.Skip(false)
	if n != 3 {
		t.Errorf("Skip(false) = %d, want 3", n)
	}
}

func TestBufferResetClearsRecords(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddAny(anyPayload(1)); err != nil {
		t.Fatalf("AddAny: %v", err)
	}
	b.Reset()
	if !b.Empty() {
		t.Error("buffer should be empty after Reset")
	}
}

func TestBufferPushAcrossMultipleBlocks(t *testing.T) {
	b := newBuffer(t)
	n := blockRecords*2 + 1
	for i := 0; i < n; i++ {
		if err := b.AddAny(anyPayload(i)); err != nil {
			t.Fatalf("AddAny #%d: %v", i, err)
		}
	}
	if b.Size() != n {
		t.Fatalf("Size() = %d, want %d", b.Size(), n)
	}

	count := 0
	for rec, ok := b.First(); ok; rec, ok = b.Next() {
		if got := anyPayloadValue(rec.InlineData[:rec.Length]); got != count {
			t.Fatalf("record %d payload = %d, want %d", count, got, count)
		}
		count++
	}
	if count != n {
		t.Fatalf("iterated %d records, want %d", count, n)
	}
}

// TestBufferAnyYieldPausesForHostThenResumes exercises the Any pause/resume
// contract: with yield=true, ApplyOne/Apply stop at a TagAny record without
// popping it so the host can fetch it via Current, then resume past it on
// the next call.
func TestBufferAnyYieldPausesForHostThenResumes(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddModify(1, []byte("a")); err != nil {
		t.Fatalf("AddModify: %v", err)
	}
	if err := b.AddAny(anyPayload(42)); err != nil {
		t.Fatalf("AddAny: %v", err)
	}
	if err := b.AddModify(2, []byte("b")); err != nil {
		t.Fatalf("AddModify: %v", err)
	}

	var modified []uintptr
	applier := &Applier{
		Modify: func(hostPtr uintptr, data []byte) error {
			modified = append(modified, hostPtr)
			return nil
		},
	}

	applied, skipped, err := b.Apply(applier, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != 1 || skipped != 0 {
		t.Fatalf("first Apply applied=%d skipped=%d, want 1/0", applied, skipped)
	}
	if len(modified) != 1 || modified[0] != 1 {
		t.Fatalf("modified = %v, want [1]", modified)
	}

	rec, ok := b.Current()
	if !ok || rec.Tag != TagAny {
		t.Fatalf("Current() tag = %v, want TagAny", rec.Tag)
	}
	if got := anyPayloadValue(rec.InlineData[:rec.Length]); got != 42 {
		t.Fatalf("Any payload = %d, want 42", got)
	}

	// Current again without driving past it must return the same record.
	rec2, ok := b.Current()
	if !ok || rec2.Tag != TagAny {
		t.Fatalf("second Current() tag = %v, want TagAny", rec2.Tag)
	}

	// Drive past the Any record, then resume applying the rest.
	if tag := b.SkipOne(false); tag != TagAny {
		t.Fatalf("SkipOne(false) tag = %v, want TagAny", tag)
	}

	applied, skipped, err = b.Apply(applier, true)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if applied != 1 || skipped != 0 {
		t.Fatalf("second Apply applied=%d skipped=%d, want 1/0", applied, skipped)
	}
	if len(modified) != 2 || modified[1] != 2 {
		t.Fatalf("modified = %v, want [1 2]", modified)
	}

	if tag, _, _ := b.ApplyOne(applier, true); tag != TagEnd {
		t.Fatalf("final ApplyOne tag = %v, want TagEnd", tag)
	}
}

func TestBufferSkipYieldStopsAtAny(t *testing.T) {
	b := newBuffer(t)
	if err := b.AddAny(anyPayload(7)); err != nil {
		t.Fatalf("AddAny: %v", err)
	}
	if err := b.AddModify(1, []byte("x")); err != nil {
		t.Fatalf("AddModify: %v", err)
	}

	n := b.Skip(true)
	if n != 0 {
		t.Fatalf("Skip(true) = %d, want 0 (stops before popping the Any record)", n)
	}
	rec, ok := b.Current()
	if !ok || rec.Tag != TagAny {
		t.Fatalf("Current() tag = %v, want TagAny", rec.Tag)
	}

	n = b.Skip(false)
	if n != 2 {
		t.Fatalf("Skip(false) = %d, want 2 (pops the Any record and the Modify after it)", n)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
