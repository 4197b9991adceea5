package region

import (
	"context"
	"testing"
	"unsafe"
)

func TestSnapshotCopiesDataExtentOnly(t *testing.T) {
	a, err := New(3*pageSize(), ModeCopy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.SetDataLength(8); err != nil {
		t.Fatalf("SetDataLength: %v", err)
	}
	buf := unsafe.Slice((*byte)(a.Base()), 8)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	e := NewEngine()
	snaps, release, err := e.Snapshot(context.Background(), []*Area{a})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer release()

	if len(snaps) != 1 {
		t.Fatalf("len(snaps) = %d, want 1", len(snaps))
	}
	if snaps[0].Extent != pageSize() {
		t.Errorf("Extent = %d, want %d (page-rounded data length)", snaps[0].Extent, pageSize())
	}
	got := snaps[0].Bytes()[:8]
	for i, b := range got {
		if b != byte(i+1) {
			t.Fatalf("snapshot byte %d = %d, want %d", i, b, i+1)
		}
	}
}

func TestSnapshotCopyModeWritesDoNotReachHost(t *testing.T) {
	a, err := New(pageSize(), ModeCopy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if err := a.SetDataLength(8); err != nil {
		t.Fatalf("SetDataLength: %v", err)
	}

	e := NewEngine()
	snaps, release, err := e.Snapshot(context.Background(), []*Area{a})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer release()

	snaps[0].Bytes()[0] = 0xff
	hostView := unsafe.Slice((*byte)(a.Base()), 1)
	if hostView[0] == 0xff {
		t.Error("a write into the snapshot copy must not be visible through the host's Area")
	}
}

func TestSnapshotMoveModeRevokesHostAccess(t *testing.T) {
	a, err := New(pageSize(), ModeMove)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if err := a.SetDataLength(8); err != nil {
		t.Fatalf("SetDataLength: %v", err)
	}

	e := NewEngine()
	_, release, err := e.Snapshot(context.Background(), []*Area{a})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer release()

	if !a.Moved() {
		t.Error("MOVE mode should mark the area moved after snapshotting")
	}
}

func TestSnapshotAlreadyMovedAreaFails(t *testing.T) {
	a, err := New(pageSize(), ModeMove)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	e := NewEngine()
	_, release, err := e.Snapshot(context.Background(), []*Area{a})
	if err != nil {
		t.Fatalf("first Snapshot: %v", err)
	}
	release()

	if _, _, err := e.Snapshot(context.Background(), []*Area{a}); err != ErrAreaMoved {
		t.Errorf("second Snapshot err = %v, want ErrAreaMoved", err)
	}
}

func TestSnapshotManyAreasAtOnce(t *testing.T) {
	const n = 20
	areas := make([]*Area, n)
	for i := range areas {
		a, err := New(pageSize(), ModeCopy)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer a.Close()
		if err := a.SetDataLength(4); err != nil {
			t.Fatalf("SetDataLength: %v", err)
		}
		areas[i] = a
	}

	e := NewEngine()
	snaps, release, err := e.Snapshot(context.Background(), areas)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer release()

	if len(snaps) != n {
		t.Fatalf("len(snaps) = %d, want %d", len(snaps), n)
	}
	for i, s := range snaps {
		if s == nil {
			t.Fatalf("snaps[%d] is nil", i)
		}
	}
}
