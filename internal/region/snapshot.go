package region

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/behrlich/orbit/internal/logging"
)

// maxConcurrentSnapshotCopies bounds how many Area copies a single
// Snapshot call runs at once, the same role giouring's completion-queue
// wakeup limit plays for io_uring submission concurrency: enough to
// overlap memcpy with mmap setup, not so many that a call with hundreds of
// Areas thrashes the allocator.
const maxConcurrentSnapshotCopies = 8

// Snapshot is the orbit-side view of one Area as captured at call dispatch
// time: a private copy of [0, extent) bytes, plus the mode that produced it.
type Snapshot struct {
	Area   *Area
	Base   unsafe.Pointer
	Extent int
	Mode   Mode
}

// Bytes exposes the snapshot as a byte slice for the entry function to read
// (and, under CoW/COPY, write — those writes land in the orbit-private copy
// and are never observed by the host; see spec.md §4.G).
func (s *Snapshot) Bytes() []byte {
	if s.Extent == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(s.Base), s.Extent)
}

// Release frees the orbit-side private copy. Idempotent.
func (s *Snapshot) Release() error {
	if s.Base == nil {
		return nil
	}
	err := munmap(s.Base, s.Extent)
	s.Base = nil
	return err
}

// ErrAreaMoved is returned by host-side Area operations once MOVE-mode
// snapshotting has transferred the Area's pages to an orbit.
var ErrAreaMoved = fmt.Errorf("region: area moved to orbit, host access revoked")

// Engine realizes Area snapshots into an orbit's address space at call
// dispatch. It is the "equivalent in-process mechanism" spec.md §1 calls
// out as the external collaborator a production build would implement with
// a real kernel primitive; here it is mmap + eager copy, which spec.md
// §4.G explicitly permits as a conforming implementation of CoW ("An
// implementation that always transfers all pages ≤ data_length is
// conforming") since the two modes are observationally identical --- they
// differ only in when duplication happens, not in what either side can see.
type Engine struct {
	logger *logging.Logger
}

// NewEngine constructs the default mmap-backed snapshot engine.
func NewEngine() *Engine {
	return &Engine{logger: logging.Default().With("snapshot")}
}

// Snapshot freezes areas' populated extents into fresh orbit-private copies,
// per area mode. Never transfers more than SnapshotExtentPages() bytes.
// Each Area's mmap+copy runs on its own goroutine, bounded by an errgroup
// so a call naming many Areas doesn't serialize behind one big copy.
func (e *Engine) Snapshot(ctx context.Context, areas []*Area) ([]*Snapshot, func(), error) {
	for _, a := range areas {
		if a.moved.Load() {
			return nil, nil, ErrAreaMoved
		}
	}

	snaps := make([]*Snapshot, len(areas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSnapshotCopies)

	for i, a := range areas {
		i, a := i, a
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			extent := a.SnapshotExtentPages()
			var base unsafe.Pointer
			if extent > 0 {
				b, err := mmapAnon(extent)
				if err != nil {
					return fmt.Errorf("region: snapshot mmap: %w", err)
				}
				base = b
				src := unsafe.Slice((*byte)(a.base), extent)
				dst := unsafe.Slice((*byte)(base), extent)
				copy(dst, src)
			}

			e.logger.Debugf("snapshot: mode=%s extent=%d", a.mode, extent)
			snaps[i] = &Snapshot{Area: a, Base: base, Extent: extent, Mode: a.mode}

			if a.mode == ModeMove {
				if err := a.revokeHostAccess(); err != nil {
					return fmt.Errorf("region: revoke host access: %w", err)
				}
			}
			return nil
		})
	}

	release := func() {
		for _, s := range snaps {
			if s != nil {
				_ = s.Release()
			}
		}
	}

	if err := g.Wait(); err != nil {
		release()
		return nil, nil, err
	}

	return snaps, release, nil
}

// revokeHostAccess implements the MOVE contract: "the host immediately
// loses access (reading produces undefined/zero)". mprotect(PROT_NONE) on
// Linux faults any further host access with SIGSEGV; on the portable
// fallback build it is a no-op and host revocation is enforced purely at
// the Area API layer via the moved flag.
func (a *Area) revokeHostAccess() error {
	a.moved.Store(true)
	return mprotect(a.base, a.length, protNone())
}

func protNone() int { return int(unix.PROT_NONE) }
