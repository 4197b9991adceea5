//go:build linux

package region

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAnon allocates a fresh anonymous, zero-filled mapping for an Area's
// backing store, routed through golang.org/x/sys/unix for the portable
// syscall surface.
func mmapAnon(length int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return unsafe.Pointer(&b[0]), nil
}

func munmap(base unsafe.Pointer, length int) error {
	b := unsafe.Slice((*byte)(base), length)
	return unix.Munmap(b)
}

// mprotect changes the page protection of [base, base+length) in the
// calling process, used by the CoW snapshot path to write-protect the
// host's view of an Area after pairing it into the orbit.
func mprotect(base unsafe.Pointer, length int, prot int) error {
	b := unsafe.Slice((*byte)(base), length)
	return unix.Mprotect(b, prot)
}
