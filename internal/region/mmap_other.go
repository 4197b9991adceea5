//go:build !linux

package region

import (
	"unsafe"
)

// mmapAnon falls back to a plain heap allocation on non-Linux build targets,
// where the real mmap/mprotect CoW machinery in mmap_linux.go is unavailable.
// This keeps the package buildable for development and unit testing off
// Linux; the snapshot engine's CoW/MOVE fast paths require the linux build.
func mmapAnon(length int) (unsafe.Pointer, error) {
	b := make([]byte, length)
	return unsafe.Pointer(&b[0]), nil
}

func munmap(base unsafe.Pointer, length int) error {
	return nil
}

func mprotect(base unsafe.Pointer, length int, prot int) error {
	return nil
}
