package allocator

import "errors"

// ErrOutOfSpace is returned by the non-aborting Try* entry points when an
// Area cannot satisfy a request. The default Alloc/aborting entry points
// wrap this into a panic per spec.md §7's fatal-allocator-overflow contract.
var ErrOutOfSpace = errors.New("allocator: out of space")
