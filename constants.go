package orbit

import "github.com/behrlich/orbit/internal/constants"

// Re-exported size limits and defaults from spec.md §6, so callers never
// need to import internal/constants directly.
const (
	// ArgSizeMax bounds the arg blob copied into a task by value.
	ArgSizeMax = constants.ArgSizeMax

	// OrbitBufferMax bounds a single update record's out-of-line payload.
	OrbitBufferMax = constants.OrbitBufferMax

	// BlockSize is the bitmap allocator's allocation granularity.
	BlockSize = constants.BlockSize

	// PageSize is the unit of snapshot and mmap granularity.
	PageSize = constants.PageSize

	// BlocksPerPage is how many BlockSize blocks fit in one PageSize page.
	BlocksPerPage = constants.BlocksPerPage

	// NameLen is the maximum orbit name length.
	NameLen = constants.NameLen

	// InlineDataMax is the size of a record's inline small-data field.
	InlineDataMax = constants.InlineDataMax

	// AnonymousName is the default orbit name when none is supplied.
	AnonymousName = constants.AnonymousName

	// DefaultTaskQueueDepth is the default per-orbit task queue depth. The
	// task queue does not enforce it: CallAsync never blocks or drops a call
	// because of queue length, and Skip*/Cancel* rules apply at any depth.
	DefaultTaskQueueDepth = constants.DefaultTaskQueueDepth

	// DefaultAreaSize is a suggested Area size. NewArea does not substitute
	// it for a missing size; a size of 0 is rejected.
	DefaultAreaSize = constants.DefaultAreaSize
)
