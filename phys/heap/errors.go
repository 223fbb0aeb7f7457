package heap

import "errors"

var (
	// ErrAlloc is returned when no suitable span could be reserved.
	ErrAlloc = errors.New("heap: allocation failed")

	// ErrNotAllocated is returned by Dealloc when no live block starts at the address.
	ErrNotAllocated = errors.New("heap: no block allocated at address")

	// ErrBadConfig is returned by New for unusable configurations.
	ErrBadConfig = errors.New("heap: invalid configuration")

	// ErrCorrupt is returned by Validate when the node list breaks an invariant.
	ErrCorrupt = errors.New("heap: node list corrupt")
)
