package alloc

import (
	"os"

	"github.com/joshuapare/physkit/phys/heap"
)

// Config controls the allocator front end.
type Config struct {
	// PageSize is the slab size and the unit the slab path serves. Zero
	// selects the host page size.
	PageSize uint64

	// SlabCount is the number of pages requested for each new slab
	// allocator. It is halved on failure down to one. Must be a power of two.
	SlabCount int

	// Heap configures the underlying heap. Nil selects heap.DefaultConfig.
	Heap *heap.Config
}

// DefaultConfig is used when New is given a nil config.
var DefaultConfig = Config{
	SlabCount: 64,
}

var logAlloc = os.Getenv("PHYS_LOG_ALLOC") != ""
