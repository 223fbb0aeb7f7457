package alloc

import (
	"github.com/joshuapare/physkit/phys/heap"
	"github.com/joshuapare/physkit/phys/slab"
)

// Block is an owned span of physical memory. Data aliases the simulated RAM
// behind the span and is nil for zero-sized blocks and for device ranges.
type Block struct {
	Addr uint64
	Size uint64
	Data []byte

	span *heap.Allocation
	slab *slab.Allocator
}

// PhysAddr returns the physical address of the first byte.
func (b Block) PhysAddr() uint64 { return b.Addr }

// Len returns the size of the block in bytes.
func (b Block) Len() uint64 { return b.Size }

// Bytes returns the memory behind the block.
func (b Block) Bytes() []byte { return b.Data }

// IsZero reports whether the block owns nothing.
func (b Block) IsZero() bool { return b.span == nil && b.slab == nil }

// FromSlab reports whether the block came from the slab tier.
func (b Block) FromSlab() bool { return b.slab != nil }
