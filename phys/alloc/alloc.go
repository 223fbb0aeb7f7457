// Package alloc is the physical memory allocator front end. Page-sized,
// page-aligned requests are served from a list of slab allocators; everything
// else, and whatever the slabs cannot satisfy, goes to the heap.
package alloc

import (
	"errors"
	"fmt"

	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/phys"
	"github.com/joshuapare/physkit/phys/heap"
	"github.com/joshuapare/physkit/phys/memmap"
	"github.com/joshuapare/physkit/phys/slab"
)

// ErrAlloc is returned when memory cannot be found. It is the heap's error.
var ErrAlloc = heap.ErrAlloc

// ErrNotOwned is returned when freeing an address nobody handed out.
var ErrNotOwned = errors.New("alloc: address not owned by this allocator")

// AllMemAlloc hands out physical memory from a phys.Memory. It is safe for
// concurrent use and never blocks.
type AllMemAlloc struct {
	cfg   Config
	mem   *phys.Memory
	heap  *heap.Heap
	slabs slab.List
}

// New creates an allocator over mem. When mm is nil the whole of mem is
// treated as RAM. A nil cfg selects DefaultConfig.
func New(mem *phys.Memory, mm *memmap.Map, cfg *Config) (*AllMemAlloc, error) {
	c := DefaultConfig
	if cfg != nil {
		c = *cfg
	}
	if c.PageSize == 0 {
		c.PageSize = uint64(phys.HostPageSize())
	}
	if !buf.IsPow2(c.PageSize) {
		return nil, fmt.Errorf("alloc: page size %d is not a power of two", c.PageSize)
	}
	if c.SlabCount <= 0 || !buf.IsPow2(uint64(c.SlabCount)) {
		return nil, fmt.Errorf("alloc: slab count %d is not a power of two", c.SlabCount)
	}

	if mm == nil {
		if mem == nil {
			return nil, errors.New("alloc: need a memory map or backing memory")
		}
		mm = memmap.New()
		if err := mm.AddRegion(mem.Base(), mem.Size(), memmap.RAM, false); err != nil {
			return nil, fmt.Errorf("alloc: build memory map: %w", err)
		}
	}
	h, err := heap.New(mm, c.Heap)
	if err != nil {
		return nil, err
	}
	return &AllMemAlloc{cfg: c, mem: mem, heap: h}, nil
}

// PageSize returns the slab size.
func (a *AllMemAlloc) PageSize() uint64 { return a.cfg.PageSize }

// Heap exposes the underlying heap.
func (a *AllMemAlloc) Heap() *heap.Heap { return a.heap }

// Memory returns the simulated RAM blocks point into.
func (a *AllMemAlloc) Memory() *phys.Memory { return a.mem }

// SlabAllocators returns how many slab allocators have been created.
func (a *AllMemAlloc) SlabAllocators() int { return a.slabs.Len() }

// SlabArenaPages returns the number of pages held by all slab arenas.
func (a *AllMemAlloc) SlabArenaPages() int {
	pages := 0
	a.slabs.Each(func(s *slab.Allocator) bool {
		pages += s.Count()
		return true
	})
	return pages
}

// Malloc allocates size bytes aligned to align.
func (a *AllMemAlloc) Malloc(size, align uint64) (Block, error) {
	if align == 0 {
		align = 1
	}
	if size == 0 {
		return Block{Addr: align}, nil
	}
	if size == a.cfg.PageSize && align == a.cfg.PageSize {
		if b, ok := a.mallocSlab(); ok {
			return b, nil
		}
	}
	span, err := a.heap.Malloc(size, align)
	if err != nil {
		return Block{}, err
	}
	return a.wrap(span), nil
}

// MallocLow allocates size bytes aligned to align with every byte below
// 1<<maxBits. It never uses the slab tier.
func (a *AllMemAlloc) MallocLow(size, align uint64, maxBits uint) (Block, error) {
	if align == 0 {
		align = 1
	}
	if maxBits < 64 && align > uint64(1)<<maxBits {
		return Block{}, fmt.Errorf("%w: align 0x%x above 1<<%d", ErrAlloc, align, maxBits)
	}
	if size == 0 {
		return Block{Addr: align}, nil
	}
	span, err := a.heap.MallocLow(size, align, maxBits)
	if err != nil {
		return Block{}, err
	}
	return a.wrap(span), nil
}

// Reserve claims the exact RAM span [base, base+size).
func (a *AllMemAlloc) Reserve(base, size uint64) (Block, error) {
	span, err := a.heap.Reserve(base, size)
	if err != nil {
		return Block{}, err
	}
	return a.wrap(span), nil
}

// MMIO claims [base, base+size) of device address space so no other caller
// maps the same registers.
func (a *AllMemAlloc) MMIO(base, size uint64) (Block, error) {
	span, err := a.heap.ReserveMMIO(base, size)
	if err != nil {
		return Block{}, err
	}
	return a.wrap(span), nil
}

// Free releases b. Zero-sized blocks are ignored.
func (a *AllMemAlloc) Free(b Block) error {
	switch {
	case b.slab != nil:
		b.slab.Free(b.Addr)
	case b.span != nil:
		b.span.Free()
	case b.Size != 0:
		return a.FreeAddr(b.Addr)
	}
	return nil
}

// FreeAddr releases the block that starts at addr, whether it came from a
// slab or the heap.
func (a *AllMemAlloc) FreeAddr(addr uint64) error {
	if a.slabs.Free(addr) {
		return nil
	}
	if err := a.heap.Dealloc(addr); err != nil {
		return fmt.Errorf("%w: %w", ErrNotOwned, err)
	}
	return nil
}

// FreePtr releases the block whose memory starts at p.
func (a *AllMemAlloc) FreePtr(p []byte) error {
	if a.mem == nil {
		return ErrNotOwned
	}
	addr, ok := a.mem.AddrOf(p)
	if !ok {
		return fmt.Errorf("%w: pointer outside physical memory", ErrNotOwned)
	}
	return a.FreeAddr(addr)
}

func (a *AllMemAlloc) mallocSlab() (Block, bool) {
	for {
		base, owner, err := a.slabs.TryAlloc()
		if err == nil {
			return a.wrapSlab(base, owner), true
		}
		if !a.growSlabs() {
			return Block{}, false
		}
	}
}

// growSlabs builds a new slab allocator from one heap allocation, halving
// the page count until the heap can satisfy it.
func (a *AllMemAlloc) growSlabs() bool {
	page := a.cfg.PageSize
	for count := a.cfg.SlabCount; count >= 1; count /= 2 {
		arena, err := a.heap.Malloc(uint64(count)*page, page)
		if err != nil {
			continue
		}
		a.slabs.Prepend(slab.New(arena, count, page))
		if logAlloc {
			logger.Debug("alloc: new slab allocator", "base", arena.Base(), "pages", count)
		}
		return true
	}
	return false
}

func (a *AllMemAlloc) wrap(span *heap.Allocation) Block {
	return Block{Addr: span.Base(), Size: span.Size(), Data: a.bytes(span.Base(), span.Size()), span: span}
}

func (a *AllMemAlloc) wrapSlab(base uint64, owner *slab.Allocator) Block {
	size := owner.SlabSize()
	return Block{Addr: base, Size: size, Data: a.bytes(base, size), slab: owner}
}

func (a *AllMemAlloc) bytes(addr, size uint64) []byte {
	if a.mem == nil || !a.mem.Contains(addr, size) {
		return nil
	}
	return a.mem.MustSlice(addr, size)
}
