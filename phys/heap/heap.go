package heap

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/internal/tagged"
	"github.com/joshuapare/physkit/phys/memmap"
)

// Heap is the physical span tracker. All methods are safe for concurrent use.
type Heap struct {
	cfg  Config
	mmap *memmap.Map
	ram  []memmap.Region

	head tagged.Pointer

	masters     []atomic.Pointer[MasterBlock]
	masterCount atomic.Int32

	expectedMallocSize atomic.Uint64
	visitors           atomic.Int32
	unusedSlots        atomic.Int64
}

// New creates a heap that allocates from the present RAM regions of mm. The
// map must not be modified afterwards. A nil cfg selects DefaultConfig.
func New(mm *memmap.Map, cfg *Config) (*Heap, error) {
	c := DefaultConfig
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:     c,
		mmap:    mm,
		ram:     mm.PresentRAM(),
		masters: make([]atomic.Pointer[MasterBlock], c.MaxMasterBlocks),
	}
	h.masters[0].Store(newMasterBlock(h, 0, nil))
	h.masterCount.Store(1)
	h.unusedSlots.Store(NodesPerMasterBlock)
	return h, nil
}

// Map returns the memory map the heap allocates from.
func (h *Heap) Map() *memmap.Map { return h.mmap }

// Allocation is ownership of one span. Free releases it; the span must not be
// used afterwards.
type Allocation struct {
	node  *Node
	base  uint64
	size  uint64
	freed atomic.Bool
}

// Base returns the first physical address of the span.
func (a *Allocation) Base() uint64 { return a.base }

// Size returns the span length.
func (a *Allocation) Size() uint64 { return a.size }

// Free releases the span. Calling it more than once is a no-op. Do not mix
// with Dealloc on the same span.
func (a *Allocation) Free() {
	if a.freed.CompareAndSwap(false, true) {
		a.node.free()
	}
}

// Malloc reserves size bytes of RAM aligned to align.
func (h *Heap) Malloc(size, align uint64) (*Allocation, error) {
	return h.mallocIn(size, align, h.ram)
}

// MallocLow is Malloc restricted to spans whose every byte lies below
// 1<<maxBits.
func (h *Heap) MallocLow(size, align uint64, maxBits uint) (*Allocation, error) {
	if maxBits >= 64 {
		return h.Malloc(size, align)
	}
	limit := uint64(1) << maxBits
	if align > limit {
		return nil, fmt.Errorf("%w: align 0x%x cannot fit below 0x%x", ErrAlloc, align, limit)
	}

	low := h.mmap.Clone()
	if err := low.RemoveRegion(limit, math.MaxUint64-limit+1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}
	a, err := h.mallocIn(size, align, low.PresentRAM())
	if err != nil {
		return nil, err
	}
	if end, ok := buf.AddU64(a.base, a.size); !ok || end > limit {
		a.Free()
		return nil, fmt.Errorf("%w: span escaped the low window", ErrAlloc)
	}
	return a, nil
}

// Reserve claims the exact span [base, base+size) of RAM.
func (h *Heap) Reserve(base, size uint64) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized reservation", ErrAlloc)
	}
	if _, ok := buf.AddU64(base, size-1); !ok {
		return nil, fmt.Errorf("%w: span wraps the address space", ErrAlloc)
	}
	r, ok := h.mmap.Find(base, memmap.RAM)
	if !ok || base+(size-1) > r.Last() {
		return nil, fmt.Errorf("%w: [0x%x, +0x%x) is not RAM", ErrAlloc, base, size)
	}
	if err := h.allocMasters(h.ram); err != nil {
		return nil, err
	}
	return h.allocate(base, size, false)
}

// ReserveMMIO claims [base, base+size) of device address space. The span
// only has to avoid other reservations.
func (h *Heap) ReserveMMIO(base, size uint64) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized reservation", ErrAlloc)
	}
	if _, ok := buf.AddU64(base, size); !ok {
		return nil, fmt.Errorf("%w: span wraps the address space", ErrAlloc)
	}
	if err := h.allocMasters(h.ram); err != nil {
		return nil, err
	}
	return h.allocate(base, size, false)
}

// Dealloc releases the block that starts at base. Prefer Allocation.Free.
func (h *Heap) Dealloc(base uint64) error {
	it := h.nodes()
	defer it.Close()
	for n := it.Next(); n != nil; n = it.Next() {
		if n.base > base {
			break
		}
		if n.base == base && !n.isMaster.Load() && n.free() {
			return nil
		}
	}
	return fmt.Errorf("%w: 0x%x", ErrNotAllocated, base)
}

func (h *Heap) mallocIn(size, align uint64, regions []memmap.Region) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized allocation", ErrAlloc)
	}
	if align == 0 {
		align = 1
	}
	h.expectedMallocSize.Store(size)

	for {
		if err := h.allocMasters(h.ram); err != nil {
			return nil, err
		}
		base, err := h.findBestBase(size, align, regions)
		if err != nil {
			return nil, err
		}
		if a, err := h.allocate(base, size, false); err == nil {
			return a, nil
		}
	}
}

// allocate claims a slot and links a node for [base, base+size). Ordinary
// allocations leave MaxVisitors spare slots untouched; master block
// allocations may dip into them.
func (h *Heap) allocate(base, size uint64, forMaster bool) (*Allocation, error) {
	floor := int64(h.cfg.MaxVisitors)
	if forMaster {
		floor = 0
	}
	for !h.reserveSlot(floor) {
		if !forMaster {
			if err := h.allocMasters(h.ram); err != nil {
				return nil, err
			}
		}
		runtime.Gosched()
	}

	n := h.claimSlot()
	n.reset(base, size)
	if err := h.addToList(n); err != nil {
		h.unusedSlots.Add(1)
		n.master.unuseNode(n)
		return nil, err
	}
	return &Allocation{node: n, base: base, size: size}, nil
}

// reserveSlot takes one spare slot if more than floor remain.
func (h *Heap) reserveSlot(floor int64) bool {
	for {
		v := h.unusedSlots.Load()
		if v <= floor {
			return false
		}
		if h.unusedSlots.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// claimSlot finds a free slot. A successful reserveSlot guarantees one
// exists, though a full pass may miss it while other goroutines churn.
func (h *Heap) claimSlot() *Node {
	for {
		for i := range h.masters {
			mb := h.masters[i].Load()
			if mb == nil {
				continue
			}
			if n := mb.claimNode(); n != nil {
				return n
			}
		}
		runtime.Gosched()
	}
}

// allocMasters grows the node arena until more than MaxVisitors spare slots exist.
func (h *Heap) allocMasters(regions []memmap.Region) error {
	for h.unusedSlots.Load() <= int64(h.cfg.MaxVisitors) {
		var backing *Allocation
		for {
			base, err := h.findBestBase(MasterBlockSize, MasterBlockAlign, regions)
			if err != nil {
				return err
			}
			if a, err := h.allocate(base, MasterBlockSize, true); err == nil {
				backing = a
				break
			}
		}

		mb := h.registerMaster(backing)
		if mb == nil {
			backing.Free()
			return fmt.Errorf("%w: master block table full", ErrAlloc)
		}
		backing.node.isMaster.Store(true)
		// The block was registered full; count its slots before opening them
		// so tryFree never sees an empty block that is not yet accounted for.
		h.unusedSlots.Add(NodesPerMasterBlock)
		mb.used.Store(0)
		if logAlloc {
			logger.Debug("heap: new master block", "index", mb.index, "base", backing.base)
		}
	}
	return nil
}

func (h *Heap) registerMaster(backing *Allocation) *MasterBlock {
	for i := 1; i < len(h.masters); i++ {
		if h.masters[i].Load() != nil {
			continue
		}
		mb := newMasterBlock(h, uint32(i), backing)
		if h.masters[i].CompareAndSwap(nil, mb) {
			h.masterCount.Add(1)
			return mb
		}
	}
	return nil
}

// findBestBase picks the aligned gap that best fits size bytes.
func (h *Heap) findBestBase(size, align uint64, regions []memmap.Region) (uint64, error) {
	var (
		bestBase  uint64
		bestScore uint64 = math.MaxUint64
		found     bool
	)

	it := h.nodes()
	defer it.Close()
	next := it.Next()

	for _, r := range regions {
		pos := r.Base
		for {
			// Skip nodes that end before pos.
			for next != nil && next.Last() < pos {
				next = it.Next()
			}

			hi := r.Last()
			if next != nil && next.base <= hi {
				if next.base <= pos {
					// pos is inside an allocated span.
					if next.Last() >= hi {
						break
					}
					pos = next.Last() + 1
					next = it.Next()
					continue
				}
				hi = next.base - 1
			}

			if base, free, ok := fitGap(pos, hi, align, size); ok {
				if free == size {
					return base, nil
				}
				score := h.fitScore(size, free)
				if score <= bestScore {
					bestBase, bestScore, found = base, score, true
				}
			}

			if hi == r.Last() {
				break
			}
			// hi+1 is the start of next; continue after it.
			if next.Last() >= r.Last() {
				break
			}
			pos = next.Last() + 1
			next = it.Next()
		}
	}

	if !found {
		return 0, fmt.Errorf("%w: no gap of 0x%x bytes aligned to 0x%x", ErrAlloc, size, align)
	}
	return bestBase, nil
}

// fitGap aligns the free range [lo, hi] and reports where size bytes could
// start and how much room the aligned gap has. Address 0 is never used.
func fitGap(lo, hi, align, size uint64) (base, free uint64, ok bool) {
	base = buf.AlignUp(lo, align)
	if base < lo {
		return 0, 0, false
	}
	if base == 0 {
		if align > hi {
			return 0, 0, false
		}
		base = align
	}
	if base > hi {
		return 0, 0, false
	}
	free = hi - base + 1
	return base, free, free >= size
}

// fitScore rates how well a request fits a gap; lower is better. The
// leftover space is compared against the size of recent requests so that
// remainders stay useful.
func (h *Heap) fitScore(size, free uint64) uint64 {
	expected := h.expectedMallocSize.Load()
	if expected == 0 {
		return 0
	}
	score := (free - size) % expected
	return min(score, expected-score)
}
