package heap

import (
	"fmt"
	"math/bits"
)

// Block is a point-in-time view of one node.
type Block struct {
	Base    uint64
	Size    uint64
	Master  bool
	Freeing bool
}

// Stats summarises the heap.
type Stats struct {
	Blocks       int    // live, non-master blocks
	Bytes        uint64 // bytes in live, non-master blocks
	Pending      int    // blocks freed but not yet unlinked
	MasterBlocks int    // including the static block
	UnusedSlots  int64
	Visitors     int32
}

// Walk calls fn for each node in address order until fn returns false.
// Walking also unlinks freed nodes it can prove unreferenced.
func (h *Heap) Walk(fn func(Block) bool) {
	it := h.nodes()
	defer it.Close()
	for n := it.Next(); n != nil; n = it.Next() {
		b := Block{Base: n.base, Size: n.size, Master: n.isMaster.Load(), Freeing: n.freeing.Load()}
		if !fn(b) {
			return
		}
	}
}

// Collect makes one pass over the list, unlinking what it can, then
// releases master blocks that hold no nodes. It reports how many nodes the
// pass saw. Releasing a block frees its backing span, which a later pass
// unlinks, so callers that want the heap fully compacted repeat until the
// count stops changing.
func (h *Heap) Collect() int {
	count := 0
	h.Walk(func(Block) bool {
		count++
		return true
	})
	h.releaseIdle()
	return count
}

// Stats walks the list and reports counters.
func (h *Heap) Stats() Stats {
	var s Stats
	h.Walk(func(b Block) bool {
		switch {
		case b.Freeing:
			s.Pending++
		case b.Master:
		default:
			s.Blocks++
			s.Bytes += b.Size
		}
		return true
	})
	s.MasterBlocks = int(h.masterCount.Load())
	s.UnusedSlots = h.unusedSlots.Load()
	s.Visitors = h.visitors.Load()
	return s
}

// Validate checks list ordering and slot accounting. The accounting check is
// only meaningful while no other goroutine is using the heap.
func (h *Heap) Validate() error {
	var (
		prevLast uint64
		first    = true
		err      error
		linked   int
	)
	h.Walk(func(b Block) bool {
		linked++
		if !first && b.Base <= prevLast {
			err = fmt.Errorf("%w: block 0x%x overlaps or precedes the block ending at 0x%x", ErrCorrupt, b.Base, prevLast)
			return false
		}
		first = false
		prevLast = b.Base + (b.Size - 1)
		return true
	})
	if err != nil {
		return err
	}

	free, used := 0, 0
	for i := range h.masters {
		if mb := h.masters[i].Load(); mb != nil {
			u := bits.OnesCount64(mb.used.Load())
			used += u
			free += NodesPerMasterBlock - u
		}
	}
	if int64(free) != h.unusedSlots.Load() {
		return fmt.Errorf("%w: %d free slots but %d accounted", ErrCorrupt, free, h.unusedSlots.Load())
	}
	if used != linked {
		return fmt.Errorf("%w: %d slots in use but %d nodes linked", ErrCorrupt, used, linked)
	}
	return nil
}
