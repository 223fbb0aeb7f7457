package heap

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/logger"
)

const allSlots = math.MaxUint64

// MasterBlock is an arena of node slots. The static block (index 0) lives for
// the heap's lifetime; every other block is backed by a heap allocation of
// MasterBlockSize bytes and gives it back when all its slots are unused.
type MasterBlock struct {
	heap  *Heap
	index uint32
	nodes [NodesPerMasterBlock]Node
	used  atomic.Uint64

	// backing is nil for the static block.
	backing *Allocation
}

// newMasterBlock builds a block. Dynamic blocks start with every slot marked
// used; the caller opens them once they are counted.
func newMasterBlock(h *Heap, index uint32, backing *Allocation) *MasterBlock {
	mb := &MasterBlock{heap: h, index: index, backing: backing}
	if backing != nil {
		mb.used.Store(allSlots)
	}
	for i := range mb.nodes {
		mb.nodes[i].master = mb
		mb.nodes[i].handle = index*NodesPerMasterBlock + uint32(i) + 1
	}
	return mb
}

// Used returns the slot bitmap.
func (mb *MasterBlock) Used() uint64 { return mb.used.Load() }

// claimNode takes the lowest free slot, or returns nil when all 64 are in use.
func (mb *MasterBlock) claimNode() *Node {
	used := mb.used.Load()
	for used != allSlots {
		i := bits.TrailingZeros64(^used)
		mask := uint64(1) << i
		used = mb.used.Or(mask)
		if used&mask == 0 {
			return &mb.nodes[i]
		}
	}
	return nil
}

// unuseNode returns n's slot. Clearing the last bit gives the block a chance
// to release itself.
func (mb *MasterBlock) unuseNode(n *Node) {
	i := (n.handle - 1) % NodesPerMasterBlock
	if &mb.nodes[i] != n {
		panic("heap: node does not belong to this master block")
	}
	mask := uint64(1) << i
	old := mb.used.And(^mask)
	if old&mask == 0 {
		panic(fmt.Sprintf("heap: slot %d of master block %d was not in use", i, mb.index))
	}
	if old&^mask == 0 {
		mb.tryFree()
	}
}

// tryFree releases a dynamic master block whose slots are all unused,
// provided at least MaxVisitors spare slots remain elsewhere afterwards.
func (mb *MasterBlock) tryFree() bool {
	if mb.backing == nil {
		return false
	}
	h := mb.heap
	floor := int64(h.cfg.MaxVisitors)

	for {
		old := h.unusedSlots.Load()
		if old-NodesPerMasterBlock < floor {
			return false
		}
		if h.unusedSlots.CompareAndSwap(old, old-NodesPerMasterBlock) {
			break
		}
	}

	// Fill every slot so no claimant can sneak in while the block goes away.
	if !mb.used.CompareAndSwap(0, allSlots) {
		h.unusedSlots.Add(NodesPerMasterBlock)
		return false
	}

	h.masters[mb.index].Store(nil)
	h.masterCount.Add(-1)
	if logAlloc {
		logger.Debug("heap: released master block", "index", mb.index, "base", mb.backing.Base())
	}
	mb.backing.Free()
	return true
}

// releaseIdle offers every open dynamic block with no slot in use to tryFree.
// A block opened as a spare and never claimed from has no unuseNode call
// that would empty it, and its backing node pins every block before it.
func (h *Heap) releaseIdle() int {
	released := 0
	for i := len(h.masters) - 1; i > 0; i-- {
		mb := h.masters[i].Load()
		if mb == nil || mb.used.Load() != 0 {
			continue
		}
		if mb.tryFree() {
			released++
		}
	}
	return released
}
