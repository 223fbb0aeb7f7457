package heap

import (
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/tagged"
)

// Node describes one allocated span. base and size are written before the
// node is linked and never change while it is reachable.
type Node struct {
	next        tagged.Pointer
	droppedRefs atomic.Uint32

	base uint64
	size uint64

	freeing  atomic.Bool
	isMaster atomic.Bool

	master *MasterBlock
	handle uint32
}

// Base returns the first address of the span.
func (n *Node) Base() uint64 { return n.base }

// Size returns the span length in bytes.
func (n *Node) Size() uint64 { return n.size }

// Last returns the address of the final byte of the span.
func (n *Node) Last() uint64 { return n.base + (n.size - 1) }

// Freeing reports whether the span has been released but not yet unlinked.
func (n *Node) Freeing() bool { return n.freeing.Load() }

// IsMaster reports whether the span backs a master block.
func (n *Node) IsMaster() bool { return n.isMaster.Load() }

// reset prepares a freshly claimed slot.
func (n *Node) reset(base, size uint64) {
	n.base = base
	n.size = size
	n.freeing.Store(false)
	n.isMaster.Store(false)
	n.droppedRefs.Store(0)
	n.next.Store(tagged.Value{})
}

// free marks the node for lazy removal. It reports false if the node was
// already being freed.
func (n *Node) free() bool {
	return n.freeing.CompareAndSwap(false, true)
}

// release drops one reference taken through acquire.
func (n *Node) release() {
	n.droppedRefs.Add(tagged.Step)
}

// overlaps reports whether [base, base+size) intersects the node's span.
func (n *Node) overlaps(base, size uint64) bool {
	last := base + (size - 1)
	return base <= n.Last() && n.base <= last
}

// acquire follows p, taking a reference on the node it points to. The
// returned snapshot already includes that reference.
func (h *Heap) acquire(p *tagged.Pointer) (*Node, tagged.Value) {
	v := p.FetchAddTag(tagged.Step)
	if v.IsNil() {
		return nil, v
	}
	return h.resolve(v.Handle), v
}

// resolve maps a slot handle to its node.
func (h *Heap) resolve(handle uint32) *Node {
	idx := handle - 1
	mb := h.masters[idx/NodesPerMasterBlock].Load()
	if mb == nil {
		panic("heap: handle refers to a released master block")
	}
	return &mb.nodes[idx%NodesPerMasterBlock]
}

// addToList links n into the list at its address-ordered position. It fails
// with ErrAlloc if n's span overlaps a node already in the list.
func (h *Heap) addToList(n *Node) error {
	for {
		var prev *Node
		link := &h.head
		cur, snap := h.acquire(link)
		for cur != nil && cur.base < n.base {
			if prev != nil {
				prev.release()
			}
			prev = cur
			link = &cur.next
			cur, snap = h.acquire(link)
		}

		var err error
		linked := false
		switch {
		case prev != nil && prev.overlaps(n.base, n.size):
			err = ErrAlloc
		case cur != nil && cur.overlaps(n.base, n.size):
			err = ErrAlloc
		default:
			// The snapshot's tag carries every reference counted against cur,
			// including ours, so it moves into n.next intact.
			n.next.Store(snap)
			linked = link.CompareAndSwap(snap, tagged.Value{Handle: n.handle})
		}

		if cur != nil {
			cur.release()
		}
		if prev != nil {
			prev.release()
		}
		if err != nil || linked {
			return err
		}
	}
}

// tryRemoveFromList unlinks n if the caller holds the only reference to it.
// earlier must be a link that precedes n and whose owner the caller also
// holds (or the list head). On success the caller's reference is consumed
// and the slot is returned to its master block; on failure nothing changes.
func (h *Heap) tryRemoveFromList(n *Node, earlier *tagged.Pointer) bool {
	var held *Node
	link := earlier
	var snap tagged.Value
	for {
		cur, s := h.acquire(link)
		if cur == nil {
			panic("heap: node missing from list during removal")
		}
		if cur == n {
			cur.release()
			snap = s
			break
		}
		if held != nil {
			held.release()
		}
		held = cur
		link = &cur.next
	}
	defer func() {
		if held != nil {
			held.release()
		}
	}()

	// The walk's own reference was released above, so a sole owner leaves
	// exactly one unit between the link's tag and droppedRefs.
	if snap.Tag != n.droppedRefs.Load()+tagged.Step {
		return false
	}
	if !link.CompareAndSwap(snap, n.next.Load()) {
		return false
	}

	h.unusedSlots.Add(1)
	n.master.unuseNode(n)
	return true
}
