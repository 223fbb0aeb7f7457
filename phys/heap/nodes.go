package heap

import (
	"runtime"

	"github.com/joshuapare/physkit/internal/tagged"
)

// Nodes walks the list in increasing base order. While walking it unlinks
// nodes marked as freeing whenever it holds their only reference; freeing
// nodes it cannot unlink are still yielded. The node returned by Next stays
// valid until the following call to Next or Close.
//
// At most Config.MaxVisitors iterators exist at once; creating another spins
// until one closes. Always Close an iterator.
type Nodes struct {
	h        *Heap
	prev     *Node
	lastBase uint64
	started  bool
	closed   bool
}

// nodes opens an iterator.
func (h *Heap) nodes() *Nodes {
	limit := int32(h.cfg.MaxVisitors)
	for {
		v := h.visitors.Load()
		if v < limit && h.visitors.CompareAndSwap(v, v+1) {
			break
		}
		runtime.Gosched()
	}
	return &Nodes{h: h}
}

func (it *Nodes) link() *tagged.Pointer {
	if it.prev == nil {
		return &it.h.head
	}
	return &it.prev.next
}

// Next returns the next node, or nil at the end of the list.
func (it *Nodes) Next() *Node {
	if it.closed {
		return nil
	}
	for {
		link := it.link()
		cur, _ := it.h.acquire(link)
		if cur == nil {
			return nil
		}
		if cur.freeing.Load() && it.h.tryRemoveFromList(cur, link) {
			continue
		}

		if it.prev != nil {
			it.prev.release()
		}
		it.prev = cur

		if it.started && cur.base <= it.lastBase {
			continue
		}
		it.started = true
		it.lastBase = cur.base
		return cur
	}
}

// Close releases the iterator's reference and visitor slot.
func (it *Nodes) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.prev != nil {
		it.prev.release()
		it.prev = nil
	}
	it.h.visitors.Add(-1)
}
