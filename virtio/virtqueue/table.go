package virtqueue

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/tagged"
)

// DescriptorTable is the pool of buffer descriptors. Free descriptors are
// counted by freeDescs, which is reserved before any index is claimed so
// claiming never waits. Without IN_ORDER the free indices form a stack whose
// head carries a tag; with IN_ORDER they are handed out round-robin from the
// driver ring's descriptor cursor.
type DescriptorTable struct {
	mem     []byte
	n       int
	legacy  bool
	inOrder bool

	freeDescs atomic.Int32

	// Handles are index+1 so the zero handle ends the list.
	freeHead tagged.Pointer
	freeNext []atomic.Uint32
}

func newDescriptorTable(mem []byte, n int, legacy, inOrder bool) *DescriptorTable {
	t := &DescriptorTable{
		mem:      mem[:DescriptorSize*n],
		n:        n,
		legacy:   legacy,
		inOrder:  inOrder,
		freeNext: make([]atomic.Uint32, n),
	}
	for i := range n {
		// Unused descriptors point at their successor. The device ignores
		// them but it keeps dumps readable.
		t.put(uint16(i), Descriptor{Next: uint16((i + 1) % n)})
		if i+1 < n {
			t.freeNext[i].Store(uint32(i + 2))
		}
	}
	t.freeHead.Store(tagged.Value{Handle: 1})
	t.freeDescs.Store(int32(n))
	return t
}

// Len returns the number of descriptors.
func (t *DescriptorTable) Len() int { return t.n }

// Free returns the number of descriptors no chain holds. It may
// undercount while chains are being built.
func (t *DescriptorTable) Free() int { return int(t.freeDescs.Load()) }

// Get decodes descriptor i.
func (t *DescriptorTable) Get(i uint16) Descriptor {
	off := int(i) * DescriptorSize
	return ReadDescriptor(t.mem[off:off+DescriptorSize], t.legacy)
}

func (t *DescriptorTable) put(i uint16, d Descriptor) {
	off := int(i) * DescriptorSize
	PutDescriptor(t.mem[off:off+DescriptorSize], d, t.legacy)
}

// reserve takes k descriptors from the free count. Retry means fewer than k
// are free and nothing was taken.
func (t *DescriptorTable) reserve(k int) Result {
	if k > t.n {
		return Result{Status: Err, Err: fmt.Errorf("%w: %d > %d", ErrChainTooLong, k, t.n)}
	}
	for {
		free := t.freeDescs.Load()
		if free < int32(k) {
			return Result{Status: Retry}
		}
		if t.freeDescs.CompareAndSwap(free, free-int32(k)) {
			return Result{Status: Ok}
		}
	}
}

// makeChain fills indices with free descriptors linked in order. Every
// descriptor but the last gets DescNext; no buffers are attached. IN_ORDER
// tables use reserve and fillRun instead.
func (t *DescriptorTable) makeChain(indices []uint16) Result {
	if t.inOrder {
		panic("virtqueue: IN_ORDER chains are claimed with the driver ring slot")
	}
	if len(indices) == 0 {
		return Result{Status: Ok}
	}
	if r := t.reserve(len(indices)); r.Status != Ok {
		return r
	}
	for i := range indices {
		indices[i] = t.pop()
	}
	t.link(indices)
	return Result{Status: Ok}
}

// fillRun is makeChain for IN_ORDER tables: after a successful reserve the
// chain is the run of descriptors starting at first.
func (t *DescriptorTable) fillRun(indices []uint16, first uint16) {
	for i := range indices {
		indices[i] = uint16((int(first) + i) % t.n)
	}
	t.link(indices)
}

func (t *DescriptorTable) link(indices []uint16) {
	k := len(indices)
	for i := 0; i < k-1; i++ {
		t.put(indices[i], Descriptor{Flags: DescNext, Next: indices[i+1]})
	}
	t.put(indices[k-1], Descriptor{})
}

func (t *DescriptorTable) pop() uint16 {
	for {
		head := t.freeHead.Load()
		if head.IsNil() {
			panic("virtqueue: descriptor free list empty after a successful reservation")
		}
		next := t.freeNext[head.Handle-1].Load()
		if t.freeHead.CompareAndSwap(head, tagged.Value{Handle: next, Tag: head.Tag + tagged.Step}) {
			return uint16(head.Handle - 1)
		}
	}
}

// dealloc returns a chain. indices must be the chain in order.
func (t *DescriptorTable) dealloc(indices []uint16) {
	k := len(indices)
	if k == 0 {
		return
	}
	if !t.inOrder {
		for i := 0; i < k-1; i++ {
			t.freeNext[indices[i]].Store(uint32(indices[i+1]) + 1)
		}
		tail := &t.freeNext[indices[k-1]]
		for {
			head := t.freeHead.Load()
			tail.Store(head.Handle)
			if t.freeHead.CompareAndSwap(head, tagged.Value{Handle: uint32(indices[0]) + 1, Tag: head.Tag + tagged.Step}) {
				break
			}
		}
	}
	if t.freeDescs.Add(int32(k)) > int32(t.n) {
		panic("virtqueue: more descriptors freed than the table holds")
	}
}
