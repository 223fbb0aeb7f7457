package slab

import (
	"runtime"
	"sync/atomic"
)

type listNode struct {
	alloc *Allocator
	next  *listNode
}

// List is a lock-free singly linked list of allocators. New allocators are
// prepended; nothing is ever unlinked.
type List struct {
	head atomic.Pointer[listNode]
	n    atomic.Int32
}

// Prepend publishes a at the front of the list.
func (l *List) Prepend(a *Allocator) {
	n := &listNode{alloc: a}
	for {
		old := l.head.Load()
		n.next = old
		if l.head.CompareAndSwap(old, n) {
			l.n.Add(1)
			return
		}
	}
}

// Len returns the number of allocators in the list.
func (l *List) Len() int { return int(l.n.Load()) }

// Each calls fn for every allocator, newest first, until fn returns false.
func (l *List) Each(fn func(*Allocator) bool) {
	for n := l.head.Load(); n != nil; n = n.next {
		if !fn(n.alloc) {
			return
		}
	}
}

// TryAlloc tries each allocator once. Busy allocators are revisited until
// every allocator has reported ErrSlabEmpty or one succeeds.
func (l *List) TryAlloc() (uint64, *Allocator, error) {
	for {
		busy := false
		for n := l.head.Load(); n != nil; n = n.next {
			base, err := n.alloc.TryAlloc()
			switch err {
			case nil:
				return base, n.alloc, nil
			case ErrSlabBusy:
				busy = true
			}
		}
		if !busy {
			return 0, nil, ErrSlabEmpty
		}
		runtime.Gosched()
	}
}

// Owner returns the allocator that owns the slab at base, or nil.
func (l *List) Owner(base uint64) *Allocator {
	for n := l.head.Load(); n != nil; n = n.next {
		if n.alloc.OwnsSlab(base) {
			return n.alloc
		}
	}
	return nil
}

// Free returns base to its owner. It reports false when no allocator in the
// list owns base.
func (l *List) Free(base uint64) bool {
	a := l.Owner(base)
	if a == nil {
		return false
	}
	a.Free(base)
	return true
}
