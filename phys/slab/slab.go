// Package slab hands out fixed-size blocks in constant time from a
// preallocated arena. The physical allocator keeps a List of these in front of
// the general heap for page-sized requests.
package slab

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/buf"
)

var (
	// ErrSlabEmpty means the allocator has no free slab. Try another one.
	ErrSlabEmpty = errors.New("slab: allocator is empty")

	// ErrSlabBusy means another goroutine is allocating from this allocator.
	// Retrying this allocator or moving to the next one are both fine.
	ErrSlabBusy = errors.New("slab: allocator is busy")
)

const usedSlab = math.MaxUint64

// Arena is the memory a slab allocator carves up. *heap.Allocation
// satisfies it.
type Arena interface {
	Base() uint64
	Size() uint64
	Free()
}

// Allocator divides an arena into equal slabs. Frees are wait-free;
// allocations never block but can fail with ErrSlabBusy.
type Allocator struct {
	arena    Arena
	slabSize uint64
	slots    []atomic.Uint64

	// firstFree is only touched while busy is held.
	busy      atomic.Bool
	firstFree uint64
	firstUsed atomic.Uint64
}

// New splits arena into count slabs of slabSize bytes. count must be a power
// of two and the arena exactly count*slabSize bytes long. Slabs share the
// arena's alignment.
func New(arena Arena, count int, slabSize uint64) *Allocator {
	if count <= 0 || !buf.IsPow2(uint64(count)) {
		panic(fmt.Sprintf("slab: count %d is not a power of two", count))
	}
	if slabSize == 0 || arena.Size() != slabSize*uint64(count) {
		panic(fmt.Sprintf("slab: arena of %d bytes can't hold %d slabs of %d bytes", arena.Size(), count, slabSize))
	}
	a := &Allocator{
		arena:    arena,
		slabSize: slabSize,
		slots:    make([]atomic.Uint64, count),
	}
	for i := range a.slots {
		a.slots[i].Store(arena.Base() + uint64(i)*slabSize)
	}
	return a
}

// SlabSize returns the size of each slab.
func (a *Allocator) SlabSize() uint64 { return a.slabSize }

// Count returns the number of slabs in the arena.
func (a *Allocator) Count() int { return len(a.slots) }

// TryAlloc takes one slab and returns its address.
func (a *Allocator) TryAlloc() (uint64, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return 0, ErrSlabBusy
	}
	defer a.busy.Store(false)

	mask := uint64(len(a.slots) - 1)
	base := a.slots[a.firstFree&mask].Swap(usedSlab)
	if base == usedSlab {
		return 0, ErrSlabEmpty
	}
	a.firstFree++
	return base, nil
}

// Free returns a slab. It panics if base is not one of this allocator's
// slabs or if more slabs come back than were handed out.
func (a *Allocator) Free(base uint64) {
	if !a.OwnsSlab(base) {
		panic(fmt.Sprintf("slab: 0x%x is not a slab of this allocator", base))
	}
	mask := uint64(len(a.slots) - 1)
	i := (a.firstUsed.Add(1) - 1) & mask
	if old := a.slots[i].Swap(base); old != usedSlab {
		panic(fmt.Sprintf("slab: allocator overflowed freeing 0x%x", base))
	}
}

// OwnsSlab reports whether base is the start of one of this allocator's slabs.
func (a *Allocator) OwnsSlab(base uint64) bool {
	start := a.arena.Base()
	return base >= start && base-start < a.arena.Size() && (base-start)%a.slabSize == 0
}

// Release gives the arena back. Every slab must have been freed first.
func (a *Allocator) Release() {
	a.arena.Free()
}
