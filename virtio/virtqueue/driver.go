package virtqueue

import (
	"runtime"
	"sync/atomic"
)

// Per-slot publication marks, kept in host memory.
const (
	markProtected uint32 = 1 << iota // claimed, not yet revealed to the device
	markUpdated                      // head written, waiting for idx to cover it
)

// DriverRing is the available ring. Any number of goroutines may publish at
// once; idx only ever moves over a contiguous run of written slots.
//
// Publishing claims slot next_idx by marking it protected, which is only
// possible once the previous lap's entry in that slot has been revealed, so a
// writer can never overtake an unrevealed entry. The claim also advances a
// descriptor cursor in the same CAS; IN_ORDER queues take their descriptor
// runs from it, so ring order and descriptor order cannot diverge. After
// writing the head the publisher marks the slot updated. Whoever finds its own
// slot at idx walks forward over updated slots, advances idx once for the
// run, then clears the marks and looks again in case a neighbour finished
// meanwhile.
//
//	0x00       u16 flags
//	0x02       u16 idx
//	0x04+2*i   u16 ring[i]
//	0x04+2*len u16 used_event
type DriverRing struct {
	mem    []byte
	n      int
	legacy bool

	// next holds next_idx in the low half and the descriptor cursor in the
	// high half.
	next  atomic.Uint64
	marks []atomic.Uint32
}

func newDriverRing(mem []byte, n int, legacy bool, flags uint16) *DriverRing {
	r := &DriverRing{
		mem:    mem[:DriverRingSpan(n)],
		n:      n,
		legacy: legacy,
		marks:  make([]atomic.Uint32, n),
	}
	clear(r.mem)
	store16(r.mem, ringFlagsOff, flags, legacy)
	return r
}

// Len returns the number of ring entries.
func (r *DriverRing) Len() int { return r.n }

// Flags returns the driver flags.
func (r *DriverRing) Flags() uint16 { return load16(r.mem, ringFlagsOff, r.legacy) }

// Idx returns the device-visible publication index.
func (r *DriverRing) Idx() uint16 { return load16(r.mem, ringIdxOff, r.legacy) }

// Entry returns the head stored in ring slot i.
func (r *DriverRing) Entry(i int) uint16 { return load16(r.mem, DriverEntryOffset(i), r.legacy) }

// UsedEvent returns the used_event field.
func (r *DriverRing) UsedEvent() uint16 { return load16(r.mem, UsedEventOffset(r.n), r.legacy) }

func (r *DriverRing) setUsedEvent(v uint16) { store16(r.mem, UsedEventOffset(r.n), v, r.legacy) }

func (r *DriverRing) addIdx(steps uint16) {
	for {
		old := r.Idx()
		if cas16(r.mem, ringIdxOff, old, old+steps, r.legacy) {
			return
		}
	}
}

// SetNextEntry publishes head. It returns the ring index the entry was
// written at and how many entries, its own and any neighbours', this call
// revealed to the device. A publisher whose entry is revealed by someone
// else gets zero.
func (r *DriverRing) SetNextEntry(head uint16) (idx, revealed uint16) {
	n, _ := r.claim(0)
	return n, r.publish(n, head)
}

// publish writes head into slot n, obtained from claim, and reveals what it
// can.
func (r *DriverRing) publish(n, head uint16) (revealed uint16) {
	slot := int(n) % r.n
	store16(r.mem, DriverEntryOffset(slot), head, r.legacy)
	r.marks[slot].Store(markProtected | markUpdated)

	if n != r.Idx() {
		return 0
	}

	pos := n
	for {
		start := pos
		for r.marks[int(pos)%r.n].CompareAndSwap(markProtected|markUpdated, markProtected) {
			pos++
		}
		steps := pos - start
		if steps == 0 {
			break
		}
		r.addIdx(steps)
		for i := start; i != pos; i++ {
			r.marks[int(i)%r.n].Store(0)
		}
		revealed += steps

		if r.marks[int(pos)%r.n].Load() != markProtected|markUpdated {
			break
		}
	}
	return revealed
}

// claim reserves the next publication index and moves the descriptor cursor
// forward by descs. It returns the index and the cursor before the move.
func (r *DriverRing) claim(descs uint16) (idx, cursor uint16) {
	for {
		s := r.next.Load()
		n, cur := uint16(s), uint16(s>>32)
		m := &r.marks[int(n)%r.n]
		if !m.CompareAndSwap(0, markProtected) {
			runtime.Gosched()
			continue
		}
		if r.next.CompareAndSwap(s, uint64(cur+descs)<<32|uint64(n+1)) {
			return n, cur
		}
		m.Store(0)
	}
}
