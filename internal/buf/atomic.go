package buf

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The helpers below access naturally aligned words inside byte slices that are
// shared with another agent (a device, or another goroutine acting as one).
// Values are stored in CPU order; callers apply Swap* for device order.
// Misaligned or out-of-range offsets panic since they indicate a layout bug.

func wordPtr32(b []byte, off int) *uint32 {
	if off&3 != 0 || !Has(b, off, 4) {
		panic(fmt.Sprintf("buf: bad 32-bit access at offset %d (len %d)", off, len(b)))
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)&3 != 0 {
		panic("buf: shared slice is not 4-byte aligned")
	}
	return (*uint32)(unsafe.Add(p, off))
}

// shift16 returns the bit position of the 16-bit half at off within its
// enclosing 32-bit word.
func shift16(off int) uint {
	if off&1 != 0 {
		panic(fmt.Sprintf("buf: bad 16-bit access at offset %d", off))
	}
	if hostLittle {
		return uint(off&2) * 8
	}
	return uint(2-off&2) * 8
}

// Load16 atomically reads the uint16 at off.
func Load16(b []byte, off int) uint16 {
	w := atomic.LoadUint32(wordPtr32(b, off&^3))
	return uint16(w >> shift16(off))
}

// CompareAndSwap16 atomically replaces old with new at off. Go has no 16-bit
// atomics, so the enclosing 32-bit word is swapped and the neighbouring half
// retried if it changed underneath.
func CompareAndSwap16(b []byte, off int, old, new uint16) bool {
	p := wordPtr32(b, off&^3)
	sh := shift16(off)
	mask := uint32(0xffff) << sh
	for {
		w := atomic.LoadUint32(p)
		if uint16(w>>sh) != old {
			return false
		}
		nw := w&^mask | uint32(new)<<sh
		if atomic.CompareAndSwapUint32(p, w, nw) {
			return true
		}
	}
}

// Store16 atomically writes v at off.
func Store16(b []byte, off int, v uint16) {
	for {
		old := Load16(b, off)
		if CompareAndSwap16(b, off, old, v) {
			return
		}
	}
}

// Load32 atomically reads the uint32 at off.
func Load32(b []byte, off int) uint32 { return atomic.LoadUint32(wordPtr32(b, off)) }

// Store32 atomically writes v at off.
func Store32(b []byte, off int, v uint32) { atomic.StoreUint32(wordPtr32(b, off), v) }
