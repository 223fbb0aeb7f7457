// Package buf contains byte-level helpers shared by the heap and the virtqueue
// code: endian-safe decoding, device byte order selection, bounds checks, and
// atomic access to words that live inside shared byte slices.
package buf

import (
	"encoding/binary"
	"math/bits"
)

// U32LE reads a little-endian uint32 from b. Returns 0 when b is too short.
func U32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// hostLittle is true when the CPU stores the low byte first.
var hostLittle = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// DeviceOrder returns the byte order a VirtIO device expects. Legacy devices
// use the guest's native order; modern devices are always little-endian.
func DeviceOrder(legacy bool) binary.ByteOrder {
	if legacy {
		return binary.NativeEndian
	}
	return binary.LittleEndian
}

// NeedsSwap reports whether values must be byte-swapped between the CPU and a
// device of the given generation.
func NeedsSwap(legacy bool) bool {
	return !legacy && !hostLittle
}

// Swap16 converts between CPU order and device order for a 16-bit value.
func Swap16(v uint16, legacy bool) uint16 {
	if NeedsSwap(legacy) {
		return bits.ReverseBytes16(v)
	}
	return v
}

// Swap32 converts between CPU order and device order for a 32-bit value.
func Swap32(v uint32, legacy bool) uint32 {
	if NeedsSwap(legacy) {
		return bits.ReverseBytes32(v)
	}
	return v
}
