package buf

import (
	"encoding/binary"
	"testing"
)

func TestEndianHelpers(t *testing.T) {
	data := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

	if got := U32LE(data); got != 0x67452301 {
		t.Fatalf("U32LE = 0x%x, want 0x67452301", got)
	}
	if got := U64LE(data); got != 0xefcdab8967452301 {
		t.Fatalf("U64LE = 0x%x, want 0xefcdab8967452301", got)
	}

	short := []byte{0xAA}
	if U32LE(short) != 0 || U64LE(short) != 0 {
		t.Fatalf("short reads should return 0")
	}
}

func TestDeviceOrder(t *testing.T) {
	if DeviceOrder(false) != binary.LittleEndian {
		t.Fatalf("modern devices must be little-endian")
	}

	// Legacy devices never need a swap; modern ones only on big-endian hosts.
	if NeedsSwap(true) {
		t.Fatalf("legacy device should never need a byte swap")
	}
	if NeedsSwap(false) == hostLittle {
		t.Fatalf("NeedsSwap(false) = %v on little=%v host", NeedsSwap(false), hostLittle)
	}

	// Swapping is an involution whatever the host.
	if Swap32(Swap32(0x11223344, false), false) != 0x11223344 {
		t.Fatalf("Swap32 twice should return the input")
	}
	if Swap16(0xbeef, true) != 0xbeef || Swap32(0x01020304, true) != 0x01020304 {
		t.Fatalf("legacy swaps must be identity")
	}
}
