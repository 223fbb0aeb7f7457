package buf

import (
	"encoding/binary"
	"unsafe"
)

func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}

func nativeU16(b []byte) uint16 { return binary.NativeEndian.Uint16(b) }
