package virtqueue

import (
	"github.com/joshuapare/physkit/internal/buf"
)

// DescFlag is the flags field of a buffer descriptor.
type DescFlag uint16

const (
	DescNext     DescFlag = 0x1
	DescWrite    DescFlag = 0x2
	DescIndirect DescFlag = 0x4
)

// Ring flag bits.
const (
	// DriverNoInterrupt asks the device not to interrupt when it uses buffers.
	DriverNoInterrupt uint16 = 0x1
	// DeviceNoNotify asks the driver not to notify when it adds buffers.
	DeviceNoNotify uint16 = 0x1
)

// Wire sizes and offsets.
const (
	DescriptorSize = 16
	UsedElemSize   = 8

	ringFlagsOff = 0
	ringIdxOff   = 2
	ringEntryOff = 4

	// MaxLen is the largest queue a split virtqueue can have.
	MaxLen = 0x8000

	// LegacyDeviceRingAlign is the alignment of the device ring in the legacy
	// contiguous layout.
	LegacyDeviceRingAlign = 0x1000
)

// Descriptor is one entry of the descriptor table.
//
//	0x00 u64 addr
//	0x08 u32 len
//	0x0c u16 flags
//	0x0e u16 next
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags DescFlag
	Next  uint16
}

// PutDescriptor encodes d into b in device order.
func PutDescriptor(b []byte, d Descriptor, legacy bool) {
	o := buf.DeviceOrder(legacy)
	o.PutUint64(b[0:8], d.Addr)
	o.PutUint32(b[8:12], d.Len)
	o.PutUint16(b[12:14], uint16(d.Flags))
	o.PutUint16(b[14:16], d.Next)
}

// ReadDescriptor decodes the descriptor at the start of b.
func ReadDescriptor(b []byte, legacy bool) Descriptor {
	o := buf.DeviceOrder(legacy)
	return Descriptor{
		Addr:  o.Uint64(b[0:8]),
		Len:   o.Uint32(b[8:12]),
		Flags: DescFlag(o.Uint16(b[12:14])),
		Next:  o.Uint16(b[14:16]),
	}
}

// UsedElem is one entry of the device ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// DriverRingSize is the size of a driver ring of n entries.
func DriverRingSize(n int) int { return 2 * (3 + n) }

// DeviceRingSize is the size of a device ring of n entries.
func DeviceRingSize(n int) int { return 6 + UsedElemSize*n }

// DriverRingSpan is DriverRingSize rounded up to a whole 32-bit word. The
// atomic accessors touch the full word around the trailing u16 field.
func DriverRingSpan(n int) int { return (DriverRingSize(n) + 3) &^ 3 }

// DeviceRingSpan is DeviceRingSize rounded up to a whole 32-bit word.
func DeviceRingSpan(n int) int { return (DeviceRingSize(n) + 3) &^ 3 }

// DriverEntryOffset is the offset of entry i in a driver ring.
func DriverEntryOffset(i int) int { return ringEntryOff + 2*i }

// UsedElemOffset is the offset of entry i in a device ring.
func UsedElemOffset(i int) int { return ringEntryOff + UsedElemSize*i }

// UsedEventOffset is where the driver publishes used_event in a driver ring.
func UsedEventOffset(n int) int { return DriverEntryOffset(n) }

// AvailEventOffset is where the device publishes avail_event in a device ring.
func AvailEventOffset(n int) int { return UsedElemOffset(n) }

// LegacyLayout describes the single contiguous block a legacy queue of n
// entries lives in.
type LegacyLayout struct {
	Size         uint64
	DriverOffset uint64
	DeviceOffset uint64
}

// Legacy computes the legacy layout for n entries with the device ring
// aligned to align bytes.
func Legacy(n int, align uint64) LegacyLayout {
	desc := uint64(DescriptorSize * n)
	first := buf.AlignUp(desc+uint64(DriverRingSize(n)), align)
	return LegacyLayout{
		Size:         first + buf.AlignUp(uint64(DeviceRingSize(n)), align),
		DriverOffset: desc,
		DeviceOffset: first,
	}
}

// Shared-memory accessors. Values cross the wire in device order.

func load16(b []byte, off int, legacy bool) uint16 {
	return buf.Swap16(buf.Load16(b, off), legacy)
}

func store16(b []byte, off int, v uint16, legacy bool) {
	buf.Store16(b, off, buf.Swap16(v, legacy))
}

func cas16(b []byte, off int, old, new uint16, legacy bool) bool {
	return buf.CompareAndSwap16(b, off, buf.Swap16(old, legacy), buf.Swap16(new, legacy))
}

func load32(b []byte, off int, legacy bool) uint32 {
	return buf.Swap32(buf.Load32(b, off), legacy)
}
