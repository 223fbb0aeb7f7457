package virtqueue

// DeviceRing is the used ring. The driver only reads it.
//
//	0x00       u16 flags
//	0x02       u16 idx
//	0x04+8*i   {u32 id, u32 len} ring[i]
//	0x04+8*len u16 avail_event
type DeviceRing struct {
	mem    []byte
	n      int
	legacy bool
}

func newDeviceRing(mem []byte, n int, legacy bool) *DeviceRing {
	r := &DeviceRing{mem: mem[:DeviceRingSpan(n)], n: n, legacy: legacy}
	clear(r.mem)
	return r
}

// Flags returns the device flags.
func (r *DeviceRing) Flags() uint16 { return load16(r.mem, ringFlagsOff, r.legacy) }

// Idx returns the number of entries the device has used, modulo 2^16.
func (r *DeviceRing) Idx() uint16 { return load16(r.mem, ringIdxOff, r.legacy) }

// Elem returns ring entry i. Only entries below Idx are meaningful.
func (r *DeviceRing) Elem(i int) UsedElem {
	off := UsedElemOffset(i)
	return UsedElem{
		ID:  load32(r.mem, off, r.legacy),
		Len: load32(r.mem, off+4, r.legacy),
	}
}

// AvailEvent returns the avail_event field.
func (r *DeviceRing) AvailEvent() uint16 { return load16(r.mem, AvailEventOffset(r.n), r.legacy) }
