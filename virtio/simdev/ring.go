package simdev

import (
	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/virtio/virtqueue"
)

const (
	descNext  = uint16(virtqueue.DescNext)
	descWrite = uint16(virtqueue.DescWrite)

	deviceNoNotify    = virtqueue.DeviceNoNotify
	driverNoInterrupt = virtqueue.DriverNoInterrupt
)

type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// ring is the device's view of one queue's memory.
type ring struct {
	n      int
	legacy bool
	desc   []byte
	drv    []byte
	dev    []byte
}

func (d *Device) ring(q *queueState, legacy bool) (*ring, error) {
	n := int(q.num)
	desc, err := d.mem.Slice(q.desc, uint64(virtqueue.DescriptorSize*n))
	if err != nil {
		return nil, err
	}
	drv, err := d.mem.Slice(q.drv, uint64(virtqueue.DriverRingSpan(n)))
	if err != nil {
		return nil, err
	}
	dev, err := d.mem.Slice(q.dev, uint64(virtqueue.DeviceRingSpan(n)))
	if err != nil {
		return nil, err
	}
	return &ring{n: n, legacy: legacy, desc: desc, drv: drv, dev: dev}, nil
}

func (r *ring) load16(b []byte, off int) uint16 { return buf.Swap16(buf.Load16(b, off), r.legacy) }

func (r *ring) store16(b []byte, off int, v uint16) { buf.Store16(b, off, buf.Swap16(v, r.legacy)) }

func (r *ring) descriptor(i uint16) (descriptor, error) {
	if int(i) >= r.n {
		return descriptor{}, errDescriptorRange(i)
	}
	off := int(i) * virtqueue.DescriptorSize
	d := virtqueue.ReadDescriptor(r.desc[off:off+virtqueue.DescriptorSize], r.legacy)
	return descriptor{Addr: d.Addr, Len: d.Len, Flags: uint16(d.Flags), Next: d.Next}, nil
}

func (r *ring) driverFlags() uint16 { return r.load16(r.drv, 0) }
func (r *ring) availIdx() uint16    { return r.load16(r.drv, 2) }

func (r *ring) availEntry(idx uint16) uint16 {
	return r.load16(r.drv, virtqueue.DriverEntryOffset(int(idx)%r.n))
}

func (r *ring) usedEvent() uint16 { return r.load16(r.drv, virtqueue.UsedEventOffset(r.n)) }

func (r *ring) setDeviceFlags(f uint16) { r.store16(r.dev, 0, f) }

func (r *ring) setUsedIdx(v uint16) { r.store16(r.dev, 2, v) }

func (r *ring) setAvailEvent(v uint16) { r.store16(r.dev, virtqueue.AvailEventOffset(r.n), v) }

func (r *ring) putUsed(idx uint16, id, written uint32) {
	off := virtqueue.UsedElemOffset(int(idx) % r.n)
	buf.Store32(r.dev, off, buf.Swap32(id, r.legacy))
	buf.Store32(r.dev, off+4, buf.Swap32(written, r.legacy))
}
