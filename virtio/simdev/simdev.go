// Package simdev is a software VirtIO MMIO device. It serves the rings a
// driver builds in phys.Memory, which lets the virtqueue engine and device
// drivers run end to end without hardware.
package simdev

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/phys"
	"github.com/joshuapare/physkit/virtio"
	"github.com/joshuapare/physkit/virtio/mmio"
)

// Handler serves one request and returns how many bytes it wrote into the
// request's writable segments.
type Handler func(queue uint32, req *Request) uint32

// Options configures a device.
type Options struct {
	DeviceType uint32
	VendorID   uint32

	// Features is what the device offers.
	Features virtio.Feature

	// Reject lists features the device refuses to run with; it clears
	// FEATURES_OK when the driver accepts any of them.
	Reject virtio.Feature

	Queues      int
	QueueNumMax uint32

	// Config is the initial config space.
	Config []byte

	// Manual disables processing on notify; call Process instead.
	Manual bool

	// BatchInOrder returns a single used entry per processing pass when
	// IN_ORDER is negotiated.
	BatchInOrder bool

	// NoNotify sets NO_NOTIFY in every device ring.
	NoNotify bool

	// OnInterrupt is called, without device locks held, after an interrupt
	// is raised.
	OnInterrupt func()
}

type queueState struct {
	num   uint32
	align uint32
	pfn   uint32
	ready bool
	desc  uint64
	drv   uint64
	dev   uint64

	mu        sync.Mutex // serialises processing
	lastAvail uint16
	usedIdx   uint16
}

// Device implements mmio.Registers.
type Device struct {
	mem     *phys.Memory
	handler Handler
	opts    Options

	mu          sync.Mutex
	status      virtio.Status
	devFeatSel  uint32
	drvFeatSel  uint32
	drvFeatures virtio.Feature
	pageSize    uint32
	queueSel    uint32
	queues      []*queueState
	config      []byte

	intStatus atomic.Uint32

	notifications atomic.Uint64
	interrupts    atomic.Uint64
	served        atomic.Uint64
}

var _ mmio.Registers = (*Device)(nil)

// New creates a device serving rings in mem.
func New(mem *phys.Memory, handler Handler, opts Options) *Device {
	if opts.QueueNumMax == 0 {
		opts.QueueNumMax = 256
	}
	d := &Device{mem: mem, handler: handler, opts: opts, config: append([]byte(nil), opts.Config...)}
	d.reset()
	return d
}

func (d *Device) reset() {
	d.status = 0
	d.drvFeatures = 0
	d.devFeatSel, d.drvFeatSel, d.queueSel = 0, 0, 0
	d.queues = make([]*queueState, d.opts.Queues)
	for i := range d.queues {
		d.queues[i] = &queueState{}
	}
	d.intStatus.Store(0)
}

// Config returns the config space.
func (d *Device) Config() []byte { return d.config }

// Status returns the status register.
func (d *Device) Status() virtio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Features returns what the driver accepted.
func (d *Device) Features() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drvFeatures
}

// Stats reports notifications received, interrupts raised and requests served.
func (d *Device) Stats() (notifications, interrupts, served uint64) {
	return d.notifications.Load(), d.interrupts.Load(), d.served.Load()
}

// SetConfig replaces config space and raises a config change interrupt.
func (d *Device) SetConfig(b []byte) {
	d.mu.Lock()
	d.config = append(d.config[:0], b...)
	d.mu.Unlock()
	d.raise(virtio.InterruptConfigChanged)
}

func (d *Device) current() *queueState {
	if int(d.queueSel) < len(d.queues) {
		return d.queues[d.queueSel]
	}
	return nil
}

// Read32 implements mmio.Registers.
func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if off >= mmio.ConfigOffset {
		var w [4]byte
		copy(w[:], d.config[min(int(off-mmio.ConfigOffset), len(d.config)):])
		return binary.LittleEndian.Uint32(w[:])
	}

	q := d.current()
	switch off {
	case mmio.RegMagic:
		return mmio.Magic
	case mmio.RegVersion:
		return 1
	case mmio.RegDeviceID:
		return d.opts.DeviceType
	case mmio.RegVendorID:
		return d.opts.VendorID
	case mmio.RegDeviceFeatures:
		return uint32(d.opts.Features >> (32 * (d.devFeatSel & 1)))
	case mmio.RegQueueNumMax:
		if q == nil {
			return 0
		}
		return d.opts.QueueNumMax
	case mmio.RegQueuePFN:
		if q == nil {
			return 0
		}
		return q.pfn
	case mmio.RegQueueReady:
		if q != nil && q.ready {
			return 1
		}
		return 0
	case mmio.RegInterruptStatus:
		return d.intStatus.Load()
	case mmio.RegStatus:
		return uint32(d.status)
	}
	return 0
}

// Write32 implements mmio.Registers.
func (d *Device) Write32(off uint32, v uint32) {
	if off == mmio.RegQueueNotify {
		d.notifications.Add(1)
		if !d.opts.Manual {
			d.Process(v)
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.current()
	switch off {
	case mmio.RegDeviceFeaturesSel:
		d.devFeatSel = v
	case mmio.RegDriverFeaturesSel:
		d.drvFeatSel = v
	case mmio.RegDriverFeatures:
		shift := 32 * (d.drvFeatSel & 1)
		d.drvFeatures = d.drvFeatures&^(virtio.Feature(0xffffffff)<<shift) | virtio.Feature(v)<<shift
	case mmio.RegGuestPageSize:
		d.pageSize = v
	case mmio.RegQueueSel:
		d.queueSel = v
	case mmio.RegQueueNum:
		if q != nil {
			q.num = v
		}
	case mmio.RegQueueAlign:
		if q != nil {
			q.align = v
		}
	case mmio.RegQueuePFN:
		if q != nil {
			q.pfn = v
			if v != 0 {
				d.activateLegacy(q)
			}
		}
	case mmio.RegQueueReady:
		if q != nil {
			q.ready = v == 1
			if q.ready {
				d.activate(q)
			}
		}
	case mmio.RegQueueDescLow, mmio.RegQueueDescHigh,
		mmio.RegQueueDriverLow, mmio.RegQueueDriverHigh,
		mmio.RegQueueDeviceLow, mmio.RegQueueDeviceHigh:
		if q != nil {
			setHalf(q, off, v)
		}
	case mmio.RegInterruptACK:
		for {
			old := d.intStatus.Load()
			if d.intStatus.CompareAndSwap(old, old&^v) {
				break
			}
		}
	case mmio.RegStatus:
		s := virtio.Status(v)
		if s == 0 {
			d.reset()
			return
		}
		if s.Has(virtio.StatusFeaturesOK) && d.drvFeatures&d.opts.Reject != 0 {
			s &^= virtio.StatusFeaturesOK
		}
		d.status = s
	}
}

func setHalf(q *queueState, off, v uint32) {
	var p *uint64
	switch off &^ 7 {
	case mmio.RegQueueDescLow:
		p = &q.desc
	case mmio.RegQueueDriverLow:
		p = &q.drv
	default:
		p = &q.dev
	}
	if off&4 == 0 {
		*p = *p&^0xffffffff | uint64(v)
	} else {
		*p = *p&0xffffffff | uint64(v)<<32
	}
}

func (d *Device) activateLegacy(q *queueState) {
	page := uint64(d.pageSize)
	if page == 0 {
		page = 0x1000
	}
	q.desc = uint64(q.pfn) * page
	q.drv = q.desc + 16*uint64(q.num)
	align := uint64(q.align)
	if align == 0 {
		align = 0x1000
	}
	end := q.drv + uint64(2*(3+q.num))
	q.dev = (end + align - 1) &^ (align - 1)
	d.activate(q)
}

func (d *Device) activate(q *queueState) {
	q.lastAvail, q.usedIdx = 0, 0
	if d.opts.NoNotify {
		if r, err := d.ring(q, d.drvFeatures.Legacy()); err == nil {
			r.setDeviceFlags(deviceNoNotify)
		}
	}
	logger.Debug("simdev: queue live", "len", q.num, "desc", q.desc, "driver", q.drv, "device", q.dev)
}

func (d *Device) raise(cause virtio.Interrupt) {
	for {
		old := d.intStatus.Load()
		if d.intStatus.CompareAndSwap(old, old|uint32(cause)) {
			break
		}
	}
	d.interrupts.Add(1)
	if d.opts.OnInterrupt != nil {
		d.opts.OnInterrupt()
	}
}

// Process serves every buffer available on queue. It returns the number of
// requests served.
func (d *Device) Process(queue uint32) int {
	d.mu.Lock()
	if int(queue) >= len(d.queues) {
		d.mu.Unlock()
		return 0
	}
	q := d.queues[queue]
	live := q.ready || q.pfn != 0
	features := d.drvFeatures
	d.mu.Unlock()
	if !live {
		return 0
	}

	q.mu.Lock()
	served, interrupt, err := d.serve(queue, q, features)
	q.mu.Unlock()
	if err != nil {
		logger.Error("simdev: queue failed", "queue", queue, "error", err)
		d.mu.Lock()
		d.status |= virtio.StatusNeedsReset
		d.mu.Unlock()
		d.raise(virtio.InterruptConfigChanged)
		return served
	}
	if interrupt {
		d.raise(virtio.InterruptUsedBuffer)
	}
	return served
}

func (d *Device) serve(queue uint32, q *queueState, features virtio.Feature) (int, bool, error) {
	r, err := d.ring(q, features.Legacy())
	if err != nil {
		return 0, false, err
	}
	eventIdx := features.Has(virtio.FeatureEventIdx)
	batch := d.opts.BatchInOrder && features.Has(virtio.FeatureInOrder)

	served := 0
	oldUsed := q.usedIdx
	var pendingHead, pendingLen uint32
	havePending := false

	for {
		avail := r.availIdx()
		if q.lastAvail == avail {
			if eventIdx {
				r.setAvailEvent(avail)
				// Catch entries published between the check and the store.
				if r.availIdx() != avail {
					continue
				}
			}
			break
		}
		for ; q.lastAvail != avail; q.lastAvail++ {
			head := r.availEntry(q.lastAvail)
			req, err := d.chain(r, head)
			if err != nil {
				return served, false, err
			}
			written := d.handler(queue, req)
			served++
			d.served.Add(1)
			if batch {
				pendingHead, pendingLen, havePending = uint32(head), written, true
				continue
			}
			r.putUsed(q.usedIdx, uint32(head), written)
			q.usedIdx++
			r.setUsedIdx(q.usedIdx)
		}
	}
	if havePending {
		r.putUsed(q.usedIdx, pendingHead, pendingLen)
		q.usedIdx++
		r.setUsedIdx(q.usedIdx)
	}

	if q.usedIdx == oldUsed {
		return served, false, nil
	}
	if eventIdx {
		ev := r.usedEvent()
		return served, q.usedIdx-ev-1 < q.usedIdx-oldUsed, nil
	}
	return served, r.driverFlags()&driverNoInterrupt == 0, nil
}

func (d *Device) chain(r *ring, head uint16) (*Request, error) {
	req := &Request{}
	idx := head
	for hops := 0; ; hops++ {
		if hops >= r.n {
			return nil, fmt.Errorf("descriptor chain from %d loops", head)
		}
		desc, err := r.descriptor(idx)
		if err != nil {
			return nil, err
		}
		seg, err := d.mem.Slice(desc.Addr, uint64(desc.Len))
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", idx, err)
		}
		if desc.Flags&descWrite != 0 {
			req.In = append(req.In, seg)
		} else {
			if len(req.In) > 0 {
				return nil, fmt.Errorf("descriptor %d: readable after writable", idx)
			}
			req.Out = append(req.Out, seg)
		}
		if desc.Flags&descNext == 0 {
			return req, nil
		}
		idx = desc.Next
	}
}
