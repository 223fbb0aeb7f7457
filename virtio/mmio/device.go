package mmio

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/virtio"
	"github.com/joshuapare/physkit/virtio/virtqueue"
)

// Options describes the device a driver expects.
type Options struct {
	DeviceType uint32

	// Required features must be offered; Optional ones are taken if offered.
	Required virtio.Feature
	Optional virtio.Feature

	// Queues is the number of virtqueues to set up.
	Queues int

	// MaxQueueLen caps every queue's length. Zero means MaxLen.
	MaxQueueLen int

	// MinConfig is the config space the driver needs, in bytes.
	MinConfig int

	// DriverFlags is written to every driver ring.
	DriverFlags uint16

	// OnConfigChange runs from HandleInterrupt when the device reports a
	// configuration change.
	OnConfigChange func()
}

// DeviceDetails is what Init learned about the device.
type DeviceDetails struct {
	DeviceType uint32
	VendorID   uint32
	Version    uint32
	Offered    virtio.Feature
	Features   virtio.Feature
	Queues     []*virtqueue.VirtQueue
}

// Legacy reports whether the device runs the pre-1.0 protocol.
func (d *DeviceDetails) Legacy() bool { return d.Features.Legacy() }

// ConfigSpace is implemented by register files that expose config space.
type ConfigSpace interface {
	Config() []byte
}

// Device is an initialised VirtIO MMIO device.
type Device struct {
	regs Registers
	opts Options
	DeviceDetails
}

// Init resets the device, negotiates features, builds its queues in mem and
// sets DRIVER_OK.
func Init(regs Registers, mem virtqueue.Memory, opts Options) (*Device, error) {
	d := &Device{regs: regs, opts: opts}

	if cs, ok := regs.(ConfigSpace); ok && len(cs.Config()) < opts.MinConfig {
		return nil, &InitError{Kind: TooLittleConfigSpace,
			Detail: fmt.Sprintf("have %d bytes, need %d", len(cs.Config()), opts.MinConfig)}
	}
	if m := regs.Read32(RegMagic); m != Magic {
		return nil, &InitError{Kind: WrongMagicNumber, Detail: fmt.Sprintf("0x%08x", m)}
	}
	d.Version = regs.Read32(RegVersion)
	if d.Version != 1 {
		return nil, &InitError{Kind: UnsupportedVersion, Detail: fmt.Sprintf("%d", d.Version)}
	}
	d.DeviceType = regs.Read32(RegDeviceID)
	if d.DeviceType != opts.DeviceType {
		return nil, &InitError{Kind: WrongDeviceType,
			Detail: fmt.Sprintf("got %d, want %d", d.DeviceType, opts.DeviceType)}
	}
	d.VendorID = regs.Read32(RegVendorID)

	d.setStatus(0)
	d.setStatus(virtio.StatusAcknowledge)
	d.setStatus(virtio.StatusAcknowledge | virtio.StatusDriver)

	if err := d.negotiate(); err != nil {
		return nil, err
	}
	if d.Features.Legacy() {
		regs.Write32(RegGuestPageSize, uint32(mem.PageSize()))
	}

	d.Queues = make([]*virtqueue.VirtQueue, opts.Queues)
	for i := range opts.Queues {
		q, err := d.setupQueue(uint32(i), mem)
		if err != nil {
			d.fail()
			return nil, err
		}
		d.Queues[i] = q
	}

	d.setStatus(d.status() | virtio.StatusDriverOK)
	logger.Debug("mmio: device ready", "type", d.DeviceType, "vendor", d.VendorID,
		"version", d.Version, "features", d.Features.String(), "queues", opts.Queues)
	return d, nil
}

func (d *Device) status() virtio.Status { return virtio.Status(d.regs.Read32(RegStatus)) }

func (d *Device) setStatus(s virtio.Status) { d.regs.Write32(RegStatus, uint32(s)) }

func (d *Device) fail() {
	d.setStatus(d.status() | virtio.StatusFailed)
	for _, q := range d.Queues {
		if q != nil {
			q.Close()
		}
	}
}

func (d *Device) readFeatures() virtio.Feature {
	d.regs.Write32(RegDeviceFeaturesSel, 0)
	lo := d.regs.Read32(RegDeviceFeatures)
	d.regs.Write32(RegDeviceFeaturesSel, 1)
	hi := d.regs.Read32(RegDeviceFeatures)
	return virtio.Feature(uint64(hi)<<32 | uint64(lo))
}

func (d *Device) writeFeatures(f virtio.Feature) {
	d.regs.Write32(RegDriverFeaturesSel, 0)
	d.regs.Write32(RegDriverFeatures, uint32(f))
	d.regs.Write32(RegDriverFeaturesSel, 1)
	d.regs.Write32(RegDriverFeatures, uint32(f>>32))
}

func (d *Device) negotiate() error {
	d.Offered = d.readFeatures()
	if missing := d.opts.Required &^ d.Offered; missing != 0 {
		d.setStatus(d.status() | virtio.StatusFailed)
		return &InitError{Kind: MissingRequiredFeatures, Detail: missing.String()}
	}

	d.Features = d.Offered & (d.opts.Required | d.opts.Optional)
	d.writeFeatures(d.Features)
	if d.Features.Legacy() {
		return nil
	}
	if d.confirmFeatures() {
		return nil
	}

	// Some devices refuse optional combinations; fall back to the minimum.
	logger.Warn("mmio: device refused features, retrying with required only",
		"features", d.Features.String())
	d.Features = d.Offered & d.opts.Required
	d.writeFeatures(d.Features)
	if d.confirmFeatures() {
		return nil
	}
	d.setStatus(d.status() | virtio.StatusFailed)
	return &InitError{Kind: FeatureNegotiationFailed, Detail: d.Features.String()}
}

func (d *Device) confirmFeatures() bool {
	d.setStatus(d.status() | virtio.StatusFeaturesOK)
	return d.status().Has(virtio.StatusFeaturesOK)
}

func (d *Device) setupQueue(id uint32, mem virtqueue.Memory) (*virtqueue.VirtQueue, error) {
	r := d.regs
	legacy := d.Features.Legacy()
	r.Write32(RegQueueSel, id)

	if legacy && r.Read32(RegQueuePFN) != 0 || !legacy && r.Read32(RegQueueReady) != 0 {
		return nil, &InitError{Kind: QueueInUse, Detail: fmt.Sprintf("queue %d", id)}
	}
	qmax := r.Read32(RegQueueNumMax)
	if qmax == 0 {
		return nil, &InitError{Kind: QueueTooShort, Detail: fmt.Sprintf("queue %d", id)}
	}

	limit := uint32(virtqueue.MaxLen)
	if d.opts.MaxQueueLen > 0 {
		limit = min(limit, uint32(d.opts.MaxQueueLen))
	}
	n := min(qmax, limit)
	n = 1 << (bits.Len32(n) - 1)
	r.Write32(RegQueueNum, n)

	q, err := virtqueue.New(id, mem, d, virtqueue.Config{
		Len:         int(n),
		Features:    d.Features,
		DriverFlags: d.opts.DriverFlags,
	})
	if err != nil {
		return nil, &InitError{Kind: QueueSetup, Detail: fmt.Sprintf("queue %d", id), Err: err}
	}

	if legacy {
		page := mem.PageSize()
		r.Write32(RegQueueAlign, virtqueue.LegacyDeviceRingAlign)
		r.Write32(RegQueuePFN, uint32(q.DescriptorAddr()/page))
	} else {
		write64(r, RegQueueDescLow, q.DescriptorAddr())
		write64(r, RegQueueDriverLow, q.DriverAddr())
		write64(r, RegQueueDeviceLow, q.DeviceAddr())
		r.Write32(RegQueueReady, 1)
	}
	return q, nil
}

// Notify tells the device queue has new buffers.
func (d *Device) Notify(queue uint32) { d.regs.Write32(RegQueueNotify, queue) }

// Status returns the device status register.
func (d *Device) Status() virtio.Status { return d.status() }

// ConfigGeneration returns the config space generation counter.
func (d *Device) ConfigGeneration() uint32 { return d.regs.Read32(RegConfigGeneration) }

// HandleInterrupt acknowledges pending interrupts and completes whatever
// the device returned. It returns the causes it handled.
func (d *Device) HandleInterrupt() virtio.Interrupt {
	cause := virtio.Interrupt(d.regs.Read32(RegInterruptStatus))
	if cause == 0 {
		return 0
	}
	d.regs.Write32(RegInterruptACK, uint32(cause))

	if cause&virtio.InterruptUsedBuffer != 0 {
		for _, q := range d.Queues {
			q.ProcessUsed()
		}
	}
	if cause&virtio.InterruptConfigChanged != 0 && d.opts.OnConfigChange != nil {
		d.opts.OnConfigChange()
	}
	return cause
}

// Close resets the device and frees its queues.
func (d *Device) Close() {
	d.setStatus(0)
	for _, q := range d.Queues {
		q.Close()
	}
	d.Queues = nil
}
