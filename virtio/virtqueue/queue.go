package virtqueue

import (
	"fmt"
	"math"
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/phys/alloc"
	"github.com/joshuapare/physkit/virtio"
)

var logVirtq = os.Getenv("PHYS_LOG_VIRTQ") != ""

// Buffer is memory the device reads from or writes into.
type Buffer interface {
	PhysAddr() uint64
	Len() uint64
}

// Memory supplies the physical memory a queue lives in. *alloc.AllMemAlloc
// satisfies it.
type Memory interface {
	Malloc(size, align uint64) (alloc.Block, error)
	MallocLow(size, align uint64, maxBits uint) (alloc.Block, error)
	Free(alloc.Block) error
	PageSize() uint64
}

// Notifier tells the device a queue has new buffers.
type Notifier interface {
	Notify(queue uint32)
}

// Config describes a queue.
type Config struct {
	// Len is the number of descriptors: a power of two no larger than MaxLen.
	Len int

	// Features are the negotiated device features. VERSION_1 selects the
	// modern layout; EVENT_IDX and IN_ORDER change the ring protocol.
	Features virtio.Feature

	// DriverFlags is written to the driver ring's flags field.
	DriverFlags uint16
}

// Status is the outcome of SendRecv.
type Status uint8

const (
	// Ok means the buffer was handed to the device.
	Ok Status = iota
	// Retry means the queue was full. Nothing changed; try again later.
	Retry
	// Err means the request can never succeed.
	Err
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Retry:
		return "retry"
	default:
		return "err"
	}
}

// Result is returned by SendRecv. Future is set for Ok, Err for Err.
type Result struct {
	Status Status
	Future *ResponseFuture
	Err    error
}

// NoLegacyLen tells SendRecv to trust the length the device reports.
const NoLegacyLen = -1

// VirtQueue is one split virtqueue. SendRecv and ProcessUsed are safe for
// concurrent use.
type VirtQueue struct {
	id       uint32
	features virtio.Feature
	legacy   bool
	notifier Notifier

	mem    Memory
	blocks []alloc.Block
	desc   uint64
	drv    uint64
	dev    uint64

	table  *DescriptorTable
	driver *DriverRing
	device *DeviceRing

	// pending is indexed by chain head.
	pending []atomic.Pointer[request]

	processing atomic.Bool
	lastUsed   atomic.Uint32
	consumed   uint16 // driver ring entries completed; owned by the processor

	freed atomic.Pointer[chan struct{}]

	sent      atomic.Uint64
	completed atomic.Uint64
	notified  atomic.Uint64
}

// New allocates and initialises queue id.
func New(id uint32, mem Memory, notifier Notifier, cfg Config) (*VirtQueue, error) {
	n := cfg.Len
	if n <= 0 || n > MaxLen || !buf.IsPow2(uint64(n)) {
		return nil, fmt.Errorf("%w: %d", ErrBadQueueLen, n)
	}

	q := &VirtQueue{
		id:       id,
		features: cfg.Features,
		legacy:   cfg.Features.Legacy(),
		notifier: notifier,
		mem:      mem,
		pending:  make([]atomic.Pointer[request], n),
	}
	ch := make(chan struct{})
	q.freed.Store(&ch)

	var descMem, drvMem, devMem []byte
	if q.legacy {
		page := mem.PageSize()
		layout := Legacy(n, LegacyDeviceRingAlign)
		b, err := mem.MallocLow(layout.Size, max(LegacyDeviceRingAlign, page), 32+uint(bits.Len64(page)-1))
		if err != nil {
			return nil, fmt.Errorf("virtqueue %d: allocate legacy queue: %w", id, err)
		}
		q.blocks = append(q.blocks, b)
		if b.Data == nil {
			q.Close()
			return nil, ErrNoBacking
		}
		clear(b.Data)
		q.desc = b.Addr
		q.drv = b.Addr + layout.DriverOffset
		q.dev = b.Addr + layout.DeviceOffset
		descMem = b.Data[:layout.DriverOffset]
		drvMem = b.Data[layout.DriverOffset:layout.DeviceOffset]
		devMem = b.Data[layout.DeviceOffset:]
	} else {
		areas := []struct {
			size, align uint64
			addr        *uint64
			data        *[]byte
		}{
			{uint64(DescriptorSize * n), DescriptorSize, &q.desc, &descMem},
			{uint64(DriverRingSpan(n)), 4, &q.drv, &drvMem},
			{uint64(DeviceRingSpan(n)), 4, &q.dev, &devMem},
		}
		for _, a := range areas {
			b, err := mem.Malloc(a.size, a.align)
			if err != nil {
				q.Close()
				return nil, fmt.Errorf("virtqueue %d: allocate queue area: %w", id, err)
			}
			q.blocks = append(q.blocks, b)
			if b.Data == nil {
				q.Close()
				return nil, ErrNoBacking
			}
			clear(b.Data)
			*a.addr, *a.data = b.Addr, b.Data
		}
	}

	q.table = newDescriptorTable(descMem, n, q.legacy, cfg.Features.Has(virtio.FeatureInOrder))
	q.driver = newDriverRing(drvMem, n, q.legacy, cfg.DriverFlags)
	q.device = newDeviceRing(devMem, n, q.legacy)

	if logVirtq {
		logger.Debug("virtqueue: created", "id", id, "len", n, "legacy", q.legacy,
			"desc", q.desc, "driver", q.drv, "device", q.dev, "features", cfg.Features.String())
	}
	return q, nil
}

// ID returns the queue index.
func (q *VirtQueue) ID() uint32 { return q.id }

// Len returns the number of descriptors.
func (q *VirtQueue) Len() int { return q.table.n }

// Legacy reports whether the queue uses the legacy layout and byte order.
func (q *VirtQueue) Legacy() bool { return q.legacy }

// Features returns the negotiated features.
func (q *VirtQueue) Features() virtio.Feature { return q.features }

// DescriptorAddr returns the physical address of the descriptor table.
func (q *VirtQueue) DescriptorAddr() uint64 { return q.desc }

// DriverAddr returns the physical address of the driver ring.
func (q *VirtQueue) DriverAddr() uint64 { return q.drv }

// DeviceAddr returns the physical address of the device ring.
func (q *VirtQueue) DeviceAddr() uint64 { return q.dev }

// Table exposes the descriptor table.
func (q *VirtQueue) Table() *DescriptorTable { return q.table }

// Driver exposes the driver ring.
func (q *VirtQueue) Driver() *DriverRing { return q.driver }

// Device exposes the device ring.
func (q *VirtQueue) Device() *DeviceRing { return q.device }

// Close frees the queue memory. The device must be done with the queue.
func (q *VirtQueue) Close() {
	for _, b := range q.blocks {
		_ = q.mem.Free(b)
	}
	q.blocks = nil
}

// SendRecv hands buf to the device. Bytes before firstRecv are sent to the
// device; bytes from firstRecv on are for the response. legacyLen is the
// response length to assume on legacy devices, or NoLegacyLen.
func (q *VirtQueue) SendRecv(b Buffer, firstRecv uint64, legacyLen int) Result {
	size := b.Len()
	if size > math.MaxUint32 {
		return Result{Status: Err, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, size)}
	}
	if size == 0 {
		return Result{Status: Ok, Future: immediateFuture(b)}
	}

	var idx [2]uint16
	chain := idx[:2]
	if firstRecv >= size || firstRecv == 0 {
		chain = idx[:1]
	}
	// With IN_ORDER the device returns chains in ring order, so a chain's
	// descriptors and its ring slot are claimed together.
	var slot uint16
	if q.table.inOrder {
		if r := q.table.reserve(len(chain)); r.Status != Ok {
			return r
		}
		var first uint16
		slot, first = q.driver.claim(uint16(len(chain)))
		q.table.fillRun(chain, first)
	} else {
		if r := q.table.makeChain(chain); r.Status != Ok {
			return r
		}
	}

	req := &request{
		chain:     idx,
		count:     len(chain),
		buf:       b,
		recvOff:   min(firstRecv, size),
		legacyLen: legacyLen,
		done:      make(chan struct{}),
	}
	if firstRecv > 0 {
		d := q.table.Get(chain[0])
		d.Addr = b.PhysAddr()
		d.Len = uint32(min(size, firstRecv))
		q.table.put(chain[0], d)
	}
	if firstRecv < size {
		last := chain[len(chain)-1]
		d := q.table.Get(last)
		d.Addr = b.PhysAddr() + firstRecv
		d.Len = uint32(size - firstRecv)
		d.Flags |= DescWrite
		q.table.put(last, d)
		req.recvLen = size - firstRecv
	}

	if !q.pending[chain[0]].CompareAndSwap(nil, req) {
		panic(fmt.Sprintf("virtqueue %d: descriptor %d already has a pending request", q.id, chain[0]))
	}
	q.sent.Add(1)

	if !q.table.inOrder {
		slot, _ = q.driver.claim(0)
	}
	revealed := q.driver.publish(slot, chain[0])
	if revealed > 0 && q.shouldNotify(slot, slot+revealed) {
		q.notified.Add(1)
		q.notifier.Notify(q.id)
	}
	return Result{Status: Ok, Future: &ResponseFuture{q: q, req: req}}
}

// shouldNotify applies notification suppression for a reveal that moved idx
// from old to new.
func (q *VirtQueue) shouldNotify(old, new uint16) bool {
	if q.features.Has(virtio.FeatureEventIdx) {
		event := q.device.AvailEvent()
		return new-event-1 < new-old
	}
	return q.device.Flags()&DeviceNoNotify == 0
}

// ProcessUsed completes every request the device has returned. Only one
// goroutine processes at a time; concurrent callers return at once and
// their work is picked up by the active one. It returns the number of
// requests this call completed.
func (q *VirtQueue) ProcessUsed() int {
	done := 0
	for {
		if !q.processing.CompareAndSwap(false, true) {
			return done
		}
		done += q.drainUsed()
		q.processing.Store(false)
		if q.device.Idx() == uint16(q.lastUsed.Load()) {
			return done
		}
	}
}

func (q *VirtQueue) drainUsed() int {
	done := 0
	last := uint16(q.lastUsed.Load())
	n := q.table.n
	inOrder := q.features.Has(virtio.FeatureInOrder)

	for idx := q.device.Idx(); last != idx; idx = q.device.Idx() {
		for ; last != idx; last++ {
			e := q.device.Elem(int(last) % n)
			if !inOrder {
				q.complete(q.take(uint16(e.ID)), e.Len, true)
				q.consumed++
				done++
				continue
			}
			// With IN_ORDER one entry may stand for every chain up to and
			// including e.ID.
			for {
				head := q.driver.Entry(int(q.consumed) % n)
				q.consumed++
				done++
				if uint32(head) == e.ID {
					q.complete(q.take(head), e.Len, true)
					break
				}
				q.complete(q.take(head), 0, false)
			}
		}
		q.lastUsed.Store(uint32(last))
	}

	if q.features.Has(virtio.FeatureEventIdx) {
		q.driver.setUsedEvent(last)
	}
	return done
}

func (q *VirtQueue) take(head uint16) *request {
	if int(head) >= len(q.pending) {
		panic(fmt.Sprintf("virtqueue %d: device returned descriptor %d of %d", q.id, head, len(q.pending)))
	}
	req := q.pending[head].Swap(nil)
	if req == nil {
		panic(fmt.Sprintf("virtqueue %d: device returned descriptor %d with no request", q.id, head))
	}
	return req
}

// complete releases req's descriptors and resolves it. When reported is
// false the device wrote the whole writable area.
func (q *VirtQueue) complete(req *request, usedLen uint32, reported bool) {
	q.table.dealloc(req.chain[:req.count])
	q.completed.Add(1)
	next := make(chan struct{})
	close(*q.freed.Swap(&next))

	valid := req.recvLen
	var err error
	switch {
	case !reported:
	case q.legacy && req.legacyLen >= 0:
		valid = uint64(req.legacyLen)
	case uint64(usedLen) > req.recvLen:
		err = fmt.Errorf("%w: %d > %d", ErrBadUsedLen, usedLen, req.recvLen)
	default:
		valid = uint64(usedLen)
	}
	req.finish(Response{Buf: req.buf, Valid: valid}, err)
}

// freedSignal returns a channel that is closed the next time descriptors
// are returned.
func (q *VirtQueue) freedSignal() <-chan struct{} { return *q.freed.Load() }

// Stats is a snapshot of queue counters.
type Stats struct {
	Capacity  int
	Free      int
	InFlight  int
	Sent      uint64
	Completed uint64
	Notified  uint64
}

// Stats reports queue counters. Free plus InFlight always equals Capacity.
func (q *VirtQueue) Stats() Stats {
	free := q.table.Free()
	return Stats{
		Capacity:  q.table.n,
		Free:      free,
		InFlight:  q.table.n - free,
		Sent:      q.sent.Load(),
		Completed: q.completed.Load(),
		Notified:  q.notified.Load(),
	}
}
