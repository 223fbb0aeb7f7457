package virtqueue

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/phys"
	"github.com/joshuapare/physkit/phys/alloc"
	"github.com/joshuapare/physkit/virtio"
)

const testBase = 0x100_0000

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(uint32) { c.n.Add(1) }

type fakeBuf struct{ addr, n uint64 }

func (b fakeBuf) PhysAddr() uint64 { return b.addr }
func (b fakeBuf) Len() uint64      { return b.n }

func newTestAlloc(t testing.TB) *alloc.AllMemAlloc {
	t.Helper()
	mem, err := phys.NewMemory(testBase, 1<<22)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	a, err := alloc.New(mem, nil, &alloc.Config{PageSize: 0x1000, SlabCount: 8})
	require.NoError(t, err)
	return a
}

func newTestQueue(t testing.TB, n int, features virtio.Feature) (*VirtQueue, *alloc.AllMemAlloc, *countingNotifier) {
	t.Helper()
	a := newTestAlloc(t)
	notes := &countingNotifier{}
	q, err := New(0, a, notes, Config{Len: n, Features: features})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, a, notes
}

func testBuffer(t testing.TB, a *alloc.AllMemAlloc, size uint64) alloc.Block {
	t.Helper()
	b, err := a.Malloc(size, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Free(b) })
	return b
}

// fakeDevice plays the device side of a queue directly on its rings.
type fakeDevice struct {
	q    *VirtQueue
	mu   sync.Mutex
	seen uint16
}

// published returns the heads revealed since the last call.
func (d *fakeDevice) published() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var heads []uint16
	for idx := d.q.driver.Idx(); d.seen != idx; d.seen++ {
		heads = append(heads, d.q.driver.Entry(int(d.seen)%d.q.Len()))
	}
	return heads
}

// use appends a used element and bumps the device idx.
func (d *fakeDevice) use(head uint16, written uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.q.device
	idx := r.Idx()
	off := UsedElemOffset(int(idx) % r.n)
	store32(r.mem, off, uint32(head), r.legacy)
	store32(r.mem, off+4, written, r.legacy)
	store16(r.mem, ringIdxOff, idx+1, r.legacy)
}

func store32(b []byte, off int, v uint32, legacy bool) {
	buf.Store32(b, off, buf.Swap32(v, legacy))
}

func (d *fakeDevice) setFlags(f uint16) { store16(d.q.device.mem, ringFlagsOff, f, d.q.legacy) }

func (d *fakeDevice) setAvailEvent(v uint16) {
	store16(d.q.device.mem, AvailEventOffset(d.q.Len()), v, d.q.legacy)
}

// serve answers every published request until stop closes, claiming the
// whole writable area each time.
func (d *fakeDevice) serve(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		heads := d.published()
		if len(heads) == 0 {
			runtime.Gosched()
		}
		for _, head := range heads {
			desc := d.q.table.Get(head)
			for desc.Flags&DescNext != 0 {
				desc = d.q.table.Get(desc.Next)
			}
			var written uint32
			if desc.Flags&DescWrite != 0 {
				written = desc.Len
			}
			d.use(head, written)
		}
	}
}

func requireConserved(t *testing.T, q *VirtQueue) {
	t.Helper()
	s := q.Stats()
	require.Equal(t, s.Capacity, s.Free+s.InFlight)
	require.GreaterOrEqual(t, s.Free, 0)
	require.LessOrEqual(t, s.Free, s.Capacity)
}
