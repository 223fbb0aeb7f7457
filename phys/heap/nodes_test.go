package heap

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Nodes_YieldsInAddressOrder(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	bases := []uint64{0x8000, 0x1000, 0x4000, 0x2000, 0xc000}
	for _, off := range bases {
		_, err := h.Reserve(testBase+off, 0x100)
		require.NoError(t, err)
	}

	var got []uint64
	h.Walk(func(b Block) bool {
		got = append(got, b.Base-testBase)
		return true
	})
	require.Equal(t, []uint64{0x1000, 0x2000, 0x4000, 0x8000, 0xc000}, got)
}

func Test_Nodes_UnlinksFreedNodes(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a, err := h.Reserve(testBase, 0x100)
	require.NoError(t, err)
	b, err := h.Reserve(testBase+0x100, 0x100)
	require.NoError(t, err)
	c, err := h.Reserve(testBase+0x200, 0x100)
	require.NoError(t, err)

	b.Free()
	require.Equal(t, 2, h.Collect())
	require.NoError(t, h.Validate())

	a.Free()
	c.Free()
	require.Zero(t, h.Collect())
	require.Equal(t, int64(NodesPerMasterBlock), h.unusedSlots.Load())
}

func Test_Nodes_HeldNodeIsNotUnlinked(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a, err := h.Reserve(testBase, 0x100)
	require.NoError(t, err)
	b, err := h.Reserve(testBase+0x100, 0x100)
	require.NoError(t, err)

	it := h.nodes()
	n := it.Next()
	require.Same(t, a.node, n)

	// A second walker may not unlink the node the first one is parked on.
	a.Free()
	st := h.Stats()
	require.Equal(t, 1, st.Pending)
	require.Equal(t, 1, st.Blocks)

	it.Close()
	require.Equal(t, 1, h.Collect())
	b.Free()
	requireEmpty(t, h)
}

func Test_Nodes_CloseIsIdempotent(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	it := h.nodes()
	require.Equal(t, int32(1), h.visitors.Load())
	require.Nil(t, it.Next())
	it.Close()
	it.Close()
	require.Zero(t, h.visitors.Load())
	require.Nil(t, it.Next())
}

func Test_Nodes_VisitorLimit(t *testing.T) {
	mm := newTestHeap(t, 1<<20).Map()
	h, err := New(mm, &Config{MaxVisitors: 2, MaxMasterBlocks: 4})
	require.NoError(t, err)

	a := h.nodes()
	b := h.nodes()

	opened := make(chan *Nodes)
	go func() { opened <- h.nodes() }()

	select {
	case <-opened:
		t.Fatal("third iterator opened while two were live")
	default:
	}
	a.Close()
	c := <-opened
	require.Equal(t, int32(2), h.visitors.Load())
	b.Close()
	c.Close()
	require.Zero(t, h.visitors.Load())
}

// Walkers running alongside inserts and frees must always see strictly
// increasing bases.
func Test_Nodes_IterationDuringInserts(t *testing.T) {
	h := newTestHeap(t, 1<<24)

	var stop atomic.Bool
	var writers, readers sync.WaitGroup

	for w := range 4 {
		writers.Add(1)
		go func(seed int64) {
			defer writers.Done()
			rng := rand.New(rand.NewSource(seed))
			var live []*Allocation
			for range 400 {
				if len(live) > 0 && rng.Intn(3) == 0 {
					i := rng.Intn(len(live))
					live[i].Free()
					live = append(live[:i], live[i+1:]...)
					continue
				}
				a, err := h.Malloc(uint64(rng.Intn(0x800)+1), uint64(1)<<rng.Intn(8))
				if err == nil {
					live = append(live, a)
				}
			}
			for _, a := range live {
				a.Free()
			}
		}(int64(w + 1))
	}

	var violations atomic.Int32
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for !stop.Load() {
				var last uint64
				first := true
				h.Walk(func(b Block) bool {
					if !first && b.Base <= last {
						violations.Add(1)
					}
					first = false
					last = b.Base
					return true
				})
			}
		}()
	}

	writers.Wait()
	stop.Store(true)
	readers.Wait()

	require.Zero(t, violations.Load())
	requireEmpty(t, h)
}
