package virtqueue

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func ringMem(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}

func Test_DriverRing_SinglePublisher(t *testing.T) {
	r := newDriverRing(ringMem(DriverRingSpan(4)), 4, false, DriverNoInterrupt)
	require.Equal(t, DriverNoInterrupt, r.Flags())

	for i := range uint16(10) {
		idx, revealed := r.SetNextEntry(100 + i)
		require.Equal(t, i, idx)
		require.Equal(t, uint16(1), revealed)
		require.Equal(t, i+1, r.Idx())
		require.Equal(t, 100+i, r.Entry(int(i)%4))
	}
}

func Test_DriverRing_NoGapsUnderConcurrentPublishers(t *testing.T) {
	const n, publishers, each = 16, 8, 2000
	r := newDriverRing(ringMem(DriverRingSpan(n)), n, false, 0)

	var (
		mu       sync.Mutex
		claimed  []int
		revealed int
		wg       sync.WaitGroup
	)
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []int
			sum := 0
			for i := range each {
				idx, rev := r.SetNextEntry(uint16(p*each + i))
				mine = append(mine, int(idx))
				sum += int(rev)
			}
			mu.Lock()
			claimed = append(claimed, mine...)
			revealed += sum
			mu.Unlock()
		}()
	}
	wg.Wait()

	const total = publishers * each
	require.Equal(t, total, revealed, "every entry is revealed exactly once")
	require.Equal(t, uint16(total), r.Idx())

	seen := make(map[int]int, total)
	for _, c := range claimed {
		seen[c]++
	}
	for i := range total {
		require.Equal(t, 1, seen[i], "index %d", i)
	}
	for i := range r.marks {
		require.Zero(t, r.marks[i].Load(), "slot %d left marked", i)
	}
}

func Test_DriverRing_UsedEventAndLegacyOrder(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		r := newDriverRing(ringMem(DriverRingSpan(8)), 8, legacy, 0)
		r.setUsedEvent(0x1234)
		require.Equal(t, uint16(0x1234), r.UsedEvent())
		r.SetNextEntry(0xabcd)
		require.Equal(t, uint16(0xabcd), r.Entry(0))
	}
}

func Test_DescriptorTable_ChainsAndFrees(t *testing.T) {
	const n = 8
	table := newDescriptorTable(ringMem(DescriptorSize*n), n, false, false)

	chain := make([]uint16, 3)
	require.Equal(t, Ok, table.makeChain(chain).Status)
	require.Equal(t, n-3, table.Free())
	for i := range 2 {
		d := table.Get(chain[i])
		require.Equal(t, DescNext, d.Flags)
		require.Equal(t, chain[i+1], d.Next)
	}
	require.Equal(t, DescFlag(0), table.Get(chain[2]).Flags)

	rest := make([]uint16, 6)
	require.Equal(t, Retry, table.makeChain(rest).Status)
	require.Equal(t, n-3, table.Free(), "Retry must not leak descriptors")

	tooLong := make([]uint16, n+1)
	res := table.makeChain(tooLong)
	require.Equal(t, Err, res.Status)
	require.ErrorIs(t, res.Err, ErrChainTooLong)

	table.dealloc(chain)
	require.Equal(t, n, table.Free())
	require.Panics(t, func() { table.dealloc(chain[:1]) })
}

func Test_DescriptorTable_ConcurrentChainsAreDisjoint(t *testing.T) {
	const n, workers, rounds = 32, 8, 2000
	table := newDescriptorTable(ringMem(DescriptorSize*n), n, false, false)

	var owner [n]sync.Mutex
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chain := make([]uint16, 1+w%3)
			for range rounds {
				if table.makeChain(chain).Status != Ok {
					continue
				}
				for _, i := range chain {
					if !owner[i].TryLock() {
						t.Errorf("descriptor %d handed out twice", i)
						return
					}
				}
				for _, i := range chain {
					owner[i].Unlock()
				}
				table.dealloc(chain)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, n, table.Free())
}

func Test_DescriptorTable_InOrderRunsFollowRingClaims(t *testing.T) {
	table := newDescriptorTable(ringMem(DescriptorSize*4), 4, false, true)
	ring := newDriverRing(ringMem(DriverRingSpan(4)), 4, false, 0)

	a := make([]uint16, 3)
	require.Equal(t, Ok, table.reserve(len(a)).Status)
	slot, first := ring.claim(uint16(len(a)))
	table.fillRun(a, first)
	require.Equal(t, uint16(0), slot)
	require.Equal(t, []uint16{0, 1, 2}, a)
	require.Equal(t, uint16(1), ring.publish(slot, a[0]))
	table.dealloc(a)

	b := make([]uint16, 2)
	require.Equal(t, Ok, table.reserve(len(b)).Status)
	slot, first = ring.claim(uint16(len(b)))
	table.fillRun(b, first)
	require.Equal(t, uint16(1), slot)
	require.Equal(t, []uint16{3, 0}, b)
	require.Equal(t, DescNext, table.Get(3).Flags)
	require.Equal(t, uint16(0), table.Get(3).Next)
	require.Equal(t, DescFlag(0), table.Get(0).Flags)

	require.Equal(t, Retry, table.reserve(3).Status)
	require.Equal(t, 2, table.Free())
	require.Panics(t, func() { table.makeChain(make([]uint16, 1)) })
}

func Test_DriverRing_ClaimAdvancesCursorWithIndex(t *testing.T) {
	const n, publishers, each = 64, 8, 500
	r := newDriverRing(ringMem(DriverRingSpan(n)), n, false, 0)

	type run struct{ idx, cursor, descs uint16 }
	var (
		mu   sync.Mutex
		runs []run
		wg   sync.WaitGroup
	)
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []run
			for i := range each {
				descs := uint16(1 + (p+i)%3)
				idx, cur := r.claim(descs)
				mine = append(mine, run{idx, cur, descs})
				r.publish(idx, cur)
			}
			mu.Lock()
			runs = append(runs, mine...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	const total = publishers * each
	require.Len(t, runs, total)
	byIdx := make(map[uint16]run, total)
	for _, c := range runs {
		byIdx[c.idx] = c
	}
	var cursor uint16
	for i := range uint16(total) {
		c, ok := byIdx[i]
		require.True(t, ok, "index %d never claimed", i)
		require.Equal(t, cursor, c.cursor, "index %d", i)
		cursor += c.descs
	}
	require.Equal(t, uint16(total), r.Idx())
}

func Test_DriverRing_RevealedSlotsHoldWrittenValues(t *testing.T) {
	const n, publishers, each = 4096, 8, 500
	const unwritten = 0xffff
	r := newDriverRing(ringMem(DriverRingSpan(n)), n, false, 0)
	for i := range n {
		store16(r.mem, DriverEntryOffset(i), unwritten, false)
	}

	const total = publishers * each
	got := make(chan []uint16, 1)
	go func() {
		var vals []uint16
		var seen uint16
		for len(vals) < total {
			idx := r.Idx()
			for ; seen != idx; seen++ {
				vals = append(vals, r.Entry(int(seen)%n))
			}
		}
		got <- vals
	}()

	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				r.SetNextEntry(uint16(p*each + i))
			}
		}()
	}
	wg.Wait()

	vals := <-got
	require.Len(t, vals, total)
	seen := make(map[uint16]bool, total)
	for i, v := range vals {
		require.NotEqual(t, uint16(unwritten), v, "slot %d revealed before it was written", i)
		require.False(t, seen[v], "value %d revealed twice", v)
		seen[v] = true
	}
	for v := range uint16(total) {
		require.True(t, seen[v], "value %d never revealed", v)
	}
}
