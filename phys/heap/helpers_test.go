package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/physkit/phys/memmap"
)

const testBase = 0x10_0000

// newTestHeap returns a heap over one RAM region of size bytes at testBase.
func newTestHeap(t testing.TB, size uint64) *Heap {
	t.Helper()
	mm := memmap.New()
	require.NoError(t, mm.AddRegion(testBase, size, memmap.RAM, false))
	h, err := New(mm, nil)
	require.NoError(t, err)
	return h
}

// drain walks the list until no more freed nodes can be unlinked.
func drain(t *testing.T, h *Heap) {
	t.Helper()
	prev := -1
	for range 64 {
		n := h.Collect()
		if n == prev {
			return
		}
		prev = n
	}
}

// requireEmpty asserts that only master block spans remain.
func requireEmpty(t *testing.T, h *Heap) {
	t.Helper()
	drain(t, h)
	h.Walk(func(b Block) bool {
		require.True(t, b.Master || b.Freeing, "expected empty heap, found block at 0x%x (0x%x bytes)", b.Base, b.Size)
		return true
	})
	require.NoError(t, h.Validate())
}

// requireListed asserts that a is linked and lies inside present RAM.
func requireListed(t *testing.T, h *Heap, a *Allocation) {
	t.Helper()
	found := false
	h.Walk(func(b Block) bool {
		if b.Base == a.Base() {
			require.Equal(t, a.Size(), b.Size)
			require.False(t, b.Master, "publicly visible blocks should not be master blocks")
			found = true
			return false
		}
		return true
	})
	require.True(t, found, "allocation at 0x%x is not in the list", a.Base())

	r, ok := h.Map().Find(a.Base(), memmap.RAM)
	require.True(t, ok, "allocation at 0x%x is outside RAM", a.Base())
	require.LessOrEqual(t, a.Base()+a.Size()-1, r.Last())
}
