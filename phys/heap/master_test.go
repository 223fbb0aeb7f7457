package heap

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// newDynamicMaster registers a master block the way allocMasters does.
func newDynamicMaster(t *testing.T, h *Heap) *MasterBlock {
	t.Helper()
	backing, err := h.Malloc(MasterBlockSize, MasterBlockAlign)
	require.NoError(t, err)
	mb := h.registerMaster(backing)
	require.NotNil(t, mb)
	backing.node.isMaster.Store(true)
	h.unusedSlots.Add(NodesPerMasterBlock)
	mb.used.Store(0)
	return mb
}

func Test_MasterBlock_ClaimTakesLowestFreeSlot(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	mb := newDynamicMaster(t, h)

	n0 := mb.claimNode()
	n1 := mb.claimNode()
	n2 := mb.claimNode()
	require.Same(t, &mb.nodes[0], n0)
	require.Same(t, &mb.nodes[1], n1)
	require.Same(t, &mb.nodes[2], n2)
	require.Equal(t, uint64(0b111), mb.Used())

	mb.unuseNode(n1)
	require.Equal(t, uint64(0b101), mb.Used())
	require.Same(t, n1, mb.claimNode())
}

func Test_MasterBlock_FullBlockClaimsNothing(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	mb := newDynamicMaster(t, h)
	for range NodesPerMasterBlock {
		require.NotNil(t, mb.claimNode())
	}
	require.Nil(t, mb.claimNode())
}

func Test_MasterBlock_UnuseTwicePanics(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	mb := newDynamicMaster(t, h)
	a := mb.claimNode()
	mb.claimNode()
	mb.unuseNode(a)
	require.Panics(t, func() { mb.unuseNode(a) })
}

func Test_MasterBlock_ForeignNodePanics(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	mb := newDynamicMaster(t, h)
	static := h.masters[0].Load()
	require.Panics(t, func() { mb.unuseNode(&static.nodes[3]) })
}

// Random claim/unuse sequences must keep the bitmap in step with the set of
// claimed slots, and a block with any slot in use must stay registered.
func Test_MasterBlock_ClaimUnuseFuzz(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newTestHeap(t, 1<<20)
		mb := newDynamicMaster(t, h)

		var expected uint64
		var held []*Node

		// Keep one slot pinned until the end so the block cannot go away.
		pin := mb.claimNode()
		h.unusedSlots.Add(-1)
		expected |= 1

		for range 2000 {
			if len(held) == 0 || (len(held) < NodesPerMasterBlock-1 && rng.Intn(2) == 0) {
				n := mb.claimNode()
				require.NotNil(t, n)
				h.unusedSlots.Add(-1)
				expected |= uint64(1) << ((n.handle - 1) % NodesPerMasterBlock)
				held = append(held, n)
			} else {
				i := rng.Intn(len(held))
				n := held[i]
				held[i] = held[len(held)-1]
				held = held[:len(held)-1]
				expected &^= uint64(1) << ((n.handle - 1) % NodesPerMasterBlock)
				h.unusedSlots.Add(1)
				mb.unuseNode(n)
			}
			require.Equal(t, expected, mb.Used(), "seed %d", seed)
			require.Equal(t, len(held)+1, bits.OnesCount64(mb.Used()))
			require.Same(t, mb, h.masters[mb.index].Load(), "block with used slots was released")
		}

		for _, n := range held {
			h.unusedSlots.Add(1)
			mb.unuseNode(n)
		}
		require.Same(t, mb, h.masters[mb.index].Load())

		h.unusedSlots.Add(1)
		mb.unuseNode(pin)
		require.Nil(t, h.masters[mb.index].Load(), "empty block should be released")
		require.True(t, mb.backing.node.Freeing())
		require.Equal(t, uint64(allSlots), mb.Used(), "released block must not hand out slots")
		require.Nil(t, mb.claimNode())
		requireEmpty(t, h)
	}
}

func Test_MasterBlock_KeepsReserve(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	mb := newDynamicMaster(t, h)

	// Pretend everything else is in use: freeing this block would drop the
	// spare count below MaxVisitors.
	spare := h.unusedSlots.Load() - NodesPerMasterBlock
	h.unusedSlots.Add(-spare)

	n := mb.claimNode()
	h.unusedSlots.Add(-1)
	h.unusedSlots.Add(1)
	mb.unuseNode(n)

	require.Same(t, mb, h.masters[mb.index].Load())
	require.Zero(t, mb.Used())
	require.Equal(t, int64(NodesPerMasterBlock), h.unusedSlots.Load())
	h.unusedSlots.Add(spare)
}
