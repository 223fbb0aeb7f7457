package memmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func ram(base, size uint64) Region {
	return Region{Base: base, Size: size, Type: RAM, Present: true}
}

func Test_Map_Empty(t *testing.T) {
	m := New()
	require.Empty(t, m.PresentRAM())
	require.ErrorIs(t, m.AddRegion(0, 0, RAM, false), ErrEmptyRegion)
}

func Test_Map_AdjacentRegionsMergeInAnyOrder(t *testing.T) {
	orders := [][]uint64{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		m := New()
		for _, i := range order {
			require.NoError(t, m.AddRegion(0x1000*i, 0x1000, RAM, false))
		}
		require.Equal(t, []Region{ram(0, 0x3000)}, m.PresentRAM(), "order %v", order)
	}
}

func Test_Map_SupersetAndSubset(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(0x0, 0x1_0000_0000, RAM, false))
	require.NoError(t, m.AddRegion(0x8000_0000, 0x1000_0000, RAM, false))
	require.Equal(t, []Region{ram(0, 0x1_0000_0000)}, m.PresentRAM())

	m = New()
	require.NoError(t, m.AddRegion(0x8000_0000, 0x1000_0000, RAM, false))
	require.NoError(t, m.AddRegion(0x0, 0x1_0000_0000, RAM, false))
	require.Equal(t, []Region{ram(0, 0x1_0000_0000)}, m.PresentRAM())
}

func Test_Map_HotpluggableNotPresent(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(0x8000_0000, 0x8000_0000, RAM, true))
	require.NoError(t, m.AddRegion(0x1_0000_0000, 0x1_0000_0000, RAM, false))

	require.Equal(t, 2, m.Len())
	require.Equal(t, []Region{ram(0x1_0000_0000, 0x1_0000_0000)}, m.PresentRAM())
}

func Test_Map_MMIOKeptSeparate(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(0x0, 0x10000, RAM, false))
	require.NoError(t, m.AddRegion(0x10000, 0x1000, MMIO, false))

	require.Equal(t, 2, m.Len())
	r, ok := m.Find(0x10800, MMIO)
	require.True(t, ok)
	require.Equal(t, uint64(0x10000), r.Base)
	_, ok = m.Find(0x10800, RAM)
	require.False(t, ok)
}

func Test_Map_RemoveSplits(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(0x0, 0x10000, RAM, false))
	require.NoError(t, m.RemoveRegion(0x4000, 0x1000))

	require.Equal(t, []Region{ram(0, 0x4000), ram(0x5000, 0xb000)}, m.PresentRAM())
}

func Test_Map_RemoveToTopOfAddressSpace(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(0x0, 0x1_0000_0000, RAM, false))
	clone := m.Clone()

	const limit = uint64(1) << 20
	require.NoError(t, clone.RemoveRegion(limit, math.MaxUint64-limit+1))

	require.Equal(t, []Region{ram(0, limit)}, clone.PresentRAM())
	require.Equal(t, []Region{ram(0, 0x1_0000_0000)}, m.PresentRAM(), "clone must not alias the original")
}

func Test_Map_RegionAtTopOfAddressSpace(t *testing.T) {
	m := New()
	require.NoError(t, m.AddRegion(math.MaxUint64-0xfff, 0x2000, RAM, false))

	regions := m.PresentRAM()
	require.Len(t, regions, 1)
	require.Equal(t, uint64(math.MaxUint64), regions[0].Last())
	_, ok := regions[0].End()
	require.False(t, ok)
}

func Test_Map_TooManyRegions(t *testing.T) {
	m := New()
	for i := range uint64(MaxRegions) {
		require.NoError(t, m.AddRegion(i*0x2000, 0x1000, RAM, false))
	}
	require.ErrorIs(t, m.AddRegion(MaxRegions*0x2000, 0x1000, RAM, false), ErrFull)

	// Filling a gap merges two regions and needs no new slot.
	require.NoError(t, m.AddRegion(0x1000, 0x1000, RAM, false))
	require.Equal(t, MaxRegions-1, m.Len())
}
