package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_List_FallsThroughToOlderAllocators(t *testing.T) {
	var l List
	older, _ := newTestAllocator(0x10000, 1)
	newer, _ := newTestAllocator(0x20000, 1)
	l.Prepend(older)
	l.Prepend(newer)
	require.Equal(t, 2, l.Len())

	base, a, err := l.TryAlloc()
	require.NoError(t, err)
	require.Same(t, newer, a)
	require.Equal(t, uint64(0x20000), base)

	base, a, err = l.TryAlloc()
	require.NoError(t, err)
	require.Same(t, older, a)
	require.Equal(t, uint64(0x10000), base)

	_, _, err = l.TryAlloc()
	require.ErrorIs(t, err, ErrSlabEmpty)

	require.True(t, l.Free(0x10000))
	require.False(t, l.Free(0x30000))
	require.Same(t, older, l.Owner(0x10000))
	require.Nil(t, l.Owner(0x30000))
}

func Test_List_EmptyList(t *testing.T) {
	var l List
	_, _, err := l.TryAlloc()
	require.ErrorIs(t, err, ErrSlabEmpty)
	require.Zero(t, l.Len())
}

func Test_List_ConcurrentPrepend(t *testing.T) {
	var l List
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _ := newTestAllocator(uint64(i+1)<<24, 2)
			l.Prepend(a)
		}(g)
	}
	wg.Wait()

	require.Equal(t, 16, l.Len())
	seen := 0
	l.Each(func(*Allocator) bool {
		seen++
		return true
	})
	require.Equal(t, 16, seen)
}
