package buf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// alignedBytes returns an 8-byte aligned slice of n bytes.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafeBytes(words)[:n]
}

func TestAtomic16_HalvesAreIndependent(t *testing.T) {
	b := alignedBytes(8)

	Store16(b, 0, 0x1111)
	Store16(b, 2, 0x2222)
	require.Equal(t, uint16(0x1111), Load16(b, 0))
	require.Equal(t, uint16(0x2222), Load16(b, 2))

	// Byte layout must match a plain native-order store.
	require.Equal(t, uint16(0x1111), nativeU16(b[0:2]))
	require.Equal(t, uint16(0x2222), nativeU16(b[2:4]))

	require.False(t, CompareAndSwap16(b, 2, 0x1111, 0x3333))
	require.True(t, CompareAndSwap16(b, 2, 0x2222, 0x3333))
	require.Equal(t, uint16(0x1111), Load16(b, 0))
	require.Equal(t, uint16(0x3333), Load16(b, 2))
}

func TestAtomic16_ConcurrentNeighbours(t *testing.T) {
	b := alignedBytes(4)
	const n = 2000

	var wg sync.WaitGroup
	for _, off := range []int{0, 2} {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			for range n {
				for {
					v := Load16(b, off)
					if CompareAndSwap16(b, off, v, v+1) {
						break
					}
				}
			}
		}(off)
	}
	wg.Wait()

	require.Equal(t, uint16(n), Load16(b, 0))
	require.Equal(t, uint16(n), Load16(b, 2))
}

func TestAtomic_MisalignedPanics(t *testing.T) {
	b := alignedBytes(16)
	require.Panics(t, func() { Load32(b, 2) })
	require.Panics(t, func() { Load16(b, 1) })
	require.Panics(t, func() { Load32(b, 16) })
}

func TestAtomic_32(t *testing.T) {
	b := alignedBytes(16)
	Store32(b, 4, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), Load32(b, 4))
	Store32(b, 8, 1)
	require.Equal(t, uint32(0xdeadbeef), Load32(b, 4))
	require.Equal(t, uint32(1), Load32(b, 8))
}
