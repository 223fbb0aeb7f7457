package alloc

import "testing"

// BenchmarkAllMemAlloc_Page measures the slab fast path.
func BenchmarkAllMemAlloc_Page(b *testing.B) {
	a := newTestAlloc(b, 1<<24, 64)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		blk, err := a.Malloc(testPage, testPage)
		if err != nil {
			b.Fatal(err)
		}
		if err := a.Free(blk); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAllMemAlloc_Small measures requests that go to the heap.
func BenchmarkAllMemAlloc_Small(b *testing.B) {
	a := newTestAlloc(b, 1<<24, 64)

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		blk, err := a.Malloc(uint64(32+(i%16)*32), 8)
		if err != nil {
			b.Fatal(err)
		}
		if err := a.Free(blk); err != nil {
			b.Fatal(err)
		}
	}
}
