package alloc

import "fmt"

// Layout is the size and alignment of a request made through the generic
// allocator methods.
type Layout struct {
	Size  uint64
	Align uint64
}

// Allocate returns a block that fits l.
func (a *AllMemAlloc) Allocate(l Layout) (Block, error) {
	return a.Malloc(l.Size, l.Align)
}

// Deallocate frees a block obtained from Allocate, Grow or Shrink.
func (a *AllMemAlloc) Deallocate(b Block, _ Layout) {
	if err := a.Free(b); err != nil {
		panic(fmt.Sprintf("alloc: deallocate 0x%x: %v", b.Addr, err))
	}
}

// Grow moves b into a larger block. The heap never grows in place, so the
// contents are always copied. On error b is untouched.
func (a *AllMemAlloc) Grow(b Block, old, l Layout) (Block, error) {
	return a.grow(b, old, l, false)
}

// GrowZeroed is Grow with every byte past old.Size set to zero.
func (a *AllMemAlloc) GrowZeroed(b Block, old, l Layout) (Block, error) {
	return a.grow(b, old, l, true)
}

func (a *AllMemAlloc) grow(b Block, old, l Layout, zero bool) (Block, error) {
	if l.Size < old.Size {
		panic(fmt.Sprintf("alloc: grow from %d to smaller size %d", old.Size, l.Size))
	}
	nb, err := a.Allocate(l)
	if err != nil {
		return Block{}, err
	}
	n := copy(nb.Data, b.Data[:min(uint64(len(b.Data)), old.Size)])
	if zero {
		clear(nb.Data[n:])
	}
	a.Deallocate(b, old)
	return nb, nil
}

// Shrink returns a block of l.Size bytes holding the start of b. When b is
// already aligned to l.Align it is reused in place; otherwise the contents
// move. It panics when l.Size exceeds old.Size.
func (a *AllMemAlloc) Shrink(b Block, old, l Layout) (Block, error) {
	if l.Size > old.Size {
		panic(fmt.Sprintf("alloc: shrink from %d to larger size %d", old.Size, l.Size))
	}
	align := max(l.Align, 1)
	if b.Addr%align == 0 && !b.IsZero() {
		b.Size = l.Size
		if b.Data != nil {
			b.Data = b.Data[:l.Size:l.Size]
		}
		return b, nil
	}

	nb, err := a.Allocate(l)
	if err != nil {
		return Block{}, err
	}
	copy(nb.Data, b.Data)
	a.Deallocate(b, old)
	return nb, nil
}
