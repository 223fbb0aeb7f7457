// Package memmap describes which physical address ranges exist and what kind
// of memory backs them. The heap consults a Map to decide where it may place
// allocations.
//
// A Map is not safe for concurrent mutation. Build it before handing it to a
// heap; the heap only ever reads it or works on a Clone.
package memmap

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

// MaxRegions is the capacity of a Map.
const MaxRegions = 64

// ErrFull is returned when a change would need more than MaxRegions regions.
var ErrFull = errors.New("memmap: too many regions")

// ErrEmptyRegion is returned for zero-sized regions.
var ErrEmptyRegion = errors.New("memmap: zero-sized region")

// Type is the kind of memory in a region.
type Type uint8

const (
	RAM Type = iota
	ROM
	MMIO
)

func (t Type) String() string {
	switch t {
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	case MMIO:
		return "mmio"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Region is one contiguous range of physical addresses.
type Region struct {
	Base         uint64
	Size         uint64
	Type         Type
	Hotpluggable bool
	Present      bool // always true unless Hotpluggable
}

// Last returns the address of the final byte. Using the inclusive end lets a
// region reach the very top of the address space without overflowing.
func (r Region) Last() uint64 { return r.Base + (r.Size - 1) }

// End returns the exclusive end address and false when the region reaches the
// top of the address space.
func (r Region) End() (uint64, bool) {
	if r.Last() == math.MaxUint64 {
		return 0, false
	}
	return r.Last() + 1, true
}

func (r Region) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x]", r.Type, r.Base, r.Last())
}

// Map is an ordered list of regions.
type Map struct {
	regions []Region
}

// New returns an empty map.
func New() *Map { return &Map{regions: make([]Region, 0, 8)} }

// Clone returns an independent copy.
func (m *Map) Clone() *Map { return &Map{regions: slices.Clone(m.regions)} }

// Len returns the number of regions.
func (m *Map) Len() int { return len(m.regions) }

// Regions returns a copy of every region in address order.
func (m *Map) Regions() []Region { return slices.Clone(m.regions) }

// PresentRAM returns the RAM regions that are currently present, in address
// order. These are the only places the heap allocates from.
func (m *Map) PresentRAM() []Region {
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		if r.Present && r.Type == RAM {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the region of the given type containing addr.
func (m *Map) Find(addr uint64, t Type) (Region, bool) {
	for _, r := range m.regions {
		if r.Type == t && addr >= r.Base && addr <= r.Last() {
			return r, true
		}
	}
	return Region{}, false
}

// AddRegion adds [base, base+size) to the map. Non-hotpluggable regions of
// the same type that overlap or touch are merged. Hotpluggable regions and
// regions of different types may overlap and are kept separate.
func (m *Map) AddRegion(base, size uint64, t Type, hotpluggable bool) error {
	if size == 0 {
		return ErrEmptyRegion
	}
	if base > math.MaxUint64-(size-1) {
		size = math.MaxUint64 - base + 1
	}
	nr := Region{Base: base, Size: size, Type: t, Hotpluggable: hotpluggable, Present: !hotpluggable}

	if !hotpluggable {
		for i := range m.regions {
			r := &m.regions[i]
			if r.Hotpluggable || r.Type != t || !touches(*r, nr) {
				continue
			}
			lo := min(r.Base, nr.Base)
			hi := max(r.Last(), nr.Last())
			r.Base, r.Size = lo, hi-lo+1
			m.coalesce(i)
			return nil
		}
	}

	if len(m.regions) >= MaxRegions {
		return ErrFull
	}
	i, _ := slices.BinarySearchFunc(m.regions, nr.Base, func(r Region, b uint64) int {
		return cmp.Compare(r.Base, b)
	})
	m.regions = slices.Insert(m.regions, i, nr)
	return nil
}

// touches reports whether a and b overlap or are directly adjacent.
func touches(a, b Region) bool {
	if a.Base > b.Base {
		a, b = b, a
	}
	return a.Last() == math.MaxUint64 || b.Base <= a.Last()+1
}

// coalesce merges region i with any neighbours it now touches and restores
// address order.
func (m *Map) coalesce(i int) {
	merged := m.regions[i]
	m.regions = slices.Delete(m.regions, i, i+1)
	for changed := true; changed; {
		changed = false
		for j, r := range m.regions {
			if r.Hotpluggable || r.Type != merged.Type || !touches(r, merged) {
				continue
			}
			lo := min(r.Base, merged.Base)
			hi := max(r.Last(), merged.Last())
			merged.Base, merged.Size = lo, hi-lo+1
			m.regions = slices.Delete(m.regions, j, j+1)
			changed = true
			break
		}
	}
	m.regions = append(m.regions, merged)
	slices.SortStableFunc(m.regions, func(a, b Region) int { return cmp.Compare(a.Base, b.Base) })
}

// RemoveRegion removes [base, base+size) from every region, splitting
// regions that straddle the hole. size may reach the top of the address
// space. If splitting would exceed MaxRegions the affected region is left
// untouched and ErrFull is returned.
func (m *Map) RemoveRegion(base, size uint64) error {
	if size == 0 {
		return ErrEmptyRegion
	}
	var last uint64 = math.MaxUint64
	if base <= math.MaxUint64-(size-1) {
		last = base + (size - 1)
	}

	var err error
	out := make([]Region, 0, len(m.regions)+1)
	for i, r := range m.regions {
		if r.Last() < base || r.Base > last {
			out = append(out, r)
			continue
		}
		var pieces []Region
		if r.Base < base {
			left := r
			left.Size = base - r.Base
			pieces = append(pieces, left)
		}
		if r.Last() > last {
			right := r
			right.Base = last + 1
			right.Size = r.Last() - right.Base + 1
			pieces = append(pieces, right)
		}
		if len(out)+len(pieces)+(len(m.regions)-i-1) > MaxRegions {
			out = append(out, r)
			err = ErrFull
			continue
		}
		out = append(out, pieces...)
	}
	m.regions = out
	return err
}
