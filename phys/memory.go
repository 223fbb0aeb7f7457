// Package phys models a physical address space backed by ordinary process
// memory. A Memory is a contiguous stretch of simulated RAM that starts at an
// arbitrary physical base address; the heap hands out physical addresses
// inside it and callers translate them back to byte slices with Slice.
package phys

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/joshuapare/physkit/internal/buf"
)

var (
	// ErrOutOfRange is returned when a physical range is not backed by this Memory.
	ErrOutOfRange = errors.New("phys: address range not backed by memory")

	// ErrBadSize is returned when a Memory cannot be created with the requested geometry.
	ErrBadSize = errors.New("phys: invalid memory size")
)

// Memory is simulated physical RAM.
type Memory struct {
	base  uint64
	data  []byte
	unmap func() error
}

// NewMemory maps size bytes of zeroed RAM and presents them at physical
// address base. size is rounded up to the host page size.
func NewMemory(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, ErrBadSize
	}
	page := uint64(HostPageSize())
	size = buf.AlignUp(size, page)
	if size == 0 || size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, size)
	}
	if _, ok := buf.AddU64(base, size); !ok {
		return nil, fmt.Errorf("%w: base 0x%x + 0x%x wraps", ErrBadSize, base, size)
	}

	data, unmap, err := mapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("phys: map %d bytes: %w", size, err)
	}
	return &Memory{base: base, data: data, unmap: unmap}, nil
}

// Base returns the physical address of the first byte.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the number of bytes of RAM.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// End returns the physical address one past the last byte.
func (m *Memory) End() uint64 { return m.base + uint64(len(m.data)) }

// Contains reports whether [addr, addr+n) lies inside this Memory.
func (m *Memory) Contains(addr, n uint64) bool {
	end, ok := buf.AddU64(addr, n)
	return ok && addr >= m.base && end <= m.End()
}

// Slice returns the bytes backing [addr, addr+n). The slice aliases the
// simulated RAM, so writes are visible to every other holder of the range.
func (m *Memory) Slice(addr, n uint64) ([]byte, error) {
	if !m.Contains(addr, n) {
		return nil, fmt.Errorf("%w: [0x%x, +0x%x)", ErrOutOfRange, addr, n)
	}
	off := addr - m.base
	return m.data[off : off+n : off+n], nil
}

// MustSlice is Slice for ranges the caller has already validated.
func (m *Memory) MustSlice(addr, n uint64) []byte {
	b, err := m.Slice(addr, n)
	if err != nil {
		panic(err)
	}
	return b
}

// AddrOf translates a slice obtained from Slice back to its physical address.
func (m *Memory) AddrOf(b []byte) (uint64, bool) {
	if len(m.data) == 0 || cap(b) == 0 {
		return 0, false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if p < start || p >= start+uintptr(len(m.data)) {
		return 0, false
	}
	return m.base + uint64(p-start), true
}

// Close releases the backing mapping. Slices obtained earlier must not be used afterwards.
func (m *Memory) Close() error {
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	m.data = nil
	return err
}
