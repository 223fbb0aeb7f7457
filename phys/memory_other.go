//go:build !unix

package phys

import "os"

// HostPageSize returns the page size of the running system.
func HostPageSize() int { return os.Getpagesize() }

// mapAnon falls back to the Go heap when anonymous mappings are unavailable.
// A uint64 backing array keeps the base 8-byte aligned for the atomic helpers.
func mapAnon(size int) ([]byte, func() error, error) {
	words := make([]uint64, (size+4095)/8+512)
	raw := unsafeBytes(words)
	off := 0
	if r := addrOf(raw) % 4096; r != 0 {
		off = int(4096 - r)
	}
	return raw[off : off+size : off+size], func() error { return nil }, nil
}
