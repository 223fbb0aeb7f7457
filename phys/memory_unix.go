//go:build unix

package phys

import (
	"errors"

	"golang.org/x/sys/unix"
)

// HostPageSize returns the page size of the running system.
func HostPageSize() int { return unix.Getpagesize() }

func mapAnon(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	// Simulated RAM is touched randomly by the allocator tests.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	cleanup := func() error {
		err := unix.Munmap(data)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, cleanup, nil
}
