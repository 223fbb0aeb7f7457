package virtqueue

import "errors"

var (
	// ErrTooLarge is returned for buffers of 4 GiB or more.
	ErrTooLarge = errors.New("virtqueue: buffer of at least 4 GiB")

	// ErrChainTooLong is returned when a chain needs more descriptors than
	// the queue has.
	ErrChainTooLong = errors.New("virtqueue: chain longer than the descriptor table")

	// ErrBadQueueLen is returned for queue lengths that are zero, above
	// MaxLen or not a power of two.
	ErrBadQueueLen = errors.New("virtqueue: bad queue length")

	// ErrPending is returned by Poll while the device still owns the buffer.
	ErrPending = errors.New("virtqueue: response pending")

	// ErrCanceled is returned by Poll and Wait after Cancel.
	ErrCanceled = errors.New("virtqueue: request canceled")

	// ErrBadUsedLen is returned when the device claims to have written more
	// bytes than the writable part of the buffer holds.
	ErrBadUsedLen = errors.New("virtqueue: device reported too many bytes written")

	// ErrNoBacking is returned when queue memory has no host mapping.
	ErrNoBacking = errors.New("virtqueue: queue memory is not addressable")
)
