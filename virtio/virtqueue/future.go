package virtqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a waiter sleeps without an interrupt before
// it looks at the device ring itself.
const pollInterval = time.Millisecond

// Waker is told when a response becomes ready.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to Waker.
type WakerFunc func()

// Wake calls f.
func (f WakerFunc) Wake() { f() }

// Response is a completed request. Valid counts the bytes the device wrote
// into the writable part of Buf.
type Response struct {
	Buf   Buffer
	Valid uint64

	recvOff uint64
}

// Recv returns the bytes the device wrote, or nil if Buf has no host
// mapping.
func (r Response) Recv() []byte {
	b, ok := r.Buf.(interface{ Bytes() []byte })
	if !ok || b.Bytes() == nil {
		return nil
	}
	return b.Bytes()[r.recvOff : r.recvOff+r.Valid]
}

type request struct {
	chain     [2]uint16
	count     int
	buf       Buffer
	recvOff   uint64
	recvLen   uint64
	legacyLen int

	resp     Response
	err      error
	finished atomic.Bool
	done     chan struct{}

	waker    atomic.Pointer[Waker]
	canceled atomic.Bool
}

func (r *request) finish(resp Response, err error) {
	resp.recvOff = r.recvOff
	r.resp, r.err = resp, err
	r.finished.Store(true)
	close(r.done)
	if r.canceled.Load() {
		return
	}
	if w := r.waker.Swap(nil); w != nil {
		(*w).Wake()
	}
}

func (r *request) result() (Response, error, bool) {
	if !r.finished.Load() {
		return Response{}, nil, false
	}
	return r.resp, r.err, true
}

func immediateFuture(b Buffer) *ResponseFuture {
	req := &request{buf: b, done: make(chan struct{})}
	req.finish(Response{Buf: b}, nil)
	return &ResponseFuture{req: req}
}

// ResponseFuture is the pending answer to one SendRecv.
type ResponseFuture struct {
	q   *VirtQueue
	req *request
}

// Poll returns the response, or ErrPending while the device still owns the
// buffer. w is woken once the response arrives; a later Poll replaces it.
func (f *ResponseFuture) Poll(w Waker) (Response, error) {
	if f.req.canceled.Load() {
		return Response{}, ErrCanceled
	}
	if resp, err, ok := f.req.result(); ok {
		return resp, err
	}
	if f.q != nil {
		f.q.ProcessUsed()
		if resp, err, ok := f.req.result(); ok {
			return resp, err
		}
	}
	if w != nil {
		f.req.waker.Store(&w)
		// Completion may have slipped in before the store.
		if resp, err, ok := f.req.result(); ok {
			f.req.waker.Store(nil)
			return resp, err
		}
	}
	return Response{}, ErrPending
}

// Wait blocks until the response arrives or ctx ends. It drives ProcessUsed
// itself when no interrupt does.
func (f *ResponseFuture) Wait(ctx context.Context) (Response, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		resp, err := f.Poll(nil)
		if !errors.Is(err, ErrPending) {
			return resp, err
		}
		select {
		case <-f.req.done:
		case <-t.C:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// Done returns a channel closed when the device returns the buffer.
func (f *ResponseFuture) Done() <-chan struct{} { return f.req.done }

// Cancel abandons the request. The buffer stays owned by the device until
// it is returned; its descriptors are released then as usual.
func (f *ResponseFuture) Cancel() {
	f.req.canceled.Store(true)
	f.req.waker.Store(nil)
}

// Submit is SendRecv that waits for descriptors instead of returning Retry.
func (q *VirtQueue) Submit(ctx context.Context, b Buffer, firstRecv uint64, legacyLen int) (*ResponseFuture, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		freed := q.freedSignal()
		r := q.SendRecv(b, firstRecv, legacyLen)
		switch r.Status {
		case Ok:
			return r.Future, nil
		case Err:
			return nil, r.Err
		}
		if q.ProcessUsed() > 0 {
			continue
		}
		select {
		case <-freed:
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
