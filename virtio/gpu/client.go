package gpu

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/virtio/virtqueue"
)

// Client sends control commands over a GPU's control queue.
type Client struct {
	q     *virtqueue.VirtQueue
	mem   virtqueue.Memory
	flags uint32
}

// NewClient wraps the control queue q. Command buffers come from mem.
func NewClient(q *virtqueue.VirtQueue, mem virtqueue.Memory) *Client {
	return &Client{q: q, mem: mem}
}

// SetFlags sets the header flags used for subsequent commands.
func (c *Client) SetFlags(flags uint32) { c.flags = flags }

// CreateResource2D creates resource id.
func (c *Client) CreateResource2D(ctx context.Context, id uint32, format Format, width, height uint32) error {
	if id == 0 {
		return errors.New("gpu: resource id 0 is reserved")
	}
	return c.Do(ctx, ResourceCreate2D{ResourceID: id, Format: format, Width: width, Height: height}, RespOkNoData)
}

// UnrefResource releases resource id.
func (c *Client) UnrefResource(ctx context.Context, id uint32) error {
	return c.Do(ctx, ResourceUnref{ResourceID: id}, RespOkNoData)
}

// Do sends cmd and checks that the device answers with want.
func (c *Client) Do(ctx context.Context, cmd Command, want MsgType) error {
	msg := Encode(cmd, c.flags)
	b, err := c.mem.Malloc(uint64(len(msg)+HeaderSize), 8)
	if err != nil {
		return fmt.Errorf("gpu: %s: %w", cmd.Type(), err)
	}
	release := true
	defer func() {
		if release {
			_ = c.mem.Free(b)
		}
	}()
	if b.Data == nil {
		return fmt.Errorf("gpu: %s: %w", cmd.Type(), virtqueue.ErrNoBacking)
	}
	copy(b.Data, msg)
	clear(b.Data[len(msg):])

	f, err := c.q.Submit(ctx, b, uint64(len(msg)), HeaderSize)
	if err != nil {
		return fmt.Errorf("gpu: %s: %w", cmd.Type(), err)
	}
	resp, err := f.Wait(ctx)
	if err != nil {
		// The device still owns the buffer; free it once it comes back.
		f.Cancel()
		release = false
		go func() {
			<-f.Done()
			_ = c.mem.Free(b)
		}()
		return fmt.Errorf("gpu: %s: %w", cmd.Type(), err)
	}

	h, err := ParseHeader(resp.Recv())
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			ge.Cmd = cmd.Type()
		}
		return err
	}
	if h.Type != want {
		logger.Debug("gpu: unexpected response", "cmd", cmd.Type().String(), "got", h.Type.String())
		return &Error{Kind: UnexpectedResponse, Cmd: cmd.Type(), Got: h.Type, Expected: want}
	}
	return nil
}
