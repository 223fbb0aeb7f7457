package gpu

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/physkit/phys"
	"github.com/joshuapare/physkit/phys/alloc"
	"github.com/joshuapare/physkit/virtio"
	"github.com/joshuapare/physkit/virtio/mmio"
	"github.com/joshuapare/physkit/virtio/simdev"
)

func Test_ResourceCreate2D_Encoding(t *testing.T) {
	msg := Encode(ResourceCreate2D{ResourceID: 5, Format: BytesRGBA, Width: 4, Height: 4}, 0)
	require.Len(t, msg, HeaderSize+16)
	require.Equal(t, "01010000"+"00000000"+"0000000000000000"+"00000000"+"00000000", hex.EncodeToString(msg[:HeaderSize]))
	require.Equal(t, "05000000"+"43000000"+"04000000"+"04000000", hex.EncodeToString(msg[HeaderSize:]))
}

func Test_ResourceUnref_Encoding(t *testing.T) {
	msg := Encode(ResourceUnref{ResourceID: 0x0a0b}, FlagFence)
	require.Len(t, msg, HeaderSize+8)
	h, err := ParseHeader(msg)
	require.NoError(t, err)
	require.Equal(t, CmdResourceUnref, h.Type)
	require.Equal(t, FlagFence, h.Flags)
	require.Equal(t, "0b0a0000"+"00000000", hex.EncodeToString(msg[HeaderSize:]))
}

func Test_ParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, &Error{Kind: ShortResponse})
}

func newTestClient(t *testing.T, handler simdev.Handler, features virtio.Feature) *Client {
	t.Helper()
	mem, err := phys.NewMemory(0x40_0000, 1<<21)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	a, err := alloc.New(mem, nil, &alloc.Config{PageSize: 0x1000, SlabCount: 4})
	require.NoError(t, err)

	var dev *mmio.Device
	sim := simdev.New(mem, handler, simdev.Options{
		DeviceType:  virtio.DeviceGPU,
		Features:    features,
		Queues:      2,
		OnInterrupt: func() { dev.HandleInterrupt() },
	})
	dev, err = mmio.Init(sim, a, mmio.Options{
		DeviceType:  virtio.DeviceGPU,
		Optional:    virtio.FeatureVersion1,
		Queues:      2,
		MaxQueueLen: 8,
	})
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return NewClient(dev.Queues[0], a)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func Test_Client_CreateAndUnref(t *testing.T) {
	for _, features := range []virtio.Feature{virtio.FeatureVersion1, 0} {
		gpu := NewSim()
		c := newTestClient(t, gpu.Handle, features)
		ctx := testContext(t)

		require.NoError(t, c.CreateResource2D(ctx, 5, BytesRGBA, 4, 4))
		r, ok := gpu.Resource(5)
		require.True(t, ok)
		require.Equal(t, ResourceCreate2D{ResourceID: 5, Format: BytesRGBA, Width: 4, Height: 4}, r)

		err := c.CreateResource2D(ctx, 5, BytesRGBA, 4, 4)
		require.ErrorIs(t, err, &Error{Kind: UnexpectedResponse})
		require.Contains(t, err.Error(), "ERR_INVALID_RESOURCE_ID")

		require.NoError(t, c.UnrefResource(ctx, 5))
		require.Zero(t, gpu.Resources())
		require.Error(t, c.CreateResource2D(ctx, 0, BytesRGBA, 1, 1))
	}
}

func Test_Client_ShortResponse(t *testing.T) {
	c := newTestClient(t, func(_ uint32, req *simdev.Request) uint32 {
		return req.Write([]byte{0, 0x11, 0, 0})
	}, virtio.FeatureVersion1)

	err := c.UnrefResource(testContext(t), 1)
	require.ErrorIs(t, err, &Error{Kind: ShortResponse})
	require.Contains(t, err.Error(), "RESOURCE_UNREF")
}
