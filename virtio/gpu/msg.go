// Package gpu speaks the small part of the virtio-gpu control protocol the
// tooling needs: creating and releasing 2D resources.
package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/joshuapare/physkit/internal/buf"
)

// MsgType identifies a control message or response.
type MsgType uint32

const (
	CmdGetDisplayInfo   MsgType = 0x0100
	CmdResourceCreate2D MsgType = 0x0101
	CmdResourceUnref    MsgType = 0x0102

	RespOkNoData      MsgType = 0x1100
	RespOkDisplayInfo MsgType = 0x1101

	RespErrUnspec            MsgType = 0x1200
	RespErrOutOfMemory       MsgType = 0x1201
	RespErrInvalidScanoutID  MsgType = 0x1202
	RespErrInvalidResourceID MsgType = 0x1203
	RespErrInvalidContextID  MsgType = 0x1204
	RespErrInvalidParameter  MsgType = 0x1205
)

var msgNames = map[MsgType]string{
	CmdGetDisplayInfo:        "GET_DISPLAY_INFO",
	CmdResourceCreate2D:      "RESOURCE_CREATE_2D",
	CmdResourceUnref:         "RESOURCE_UNREF",
	RespOkNoData:             "OK_NODATA",
	RespOkDisplayInfo:        "OK_DISPLAY_INFO",
	RespErrUnspec:            "ERR_UNSPEC",
	RespErrOutOfMemory:       "ERR_OUT_OF_MEMORY",
	RespErrInvalidScanoutID:  "ERR_INVALID_SCANOUT_ID",
	RespErrInvalidResourceID: "ERR_INVALID_RESOURCE_ID",
	RespErrInvalidContextID:  "ERR_INVALID_CONTEXT_ID",
	RespErrInvalidParameter:  "ERR_INVALID_PARAMETER",
}

func (t MsgType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(0x%x)", uint32(t))
}

// Format is a 2D resource pixel format.
type Format uint32

const (
	BytesBGRA Format = 0x01
	BytesBGRX Format = 0x02
	BytesARGB Format = 0x03
	BytesXRGB Format = 0x04
	BytesRGBA Format = 0x43
	BytesXBGR Format = 0x44
	BytesABGR Format = 0x79
	BytesRGBX Format = 0x86
)

// FlagFence asks the device to complete the command only once it is done.
const FlagFence uint32 = 0x1

// HeaderSize is the size of the header every message starts with.
//
//	0x00 u32 type
//	0x04 u32 flags
//	0x08 u64 fence_id
//	0x10 u32 ctx_id
//	0x14 u32 padding
const HeaderSize = 24

// Header starts every control message and response.
type Header struct {
	Type    MsgType
	Flags   uint32
	FenceID uint64
	CtxID   uint32
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(h.Type))
	le.PutUint32(b[4:], h.Flags)
	le.PutUint64(b[8:], h.FenceID)
	le.PutUint32(b[16:], h.CtxID)
	le.PutUint32(b[20:], 0)
}

// ParseHeader decodes a header. b must hold HeaderSize bytes.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &Error{Kind: ShortResponse, Len: len(b)}
	}
	return Header{
		Type:    MsgType(buf.U32LE(b[0:])),
		Flags:   buf.U32LE(b[4:]),
		FenceID: buf.U64LE(b[8:]),
		CtxID:   buf.U32LE(b[16:]),
	}, nil
}

// Command is a control message with a fixed-size body.
type Command interface {
	Type() MsgType
	// BodySize is the size of the body after the header.
	BodySize() int
	// PutBody encodes the body into b.
	PutBody(b []byte)
}

// ResourceCreate2D creates a host-side 2D resource. ResourceID must not be
// zero.
type ResourceCreate2D struct {
	ResourceID uint32
	Format     Format
	Width      uint32
	Height     uint32
}

func (ResourceCreate2D) Type() MsgType { return CmdResourceCreate2D }
func (ResourceCreate2D) BodySize() int { return 16 }

func (c ResourceCreate2D) PutBody(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], c.ResourceID)
	le.PutUint32(b[4:], uint32(c.Format))
	le.PutUint32(b[8:], c.Width)
	le.PutUint32(b[12:], c.Height)
}

// ResourceUnref releases a resource.
type ResourceUnref struct {
	ResourceID uint32
}

func (ResourceUnref) Type() MsgType { return CmdResourceUnref }
func (ResourceUnref) BodySize() int { return 8 }

func (c ResourceUnref) PutBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], c.ResourceID)
	binary.LittleEndian.PutUint32(b[4:], 0)
}

// Encode lays out header and body of c.
func Encode(c Command, flags uint32) []byte {
	b := make([]byte, HeaderSize+c.BodySize())
	Header{Type: c.Type(), Flags: flags}.Put(b)
	c.PutBody(b[HeaderSize:])
	return b
}
