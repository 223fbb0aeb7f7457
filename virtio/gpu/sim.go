package gpu

import (
	"sync"

	"github.com/joshuapare/physkit/internal/buf"
	"github.com/joshuapare/physkit/virtio/simdev"
)

// Sim is a minimal GPU for simdev. It tracks 2D resources and answers
// every other command with ERR_UNSPEC.
type Sim struct {
	mu        sync.Mutex
	resources map[uint32]ResourceCreate2D
}

// NewSim returns a GPU with no resources.
func NewSim() *Sim { return &Sim{resources: make(map[uint32]ResourceCreate2D)} }

// Resources returns the number of live resources.
func (s *Sim) Resources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Resource returns the parameters resource id was created with.
func (s *Sim) Resource(id uint32) (ResourceCreate2D, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	return r, ok
}

// Handle implements simdev.Handler.
func (s *Sim) Handle(_ uint32, req *simdev.Request) uint32 {
	msg := req.ReadAll()
	h, err := ParseHeader(msg)
	if err != nil {
		return s.reply(req, RespErrUnspec, Header{})
	}
	body := msg[HeaderSize:]

	s.mu.Lock()
	defer s.mu.Unlock()
	switch h.Type {
	case CmdResourceCreate2D:
		b, ok := buf.Slice(body, 0, 16)
		if !ok {
			return s.reply(req, RespErrInvalidParameter, h)
		}
		c := ResourceCreate2D{
			ResourceID: buf.U32LE(b[0:]),
			Format:     Format(buf.U32LE(b[4:])),
			Width:      buf.U32LE(b[8:]),
			Height:     buf.U32LE(b[12:]),
		}
		if _, dup := s.resources[c.ResourceID]; dup || c.ResourceID == 0 {
			return s.reply(req, RespErrInvalidResourceID, h)
		}
		s.resources[c.ResourceID] = c
		return s.reply(req, RespOkNoData, h)
	case CmdResourceUnref:
		if !buf.Has(body, 0, 4) {
			return s.reply(req, RespErrInvalidParameter, h)
		}
		id := buf.U32LE(body)
		if _, ok := s.resources[id]; !ok {
			return s.reply(req, RespErrInvalidResourceID, h)
		}
		delete(s.resources, id)
		return s.reply(req, RespOkNoData, h)
	}
	return s.reply(req, RespErrUnspec, h)
}

// reply echoes the fence of the request header as the device would.
func (s *Sim) reply(req *simdev.Request, t MsgType, in Header) uint32 {
	var b [HeaderSize]byte
	Header{Type: t, Flags: in.Flags & FlagFence, FenceID: in.FenceID, CtxID: in.CtxID}.Put(b[:])
	return req.Write(b[:])
}
