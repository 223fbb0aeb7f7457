// Package mmio drives VirtIO devices over the memory-mapped transport:
// version checks, feature negotiation, queue setup and interrupt handling.
package mmio

import (
	"fmt"

	"github.com/joshuapare/physkit/internal/buf"
)

// Register byte offsets.
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegGuestPageSize     = 0x028 // legacy
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueAlign        = 0x03c // legacy
	RegQueuePFN          = 0x040 // legacy
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueDriverLow    = 0x090
	RegQueueDriverHigh   = 0x094
	RegQueueDeviceLow    = 0x0a0
	RegQueueDeviceHigh   = 0x0a4
	RegConfigGeneration  = 0x0fc

	// ConfigOffset is where device-specific configuration starts.
	ConfigOffset = 0x100
)

// Magic is "virt" read as a little-endian word.
const Magic = 0x74726976

// Registers is a device's register file. Offsets are byte offsets of 32-bit
// registers.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Window is a Registers over a mapped register range. The range must be
// 4-byte aligned. Config space follows the registers.
type Window struct {
	mem []byte
}

// NewWindow wraps mem, which must cover at least the register block.
func NewWindow(mem []byte) (*Window, error) {
	if len(mem) < ConfigOffset {
		return nil, &InitError{Kind: TooFewRegisters, Detail: fmt.Sprintf("%d bytes mapped", len(mem))}
	}
	return &Window{mem: mem}, nil
}

// Read32 loads a little-endian register.
func (w *Window) Read32(off uint32) uint32 {
	return buf.Swap32(buf.Load32(w.mem, int(off)), false)
}

// Write32 stores a little-endian register.
func (w *Window) Write32(off uint32, v uint32) {
	buf.Store32(w.mem, int(off), buf.Swap32(v, false))
}

// Config returns the device configuration space. It is empty when the
// mapping ends at the register block.
func (w *Window) Config() []byte { return w.mem[ConfigOffset:] }

func write64(r Registers, lo uint32, v uint64) {
	r.Write32(lo, uint32(v))
	r.Write32(lo+4, uint32(v>>32))
}
