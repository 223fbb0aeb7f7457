// Package virtio holds the constants shared by the VirtIO transport, the
// virtqueue engine and the simulated devices: feature bits, device status
// bits, interrupt causes and device type IDs.
package virtio

import (
	"strconv"
	"strings"
)

// Feature is a bit in the 64-bit feature word a device offers and a driver
// accepts. Bits 0 to 23 belong to the device type.
type Feature uint64

// Transport and ring features.
const (
	FeatureNotifyOnEmpty    Feature = 1 << 24
	FeatureAnyLayout        Feature = 1 << 27
	FeatureIndirectDesc     Feature = 1 << 28
	FeatureEventIdx         Feature = 1 << 29
	FeatureVersion1         Feature = 1 << 32
	FeatureAccessPlatform   Feature = 1 << 33
	FeaturePacked           Feature = 1 << 34
	FeatureInOrder          Feature = 1 << 35
	FeatureOrderPlatform    Feature = 1 << 36
	FeatureSRIOV            Feature = 1 << 37
	FeatureNotificationData Feature = 1 << 38
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureNotifyOnEmpty, "NOTIFY_ON_EMPTY"},
	{FeatureAnyLayout, "ANY_LAYOUT"},
	{FeatureIndirectDesc, "INDIRECT_DESC"},
	{FeatureEventIdx, "EVENT_IDX"},
	{FeatureVersion1, "VERSION_1"},
	{FeatureAccessPlatform, "ACCESS_PLATFORM"},
	{FeaturePacked, "RING_PACKED"},
	{FeatureInOrder, "IN_ORDER"},
	{FeatureOrderPlatform, "ORDER_PLATFORM"},
	{FeatureSRIOV, "SR_IOV"},
	{FeatureNotificationData, "NOTIFICATION_DATA"},
}

// Has reports whether every bit of x is set in f.
func (f Feature) Has(x Feature) bool { return f&x == x }

// Legacy reports whether a device negotiated with features f follows the
// pre-1.0 rules (native byte order, single contiguous queue layout).
func (f Feature) Legacy() bool { return !f.Has(FeatureVersion1) }

func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	rest := f
	for _, fn := range featureNames {
		if f.Has(fn.f) {
			parts = append(parts, fn.name)
			rest &^= fn.f
		}
	}
	if rest != 0 {
		parts = append(parts, "device:0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// Status is the device status register.
type Status uint32

const (
	StatusAcknowledge Status = 0x01
	StatusDriver      Status = 0x02
	StatusDriverOK    Status = 0x04
	StatusFeaturesOK  Status = 0x08
	StatusNeedsReset  Status = 0x40
	StatusFailed      Status = 0x80
)

// Has reports whether every bit of x is set in s.
func (s Status) Has(x Status) bool { return s&x == x }

// Interrupt is a cause bit in the interrupt status register.
type Interrupt uint32

const (
	InterruptUsedBuffer    Interrupt = 0x1
	InterruptConfigChanged Interrupt = 0x2
)

// Device type IDs.
const (
	DeviceNetwork = 1
	DeviceBlock   = 2
	DeviceConsole = 3
	DeviceEntropy = 4
	DeviceGPU     = 16
	DeviceInput   = 18
)
