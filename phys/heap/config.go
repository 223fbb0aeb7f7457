package heap

import "os"

// NodesPerMasterBlock is the number of node slots in each master block.
const NodesPerMasterBlock = 64

// NodeFootprint is the physical footprint accounted to one node slot.
const NodeFootprint = 64

// MasterBlockSize is the size of the span a dynamic master block occupies.
const MasterBlockSize = NodesPerMasterBlock * NodeFootprint

// MasterBlockAlign is the alignment of a dynamic master block's span.
const MasterBlockAlign = NodeFootprint

// Config controls heap limits.
type Config struct {
	// MaxVisitors bounds the number of concurrent list traversals. It is also
	// the number of spare node slots kept in reserve so a new master block can
	// always be allocated.
	MaxVisitors int

	// MaxMasterBlocks bounds the master block table, including the static one.
	MaxMasterBlocks int
}

// DefaultConfig is used when New is given a nil config.
var DefaultConfig = Config{
	MaxVisitors:     NodeFootprint/2 - 1,
	MaxMasterBlocks: 1 << 14,
}

func (c Config) validate() error {
	if c.MaxVisitors < 1 || c.MaxVisitors >= NodesPerMasterBlock {
		return ErrBadConfig
	}
	if c.MaxMasterBlocks < 2 || uint64(c.MaxMasterBlocks)*NodesPerMasterBlock >= 1<<32 {
		return ErrBadConfig
	}
	return nil
}

// logAlloc turns on slow-path allocation logging.
var logAlloc = os.Getenv("PHYS_LOG_ALLOC") != ""
