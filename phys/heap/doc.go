// Package heap tracks which spans of physical memory are in use.
//
// # Overview
//
// Every allocated span is described by a Node. Nodes form a singly linked
// list kept in strictly increasing base order; free space is whatever lies
// between consecutive nodes inside a RAM region of the memory map. The list
// is lock-free: inserts are a single compare-and-swap on the predecessor's
// next pointer, and frees only set a flag on the node.
//
// # Node Lifetime
//
// Node storage comes from MasterBlocks, fixed arenas of 64 slots. Links
// between nodes are tagged.Pointers holding a slot handle and a generation
// tag. Anyone who follows a link bumps its tag, and releasing the reference
// bumps the node's droppedRefs counter by the same step. A node whose freeing
// flag is set is unlinked by whichever traversal first proves it holds the
// only outstanding reference:
//
//	tag(link to node) == node.droppedRefs + tagged.Step
//
// Only then is the slot returned to its master block. A dynamically
// allocated master block releases its own backing allocation once all 64
// slots are unused, unless that would leave fewer spare slots than
// Config.MaxVisitors.
//
// # Placement
//
// Malloc scans the list once, looking at every aligned gap in the present
// RAM regions, and picks the best fit. An exact fit wins immediately;
// otherwise gaps are scored by how well their leftover space matches the size
// of recent requests. Address 0 is never handed out. If another goroutine
// claims the chosen gap first, the insert fails and the scan is retried.
//
// # Debugging
//
// Set PHYS_LOG_ALLOC=1 to log master block growth and release through the
// internal logger.
package heap
