// Package tagged provides an atomic (handle, tag) pair packed into one
// 64-bit word.
//
// Handles are 1-based indices into an arena owned by the caller; handle 0 is
// nil. The tag is a 32-bit generation counter that wraps. Every read that
// wants to keep the referenced slot alive bumps the tag with FetchAddTag, so a
// later CompareAndSwap against a stale snapshot fails even when the handle has
// not changed.
package tagged

import "sync/atomic"

// Step is the amount one reference adds to a tag.
const Step uint32 = 1

// Nil is the zero handle.
const Nil uint32 = 0

// Value is an unpacked snapshot of a Pointer.
type Value struct {
	Handle uint32
	Tag    uint32
}

// IsNil reports whether the snapshot points nowhere.
func (v Value) IsNil() bool { return v.Handle == Nil }

func (v Value) pack() uint64 { return uint64(v.Tag)<<32 | uint64(v.Handle) }

func unpack(w uint64) Value { return Value{Handle: uint32(w), Tag: uint32(w >> 32)} }

// Pointer is an atomically updated (handle, tag) pair.
// The zero value is a nil pointer with tag 0.
type Pointer struct {
	w atomic.Uint64
}

// Load returns the current snapshot.
func (p *Pointer) Load() Value { return unpack(p.w.Load()) }

// Store replaces the pair unconditionally.
func (p *Pointer) Store(v Value) { p.w.Store(v.pack()) }

// FetchAddTag adds step to the tag (mod 2^32) without touching the handle
// and returns the resulting snapshot.
func (p *Pointer) FetchAddTag(step uint32) Value {
	return unpack(p.w.Add(uint64(step) << 32))
}

// CompareAndSwap replaces old with new if the pointer still holds exactly old,
// tag included.
func (p *Pointer) CompareAndSwap(old, new Value) bool {
	return p.w.CompareAndSwap(old.pack(), new.pack())
}
