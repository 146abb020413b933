package streambuf

import "github.com/Community-of-Gia-Lai-Team/evio/block"

// MessageSlice is a view (ptr, len) into some MemoryBlock, holding one
// strong reference to that block. It stays valid as long as it is held,
// even after the consumer advances past the referenced bytes and the
// streambuf's own chain reference to the block is released.
//
// MessageSlice is movable and copyable in the original evio sense
// (copying it increments the block's refcount), but Go has no copy
// constructors: a plain `m2 := m1` shares m1's single reference without
// incrementing it. Call Clone when you need an independent reference
// that must be Released separately; otherwise exactly one of the copies
// should ever call Release.
type MessageSlice struct {
	blk *block.MemoryBlock
	off int
	len int
}

// newMessageSliceBorrow takes an additional strong reference on blk
// (which some other owner, e.g. the chain via get_head, already holds)
// and returns a slice over [off, off+n).
func newMessageSliceBorrow(blk *block.MemoryBlock, off, n int) MessageSlice {
	blk.Ref()
	return MessageSlice{blk: blk, off: off, len: n}
}

// newMessageSliceOwn wraps blk without taking an additional reference:
// blk's existing refcount (normally 1, fresh off block.New) becomes the
// slice's own reference. Used for scratch blocks created solely to back
// one MessageSlice.
func newMessageSliceOwn(blk *block.MemoryBlock, off, n int) MessageSlice {
	return MessageSlice{blk: blk, off: off, len: n}
}

// Bytes returns the referenced bytes. The returned slice aliases the
// block's backing array and must not be retained past Release.
func (m MessageSlice) Bytes() []byte {
	return m.blk.Payload()[m.off : m.off+m.len]
}

// Len returns the number of bytes referenced.
func (m MessageSlice) Len() int { return m.len }

// Clone returns an independent MessageSlice over the same bytes,
// bumping the underlying block's refcount.
func (m MessageSlice) Clone() MessageSlice {
	m.blk.Ref()
	return m
}

// Release drops this slice's strong reference to its block. After
// Release, m (and any uncloned copy of it) must not be used.
func (m MessageSlice) Release() {
	m.blk.Unref()
}
