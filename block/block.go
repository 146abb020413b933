// Package block implements the refcounted memory chunk that backs the
// streambuf block chain.
//
// Author: momentics <momentics@gmail.com>
package block

import (
	"sync/atomic"
)

// minBlockHeader approximates the bookkeeping overhead malloc would
// charge a caller for an allocation, so that RoundMallocSize's result
// plus header lands on a power-of-two or page-multiple total heap
// occupancy, per spec section 4.2.1.
const minBlockHeader = 16

// RoundMallocSize rounds a requested payload size up so that
// payload+minBlockHeader is the next power of two (or, past 4096, the
// next page multiple), then subtracts the header back out. This mirrors
// malloc_size() in the original evio implementation.
func RoundMallocSize(payload int) int {
	if payload <= 0 {
		return 0
	}
	total := payload + minBlockHeader
	const pageSize = 4096
	if total > pageSize {
		rounded := ((total + pageSize - 1) / pageSize) * pageSize
		return rounded - minBlockHeader
	}
	size := 1
	for size < total {
		size <<= 1
	}
	return size - minBlockHeader
}

// MemoryBlock is a refcounted, fixed-size contiguous chunk plus a
// forward link to the next block in a streambuf's chain. The zero value
// is not usable; construct with New.
type MemoryBlock struct {
	size     int
	refcount atomic.Int32
	next     atomic.Pointer[MemoryBlock]
	data     []byte
	onFree   func()
}

// New allocates a block whose payload capacity is exactly size bytes.
// The caller receives one strong reference (refcount starts at 1).
func New(size int) *MemoryBlock {
	b := &MemoryBlock{
		size: size,
		data: make([]byte, size),
	}
	b.refcount.Store(1)
	return b
}

// Size returns the block's fixed payload capacity.
func (b *MemoryBlock) Size() int { return b.size }

// Payload returns the full backing slice for this block. Callers must
// not retain it past the lifetime of their reference.
func (b *MemoryBlock) Payload() []byte { return b.data }

// Next returns the next block in the chain, or nil at the tail.
func (b *MemoryBlock) Next() *MemoryBlock { return b.next.Load() }

// LinkNext publishes next as this block's successor with release
// ordering, so that a consumer observing an advanced pptr into next is
// guaranteed to also observe the link.
func (b *MemoryBlock) LinkNext(next *MemoryBlock) {
	b.next.Store(next)
}

// Ref increments the refcount and returns b, for chaining at call sites
// that hand out an additional strong reference (e.g. a MessageSlice).
func (b *MemoryBlock) Ref() *MemoryBlock {
	b.refcount.Add(1)
	return b
}

// Unref decrements the refcount and reports whether this call dropped
// it to zero. The call that drops it to zero also runs the callback
// installed with SetOnFree (streambuf uses it to bump its total_freed
// counter exactly once when a block becomes unreachable).
func (b *MemoryBlock) Unref() (last bool) {
	if b.refcount.Add(-1) != 0 {
		return false
	}
	if b.onFree != nil {
		b.onFree()
	}
	return true
}

// RefCount returns the current refcount, for diagnostics and tests.
func (b *MemoryBlock) RefCount() int32 {
	return b.refcount.Load()
}

// SetOnFree installs a callback invoked exactly once, the moment the
// refcount drops to zero (inside the Unref call that observes it). Must
// be called before the block is published to any other goroutine.
func (b *MemoryBlock) SetOnFree(fn func()) {
	b.onFree = fn
}
