// Package streambuf implements the dual-ended SPSC streaming buffer: a
// chain of reference-counted MemoryBlocks shared between exactly one
// producer thread and one consumer thread, with block recycling via the
// put-area reset protocol and lock-free synchronization of the
// producer's write frontier with the consumer's read frontier.
//
// Author: momentics <momentics@gmail.com>
package streambuf

import (
	"sync/atomic"

	"github.com/Community-of-Gia-Lai-Team/evio/block"
)

// pos is an immutable (block, offset) pair published atomically. Two
// pos values denote the same stream position iff their block pointers
// are equal and their offsets are equal.
type pos struct {
	blk *block.MemoryBlock
	off int
}

// StreamBuffer holds the shared state of a dual-ended streaming buffer.
// Producer and Consumer are thin, role-restricted views over the same
// *StreamBuffer, mirroring the original's BufferCommon base with
// Producer/Consumer derived interfaces.
type StreamBuffer struct {
	minBlockSize  int
	maxAllocated  int
	fullWatermark int

	getHead atomic.Pointer[block.MemoryBlock]
	putHead atomic.Pointer[block.MemoryBlock]

	// gptr/pptr are touched by exactly one thread each (consumer and
	// producer respectively) under the SPSC discipline; they are never
	// written by the other side, so no atomics are needed on them.
	gptr int
	pptr int

	lastPptr   atomic.Pointer[pos] // nil == resetting signal
	nextEgptr2 atomic.Pointer[pos]
	lastGptr   atomic.Pointer[pos]
	resetting  atomic.Bool

	totalFreed     atomic.Int64
	totalRead      atomic.Int64
	totalAllocated atomic.Int64
	totalReset     atomic.Int64

	putbackByte  byte
	putbackValid bool
}

// New constructs a StreamBuffer with a single initial block of
// minBlockSize bytes. maxAllocated caps total outstanding block memory;
// fullWatermark is only stored and reported by FullWatermark: neither
// the buffer nor the devices in this module act on it.
func New(minBlockSize, maxAllocated, fullWatermark int) *StreamBuffer {
	if minBlockSize <= 0 {
		minBlockSize = 1
	}
	if maxAllocated < minBlockSize {
		maxAllocated = minBlockSize
	}
	sb := &StreamBuffer{
		minBlockSize:  minBlockSize,
		maxAllocated:  maxAllocated,
		fullWatermark: fullWatermark,
	}
	initial := sb.newBlock(minBlockSize)
	sb.getHead.Store(initial)
	sb.putHead.Store(initial)
	p := &pos{initial, 0}
	sb.lastPptr.Store(p)
	sb.lastGptr.Store(p)
	sb.totalAllocated.Add(int64(minBlockSize))
	return sb
}

// newBlock allocates a block wired to bump totalFreed exactly once, the
// moment its refcount truly drops to zero (whether that happens when the
// chain releases it or later, when an outstanding MessageSlice releases
// the last reference).
func (sb *StreamBuffer) newBlock(size int) *block.MemoryBlock {
	b := block.New(size)
	b.SetOnFree(func() { sb.totalFreed.Add(int64(size)) })
	return b
}

// Producer returns the write-side view of sb.
func (sb *StreamBuffer) Producer() *Producer { return &Producer{sb} }

// Consumer returns the read-side view of sb.
func (sb *StreamBuffer) Consumer() *Consumer { return &Consumer{sb} }

// TotalFreed, TotalRead, TotalAllocated, TotalReset expose the running
// counters used to compute occupancy without traversing the chain.
func (sb *StreamBuffer) TotalFreed() int64     { return sb.totalFreed.Load() }
func (sb *StreamBuffer) TotalRead() int64      { return sb.totalRead.Load() }
func (sb *StreamBuffer) TotalAllocated() int64 { return sb.totalAllocated.Load() }
func (sb *StreamBuffer) TotalReset() int64     { return sb.totalReset.Load() }

// FullWatermark returns the configured backpressure watermark.
func (sb *StreamBuffer) FullWatermark() int { return sb.fullWatermark }

// MinBlockSize returns the configured minimum block size.
func (sb *StreamBuffer) MinBlockSize() int { return sb.minBlockSize }

// MaxAllocated returns the configured allocation cap.
func (sb *StreamBuffer) MaxAllocated() int { return sb.maxAllocated }

// Outstanding returns total_allocated - total_freed, the memory
// currently held across all reachable blocks.
func (sb *StreamBuffer) Outstanding() int64 {
	return sb.totalAllocated.Load() - sb.totalFreed.Load()
}

// Producer is the write-side view of a StreamBuffer. Exactly one thread
// at a time may act as the producer for a given StreamBuffer.
type Producer struct{ sb *StreamBuffer }

// syncEgptr publishes the producer's current pptr with release
// ordering (spec section 4.2.2). While a reset handshake is in
// progress, the publication goes to next_egptr2 instead of last_pptr:
// last_pptr stays at its null sentinel for the whole handshake window
// so the consumer cannot miss it by polling after the producer has
// already advanced past pbase again; next_egptr2 always carries
// whatever the producer's latest position actually is, and the
// consumer's CAS loop (resolveReset) picks up the freshest value
// whenever it gets around to resolving the handshake.
func (p *Producer) syncEgptr() {
	sb := p.sb
	ph := sb.putHead.Load()
	newPos := &pos{ph, sb.pptr}
	if sb.resetting.Load() {
		sb.nextEgptr2.Store(newPos)
		return
	}
	sb.lastPptr.Store(newPos)
}

// maybeReset implements the put-area reset protocol of spec section
// 4.2.4: when the consumer has caught up to pptr inside the current
// block, rewind pptr to pbase instead of allocating.
func (p *Producer) maybeReset() bool {
	sb := p.sb
	if sb.pptr == 0 {
		return false
	}
	if sb.resetting.Load() {
		// A previous reset has not yet been observed by the consumer.
		return false
	}
	ph := sb.putHead.Load()
	lg := sb.lastGptr.Load()
	if lg == nil || lg.blk != ph || lg.off != sb.pptr {
		return false
	}
	sb.nextEgptr2.Store(&pos{ph, 0})
	sb.resetting.Store(true)
	sb.lastPptr.Store(nil) // release: the resetting signal
	sb.pptr = 0
	sb.totalReset.Add(1)
	return true
}

// growBlock implements spec section 4.2.1: compute a target size,
// respect the allocation cap (trying one shrunk size before giving up),
// allocate, link the old tail's next before publishing the new
// put_head, and return the fresh payload.
func (p *Producer) growBlock(hint int) ([]byte, error) {
	sb := p.sb
	target := hint
	if target < sb.minBlockSize {
		target = sb.minBlockSize
	}
	target = block.RoundMallocSize(target)
	if target < sb.minBlockSize {
		target = sb.minBlockSize
	}

	outstanding := sb.Outstanding()
	if outstanding+int64(target) > int64(sb.maxAllocated) {
		shrunk := int(int64(sb.maxAllocated) - outstanding)
		if shrunk < sb.minBlockSize {
			return nil, ErrAllocationExhausted
		}
		target = shrunk
	}

	nb := sb.newBlock(target)
	oldTail := sb.putHead.Load()
	oldTail.LinkNext(nb) // publish next before advancing put_head
	sb.putHead.Store(nb)
	sb.pptr = 0
	sb.totalAllocated.Add(int64(target))
	p.syncEgptr()
	return nb.Payload(), nil
}

// WriteContiguous returns a slice of the writable put area. hint is an
// upper bound on how much the caller intends to write, used to size a
// freshly grown block; it is not a hard requirement. An empty, non-nil
// result with a nil error should not occur; an error indicates the
// allocator is exhausted (spec section 7 AllocationExhausted).
func (p *Producer) WriteContiguous(hint int) ([]byte, error) {
	sb := p.sb
	// The reset guard is checked opportunistically on every call, not
	// only once the block is exhausted: resetting as soon as the
	// consumer has caught up maximizes how long a single block can be
	// recycled (spec section 4.2.4).
	p.maybeReset()
	ph := sb.putHead.Load()
	epptr := ph.Size()
	if sb.pptr < epptr {
		return ph.Payload()[sb.pptr:epptr], nil
	}
	return p.growBlock(hint)
}

// Advance commits n bytes just written via WriteContiguous, bumping
// pptr and republishing last_pptr.
func (p *Producer) Advance(n int) {
	if n == 0 {
		return
	}
	p.sb.pptr += n
	p.syncEgptr()
}

// XSPutN writes all of data, growing/resetting blocks as needed, and
// returns the number of bytes actually written. A short count (with a
// non-nil error) signals the allocator is exhausted; no bytes already
// accepted are ever dropped.
func (p *Producer) XSPutN(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		chunk, err := p.WriteContiguous(len(data) - written)
		if len(chunk) == 0 {
			return written, err
		}
		n := copy(chunk, data[written:])
		p.Advance(n)
		written += n
	}
	return written, nil
}

// Reduce implements spec section 4.2.7: when the buffer is empty and
// the single current block exceeds min_block_size, replace it with a
// fresh minimum-size block. Must only be called by the buffer's sole
// owning thread while the buffer is quiescent (empty).
func (sb *StreamBuffer) Reduce() {
	gh := sb.getHead.Load()
	ph := sb.putHead.Load()
	if gh != ph {
		return
	}
	if sb.gptr != sb.pptr {
		return
	}
	if gh.Size() <= sb.minBlockSize {
		return
	}
	nb := sb.newBlock(sb.minBlockSize)
	sb.totalAllocated.Add(int64(sb.minBlockSize))
	sb.getHead.Store(nb)
	sb.putHead.Store(nb)
	sb.gptr = 0
	sb.pptr = 0
	p := &pos{nb, 0}
	sb.lastPptr.Store(p)
	sb.lastGptr.Store(p)
	gh.Unref()
}
