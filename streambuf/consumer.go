package streambuf

// Consumer is the read-side view of a StreamBuffer. Exactly one thread
// at a time may act as the consumer for a given StreamBuffer.
type Consumer struct{ sb *StreamBuffer }

// resolveReset implements the consumer half of the put-area reset
// handshake (spec section 4.2.4): triggered by the sticky resetting
// flag rather than last_pptr's momentary null value, since the
// producer may have already advanced past pbase again by the time the
// consumer gets around to checking. Rewinds gptr to get_head.start and
// spins a CAS loop against next_egptr2 so the most recent producer
// publication is never missed regardless of timing.
func (c *Consumer) resolveReset() {
	sb := c.sb
	gh := sb.getHead.Load()
	start := &pos{gh, 0}
	sb.lastGptr.Store(start)
	sb.lastPptr.Store(start)
	for {
		n2 := sb.nextEgptr2.Load()
		if sb.lastPptr.CompareAndSwap(start, n2) {
			break
		}
	}
	sb.resetting.Store(false)
	sb.gptr = 0
}

// updateGetArea implements spec section 4.2.3: determine how many bytes
// are currently readable from gptr without crossing a block boundary,
// advancing get_head (and releasing the block it leaves behind) when
// the current block is fully drained and a successor exists. Returns
// the readable count and whether the consumer sits exactly at a block
// boundary with a successor ready (a hint bulk reads can use to loop
// without a redundant round trip).
func (c *Consumer) updateGetArea() (avail int, atEndHasNext bool) {
	sb := c.sb
	if sb.resetting.Load() {
		c.resolveReset()
	}
	for {
		gh := sb.getHead.Load()
		last := sb.lastPptr.Load()
		var egptr int
		if last != nil && last.blk == gh {
			egptr = last.off
		} else {
			egptr = gh.Size()
		}
		avail = egptr - sb.gptr
		if avail > 0 {
			atEndHasNext = egptr == gh.Size() && gh.Next() != nil
			return avail, atEndHasNext
		}
		next := gh.Next()
		if next == nil {
			// The consumer has observed an empty buffer: publish gptr
			// so the producer's reset guard can fire (spec section
			// 4.2.3 step 4 / 4.2.4).
			sb.lastGptr.Store(&pos{gh, sb.gptr})
			return 0, false
		}
		sb.getHead.Store(next)
		sb.lastGptr.Store(&pos{next, 0})
		sb.gptr = 0
		gh.Unref()
		// Loop and re-evaluate against the new head.
	}
}

// Available reports how many bytes are readable right now without
// blocking, without advancing the read cursor.
func (c *Consumer) Available() int {
	avail, _ := c.updateGetArea()
	return avail
}

// TotalAvailable reports the total number of unread bytes across the
// whole block chain, unlike Available which only reports what is
// readable without crossing the current get-area block's boundary. A
// framing loop that bounds its terminator search by Available alone
// would miss a terminator that has already arrived in a later block
// while the current block still holds unread bytes of its own; this
// walks the chain the same way updateGetArea does, without advancing
// gptr or get_head.
func (c *Consumer) TotalAvailable() int {
	sb := c.sb
	if sb.resetting.Load() {
		c.resolveReset()
	}
	gh := sb.getHead.Load()
	last := sb.lastPptr.Load()
	off := sb.gptr
	total := 0
	for {
		var egptr int
		atPublishedTail := last != nil && last.blk == gh
		if atPublishedTail {
			egptr = last.off
		} else {
			egptr = gh.Size()
		}
		total += egptr - off
		if atPublishedTail {
			return total
		}
		next := gh.Next()
		if next == nil {
			return total
		}
		gh = next
		off = 0
	}
}

// IsEmpty reports whether the buffer currently holds no unread bytes
// and consists of a single block (get_head == put_head).
func (c *Consumer) IsEmpty() bool {
	sb := c.sb
	return sb.getHead.Load() == sb.putHead.Load() && sb.gptr == sb.pptr
}

// Peek returns the contiguous unread bytes available in the current
// get-area block, without advancing gptr. It may be shorter than the
// total readable bytes in the chain when a message straddles a block
// boundary; use PeekAcrossBlocks for that case.
func (c *Consumer) Peek() []byte {
	avail, _ := c.updateGetArea()
	if avail == 0 {
		return nil
	}
	gh := c.sb.getHead.Load()
	return gh.Payload()[c.sb.gptr : c.sb.gptr+avail]
}

// PeekAcrossBlocks returns up to max unread bytes starting at gptr,
// copying across block boundaries into a freshly allocated slice when
// the data spans more than one block. It does not advance gptr.
func (c *Consumer) PeekAcrossBlocks(max int) []byte {
	sb := c.sb
	if total := c.TotalAvailable(); max > total {
		max = total
	}
	first := c.Peek()
	if len(first) >= max || first == nil {
		if len(first) > max {
			return first[:max]
		}
		return first
	}
	out := make([]byte, 0, max)
	out = append(out, first...)
	gh := sb.getHead.Load()
	next := gh.Next()
	for next != nil && len(out) < max {
		take := next.Size()
		if len(out)+take > max {
			take = max - len(out)
		}
		out = append(out, next.Payload()[:take]...)
		next = next.Next()
	}
	return out
}

// MessageSliceFromHead returns a MessageSlice of length n referencing
// the current get-area block directly, starting at gptr. The caller is
// responsible for having verified n does not cross the block boundary.
func (c *Consumer) MessageSliceFromHead(n int) MessageSlice {
	gh := c.sb.getHead.Load()
	return newMessageSliceBorrow(gh, c.sb.gptr, n)
}

// MessageSliceScratch copies n unread bytes starting at gptr, which may
// span multiple blocks, into a freshly allocated scratch block sized to
// fit, and returns a MessageSlice over that scratch block (spec section
// 4.2.8, multi-block message case).
func (c *Consumer) MessageSliceScratch(n int) MessageSlice {
	data := c.PeekAcrossBlocks(n)
	scratch := c.sb.newBlock(n)
	copy(scratch.Payload(), data)
	c.sb.totalAllocated.Add(int64(n))
	return newMessageSliceOwn(scratch, 0, n)
}

// Advance consumes n bytes starting at gptr, walking across block
// boundaries (freeing drained blocks) exactly as XSGetN would, but
// without copying the data out.
func (c *Consumer) Advance(n int) {
	sb := c.sb
	remaining := n
	for remaining > 0 {
		avail, _ := c.updateGetArea()
		if avail == 0 {
			return
		}
		take := min(avail, remaining)
		sb.gptr += take
		sb.totalRead.Add(int64(take))
		remaining -= take
	}
}

// XSGetN implements spec section 4.2.5: bulk read into buf, returning
// the number of bytes actually copied. Returns fewer than len(buf) only
// when the chain is currently exhausted of data.
func (c *Consumer) XSGetN(buf []byte) int {
	sb := c.sb
	read := 0
	for read < len(buf) {
		avail, _ := c.updateGetArea()
		if avail == 0 {
			break
		}
		gh := sb.getHead.Load()
		take := min(avail, len(buf)-read)
		copy(buf[read:read+take], gh.Payload()[sb.gptr:sb.gptr+take])
		sb.gptr += take
		sb.totalRead.Add(int64(take))
		read += take
	}
	return read
}

// Putback pushes a single byte back in front of gptr, within the
// current get-area block only. Crossing a block boundary is rejected
// per spec section 9 (Open Questions: putback is unsafe across blocks).
func (c *Consumer) Putback(b byte) error {
	sb := c.sb
	if sb.gptr == 0 {
		return ErrPutbackUnsupported
	}
	sb.gptr--
	gh := sb.getHead.Load()
	gh.Payload()[sb.gptr] = b
	return nil
}

// ShowManyC is intentionally unimplemented, per spec section 9.
func (c *Consumer) ShowManyC() (int, error) {
	return 0, ErrShowManyCUnsupported
}
