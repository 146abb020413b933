package streambuf

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	sb := New(64, 1<<20, 32)
	p := sb.Producer()
	c := sb.Consumer()

	msg := []byte("hello world, this is a streambuf round trip test")
	n, err := p.XSPutN(msg)
	if err != nil {
		t.Fatalf("XSPutN error: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("XSPutN wrote %d, want %d", n, len(msg))
	}

	out := make([]byte, len(msg))
	got := c.XSGetN(out)
	if got != len(msg) {
		t.Fatalf("XSGetN read %d, want %d", got, len(msg))
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", out, msg)
	}
}

func TestResetCycleKeepsSingleBlock(t *testing.T) {
	const blockSize = 256
	sb := New(blockSize, blockSize, 32)
	p := sb.Producer()
	c := sb.Consumer()

	chunk := bytes.Repeat([]byte{0xAB}, 100)
	readBuf := make([]byte, 100)

	for i := 0; i < 1000; i++ {
		n, err := p.XSPutN(chunk)
		if err != nil {
			t.Fatalf("iteration %d: XSPutN error: %v", i, err)
		}
		if n != len(chunk) {
			t.Fatalf("iteration %d: wrote %d, want %d", i, n, len(chunk))
		}
		if got := sb.TotalAllocated(); got != blockSize {
			t.Fatalf("iteration %d: total_allocated grew to %d, want %d (reset should avoid growth)", i, got, blockSize)
		}
		got := c.XSGetN(readBuf)
		if got != len(chunk) {
			t.Fatalf("iteration %d: read %d, want %d", i, got, len(chunk))
		}
		if !bytes.Equal(readBuf, chunk) {
			t.Fatalf("iteration %d: content mismatch", i)
		}
		// Probe for more than is currently available so the consumer
		// observes (and publishes) emptiness, the way a real read loop
		// discovers EAGAIN: this is what lets the producer's reset
		// guard fire on the next write.
		probe := make([]byte, 1)
		if n := c.XSGetN(probe); n != 0 {
			t.Fatalf("iteration %d: unexpected extra byte available", i)
		}
	}
	if sb.TotalAllocated() != blockSize {
		t.Fatalf("final total_allocated = %d, want %d", sb.TotalAllocated(), blockSize)
	}
}

func TestByteAtATimeStreaming(t *testing.T) {
	sb := New(1, 1<<16, 1)
	p := sb.Producer()
	c := sb.Consumer()

	data := []byte("streaming byte at a time across many tiny blocks")
	for _, b := range data {
		if _, err := p.XSPutN([]byte{b}); err != nil {
			t.Fatalf("write byte %q: %v", b, err)
		}
	}
	out := make([]byte, len(data))
	if n := c.XSGetN(out); n != len(data) {
		t.Fatalf("read %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("mismatch: got %q want %q", out, data)
	}
}

func TestSingleBlockFillToCapacityBackpressure(t *testing.T) {
	const cap_ = 64
	sb := New(cap_, cap_, 32)
	p := sb.Producer()

	data := bytes.Repeat([]byte{1}, cap_*2)
	n, err := p.XSPutN(data)
	if err == nil {
		t.Fatalf("expected allocator exhaustion once capacity is reached, got nil error with n=%d", n)
	}
	if n > cap_ {
		t.Fatalf("wrote %d bytes, more than capacity %d", n, cap_)
	}
	if sb.Outstanding() > int64(cap_) {
		t.Fatalf("outstanding %d exceeds cap %d", sb.Outstanding(), cap_)
	}
}

func TestBackpressurePartialWritesSumToTotal(t *testing.T) {
	sb := New(64, 64, 32)
	p := sb.Producer()
	c := sb.Consumer()

	total := 128
	var got bytes.Buffer
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for got.Len() < total {
			time.Sleep(200 * time.Microsecond)
			if n := c.XSGetN(buf); n > 0 {
				got.WriteByte(buf[0])
			}
		}
	}()

	sent := 0
	data := bytes.Repeat([]byte{0x42}, total)
	deadline := time.After(5 * time.Second)
	for sent < total {
		select {
		case <-deadline:
			t.Fatalf("deadline exceeded with sent=%d/%d", sent, total)
		default:
		}
		n, err := p.XSPutN(data[sent:])
		sent += n
		if n == 0 && err != nil {
			time.Sleep(200 * time.Microsecond)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer never drained all %d bytes", total)
	}

	if sent != total {
		t.Fatalf("sent %d, want %d", sent, total)
	}
	if got.Len() != total {
		t.Fatalf("consumer received %d bytes, want %d", got.Len(), total)
	}
}

func TestMessageSliceOutlivesBlockRecycling(t *testing.T) {
	sb := New(16, 1<<20, 8)
	p := sb.Producer()
	c := sb.Consumer()

	msg1 := []byte("first-message!!!")
	if _, err := p.XSPutN(msg1); err != nil {
		t.Fatal(err)
	}
	slice := c.MessageSliceFromHead(len(msg1))
	c.Advance(len(msg1))

	// Drive many more writes/reads through fresh blocks; the slice must
	// still report its original bytes regardless of chain churn.
	for i := 0; i < 50; i++ {
		junk := bytes.Repeat([]byte{byte(i)}, 16)
		if _, err := p.XSPutN(junk); err != nil {
			t.Fatal(err)
		}
		out := make([]byte, 16)
		c.XSGetN(out)
	}

	if !bytes.Equal(slice.Bytes(), msg1) {
		t.Fatalf("message slice corrupted after chain churn: got %q want %q", slice.Bytes(), msg1)
	}
	slice.Release()
}

func TestMultiBlockScratchMessage(t *testing.T) {
	sb := New(8, 1<<20, 4)
	p := sb.Producer()
	c := sb.Consumer()

	msg := []byte("this message is longer than one eight byte block")
	if _, err := p.XSPutN(msg); err != nil {
		t.Fatal(err)
	}
	scratch := c.MessageSliceScratch(len(msg))
	c.Advance(len(msg))
	if !bytes.Equal(scratch.Bytes(), msg) {
		t.Fatalf("scratch message mismatch: got %q want %q", scratch.Bytes(), msg)
	}
	scratch.Release()
}

func TestConcurrentProducerConsumerFuzz(t *testing.T) {
	sb := New(32, 1<<20, 16)
	p := sb.Producer()
	c := sb.Consumer()

	rng := rand.New(rand.NewSource(1))
	total := 20000
	src := make([]byte, total)
	rng.Read(src)

	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 97)
		read := 0
		for read < total {
			n := c.XSGetN(buf)
			if n == 0 {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			got.Write(buf[:n])
			read += n
		}
	}()

	sent := 0
	for sent < total {
		end := sent + 53
		if end > total {
			end = total
		}
		n, err := p.XSPutN(src[sent:end])
		if err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
		sent += n
	}
	<-done

	if !bytes.Equal(got.Bytes(), src) {
		t.Fatalf("fuzz round trip mismatch, got %d bytes want %d", got.Len(), len(src))
	}
}

func TestReduceShrinksIdleBuffer(t *testing.T) {
	sb := New(8, 1<<20, 4)
	p := sb.Producer()
	c := sb.Consumer()

	msg := bytes.Repeat([]byte{9}, 64)
	if _, err := p.XSPutN(msg); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(msg))
	c.XSGetN(out)

	before := sb.Outstanding()
	sb.Reduce()
	after := sb.Outstanding()
	if after >= before {
		t.Fatalf("Reduce did not shrink outstanding memory: before=%d after=%d", before, after)
	}
	if after != int64(sb.MinBlockSize()) {
		t.Fatalf("after Reduce outstanding = %d, want min_block_size %d", after, sb.MinBlockSize())
	}
}

func TestPutbackWithinBlock(t *testing.T) {
	sb := New(16, 1<<20, 8)
	p := sb.Producer()
	c := sb.Consumer()

	if _, err := p.XSPutN([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	c.XSGetN(buf)
	if err := c.Putback('x'); err != nil {
		t.Fatalf("putback within block should succeed: %v", err)
	}
	out := make([]byte, 2)
	n := c.XSGetN(out)
	if n != 2 || !bytes.Equal(out, []byte("xb")) {
		t.Fatalf("putback did not restore expected bytes: got %q", out[:n])
	}
}

func TestPutbackAcrossBlockBoundaryUnsupported(t *testing.T) {
	sb := New(1, 1<<20, 1)
	c := sb.Consumer()
	if err := c.Putback('z'); err != ErrPutbackUnsupported {
		t.Fatalf("expected ErrPutbackUnsupported at gptr==0, got %v", err)
	}
}

func TestShowManyCUnsupported(t *testing.T) {
	sb := New(16, 16, 8)
	c := sb.Consumer()
	if _, err := c.ShowManyC(); err != ErrShowManyCUnsupported {
		t.Fatalf("expected ErrShowManyCUnsupported, got %v", err)
	}
}

func TestQuiescenceInvariant(t *testing.T) {
	sb := New(16, 1<<20, 8)
	p := sb.Producer()
	c := sb.Consumer()

	msg := bytes.Repeat([]byte{7}, 200)
	if _, err := p.XSPutN(msg); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(msg))
	c.XSGetN(out)

	if sb.TotalRead() != int64(len(msg)) {
		t.Fatalf("total_read = %d, want %d", sb.TotalRead(), len(msg))
	}
	if sb.TotalFreed() > sb.TotalAllocated() {
		t.Fatalf("total_freed %d exceeds total_allocated %d", sb.TotalFreed(), sb.TotalAllocated())
	}
}
