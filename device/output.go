package device

import (
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Community-of-Gia-Lai-Team/evio/streambuf"
)

// OutputDevice owns the write side of an fd plus the StreamBuffer its
// producer (any thread calling Write/the consumer of some upstream
// decode step) fills and which WriteEvent drains to the fd.
type OutputDevice struct {
	*FileDescriptor

	dispatcher Dispatcher
	obuffer    *streambuf.StreamBuffer

	OnWriteError func(err error)

	sentBytes atomic.Int64
}

// NewOutputDevice wraps fd for writing, with its own StreamBuffer
// sized per the given parameters (spec section 4.3; unlike InputDevice
// there is no decoder indirection on the write side).
func NewOutputDevice(fd int, disp Dispatcher, minBlockSize, fullWatermark, maxAllocated int) (*OutputDevice, error) {
	base, err := NewFileDescriptor(fd, OutputDeviceFlag)
	if err != nil {
		return nil, err
	}
	return &OutputDevice{
		FileDescriptor: base,
		dispatcher:     disp,
		obuffer:        streambuf.New(minBlockSize, maxAllocated, fullWatermark),
	}, nil
}

// Buffer returns the output StreamBuffer producers write into.
func (d *OutputDevice) Buffer() *streambuf.StreamBuffer { return d.obuffer }

// SentBytes reports the running count of bytes written to the fd.
func (d *OutputDevice) SentBytes() int64 { return d.sentBytes.Load() }

// Write appends data to the output buffer and, if the write side is
// not already armed, starts it so the reactor drains it. Mirrors how
// a producer hands off to the device without blocking on the fd
// itself.
func (d *OutputDevice) Write(data []byte) (int, error) {
	st := d.State().RLock()
	open := st.Flags().IsWOpen()
	st.Unlock()
	if !open {
		return 0, ErrNotOpen
	}

	n, err := d.obuffer.Producer().XSPutN(data)
	if n > 0 {
		g := d.State().Lock()
		// The bytes just queued are already visible to the consumer
		// side (XSPutN publishes before returning), so this condition
		// is known true outright; StartIf with a flat True behaves
		// exactly like Start, kept here so arming and the draining
		// StopIf below go through the same FuzzyCondition-aware path.
		if g.Flags().IsWritable() {
			d.dispatcher.StartIf(g, FuzzyCondition{Value: True}, DirWrite, d)
		}
		g.Unlock()
	}
	return n, err
}

// StartOutputDevice arms the write side.
func (d *OutputDevice) StartOutputDevice(g *WriteGuard) bool {
	return d.dispatcher.Start(g, DirWrite, d)
}

// StopOutputDevice disarms the write side without closing the fd.
func (d *OutputDevice) StopOutputDevice(g *WriteGuard) bool {
	return d.dispatcher.Stop(g, DirWrite, d)
}

// CloseOutputDevice mirrors CloseInputDevice for the write direction.
func (d *OutputDevice) CloseOutputDevice() {
	needClosed := false
	g := d.State().Lock()
	if g.Flags().IsWOpen() {
		g.Clear(WOpen)
		d.dispatcher.Remove(g, DirWrite, d)
		flags := g.Flags()
		if !(flags.DontCloseFD() || (flags.IsSame() && flags.IsROpen())) {
			if err := unix.Close(d.Fd()); err != nil {
				log.Printf("device: close(%d) failed: %v", d.Fd(), err)
			}
		}
		g.Clear(WDisabled)
		if !g.Flags().IsOpen() {
			g.Set(Dead)
			needClosed = true
		}
	}
	g.Unlock()
	if needClosed {
		d.Closed()
	}
}

// Close satisfies EventHandler by running close_output_device, the
// action the reactor's HUP job chains after HupEvent.
func (d *OutputDevice) Close() { d.CloseOutputDevice() }

// WriteEvent implements spec section 4.3's write_event loop: drain the
// buffer's get area to the fd, stopping on EAGAIN or an empty buffer.
func (d *OutputDevice) WriteEvent() {
	c := d.obuffer.Consumer()
	for {
		buf := c.Peek()
		if len(buf) == 0 {
			// Peek was observed outside the lock; a concurrent Write
			// may have queued data in the window between that
			// observation and taking it here. StopIf's Recheck
			// re-evaluates emptiness under the lock and reverts the
			// stop if so, instead of disarming EPOLLOUT with data
			// sitting unflushed and nothing left to rearm it (spec
			// section 4.1's rationale for start_if/stop_if).
			g := d.State().Lock()
			cond := FuzzyCondition{
				Value:   TransitoryTrue,
				Recheck: func() bool { return c.Available() == 0 },
			}
			stopped := d.dispatcher.StopIf(g, cond, DirWrite, d)
			g.Unlock()
			if stopped {
				return
			}
			continue
		}

		n, err := unix.Write(d.Fd(), buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if d.OnWriteError != nil {
				d.OnWriteError(err)
			}
			return
		}
		if n == 0 {
			return
		}

		c.Advance(n)
		d.sentBytes.Add(int64(n))
		d.obuffer.Reduce()
	}
}
