package reactor

import (
	"bytes"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Community-of-Gia-Lai-Team/evio/device"
	"github.com/Community-of-Gia-Lai-Team/evio/streambuf"
)

type lineDecoder struct {
	messages chan []byte
}

func (ld *lineDecoder) CreateBuffer(dev *device.InputDevice, minBlockSize, fullWatermark, maxAllocated int) *streambuf.StreamBuffer {
	return streambuf.New(minBlockSize, maxAllocated, fullWatermark)
}

func (ld *lineDecoder) EndOfMsgFinder(newData []byte, rlen int) int {
	idx := bytes.IndexByte(newData[:rlen], '\n')
	if idx < 0 {
		return 0
	}
	return idx + 1
}

func (ld *lineDecoder) Decode(msg streambuf.MessageSlice) {
	b := make([]byte, msg.Len())
	copy(b, msg.Bytes())
	msg.Release()
	ld.messages <- b
}

func mustPipe(t *testing.T) (readFd, writeFd int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, 0); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func TestPipeEchoEndToEndThroughRealDispatcher(t *testing.T) {
	disp, err := New(2, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		disp.Terminate(false)
		<-disp.Done()
	}()

	readFd, writeFd := mustPipe(t)
	dev, err := device.NewInputDevice(readFd, disp)
	if err != nil {
		t.Fatalf("NewInputDevice: %v", err)
	}
	dec := &lineDecoder{messages: make(chan []byte, 4)}
	dev.SetDecoder(dec, 64, 32, 1<<16)

	g := dev.State().Lock()
	dev.StartInputDevice(g)
	g.Unlock()

	if _, err := unix.Write(writeFd, []byte("hello\nworld\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i, want := range []string{"hello\n", "world\n"} {
		select {
		case got := <-dec.messages:
			if string(got) != want {
				t.Fatalf("message %d = %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	unix.Close(writeFd)
}

func TestActiveCountTracksStartStop(t *testing.T) {
	disp, err := New(1, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		disp.Terminate(false)
		<-disp.Done()
	}()

	readFd, writeFd := mustPipe(t)
	defer unix.Close(writeFd)
	dev, err := device.NewInputDevice(readFd, disp)
	if err != nil {
		t.Fatalf("NewInputDevice: %v", err)
	}

	if disp.ActiveCount() != 0 {
		t.Fatalf("expected 0 active before start, got %d", disp.ActiveCount())
	}

	g := dev.State().Lock()
	dev.StartInputDevice(g)
	g.Unlock()

	if disp.ActiveCount() != 1 {
		t.Fatalf("expected 1 active after start, got %d", disp.ActiveCount())
	}

	g = dev.State().Lock()
	dev.StopInputDevice(g)
	g.Unlock()

	if disp.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after stop, got %d", disp.ActiveCount())
	}
}

// TestDuplexCloseFiresOnceViaDispatcher exercises spec section 8
// scenario 4's "closed() invoked exactly once" invariant against a
// duplex device that is actually registered with a live Dispatcher
// (as opposed to device package's own unit test, which uses a fake):
// closing the read side while the write side is still open must not
// fire Closed, and closing both must fire it exactly once.
func TestDuplexCloseFiresOnceViaDispatcher(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.Close(fds[1])

	disp, err := New(2, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		disp.Terminate(false)
		<-disp.Done()
	}()

	in, out, err := device.NewDuplexInputOutput(fds[0], disp, 64, 32, 1<<16)
	if err != nil {
		t.Fatalf("NewDuplexInputOutput: %v", err)
	}

	closedCount := 0
	in.OnClosed = func() { closedCount++ }
	out.OnClosed = in.OnClosed

	g := in.State().Lock()
	in.StartInputDevice(g)
	g.Unlock()

	in.CloseInputDevice()
	if closedCount != 0 {
		t.Fatalf("expected no Closed while the write side is still open, got %d calls", closedCount)
	}

	out.CloseOutputDevice()
	if closedCount != 1 {
		t.Fatalf("expected exactly one Closed call once both sides are closed, got %d", closedCount)
	}
}

// TestRegularFileBypassesEpollAndEnqueuesDirectly exercises spec
// section 4.1 start step 5: a plain file is never added to the
// notifier, so nothing ever triggers an epoll event for it. Starting
// it must still deliver its content, via the direct-enqueue bypass.
func TestRegularFileBypassesEpollAndEnqueuesDirectly(t *testing.T) {
	path := t.TempDir() + "/regular.txt"
	if err := os.WriteFile(path, []byte("line-one\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	disp, err := New(1, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		disp.Terminate(false)
		<-disp.Done()
	}()

	dev, err := device.NewInputDevice(fd, disp)
	if err != nil {
		t.Fatalf("NewInputDevice: %v", err)
	}
	dec := &lineDecoder{messages: make(chan []byte, 4)}
	dev.SetDecoder(dec, 64, 32, 1<<16)

	g := dev.State().Lock()
	dev.StartInputDevice(g)
	g.Unlock()

	select {
	case got := <-dec.messages:
		if string(got) != "line-one\n" {
			t.Fatalf("got %q, want %q", got, "line-one\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the regular-file read to be delivered")
	}
}

// TestTerminateCleanWaitsForLastActiveDirectionThenExits exercises spec
// section 8 scenario 5: Terminate(true) must not make the loop exit
// while a direction is still active, and stopping that last direction
// afterwards must wake the loop up to re-evaluate rather than leaving
// it parked in epoll_wait forever.
func TestTerminateCleanWaitsForLastActiveDirectionThenExits(t *testing.T) {
	disp, err := New(1, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	readFd, writeFd := mustPipe(t)
	defer unix.Close(writeFd)
	dev, err := device.NewInputDevice(readFd, disp)
	if err != nil {
		t.Fatalf("NewInputDevice: %v", err)
	}

	g := dev.State().Lock()
	dev.StartInputDevice(g)
	g.Unlock()

	disp.Terminate(true)

	select {
	case <-disp.Done():
		t.Fatalf("dispatcher exited while a direction was still active")
	case <-time.After(100 * time.Millisecond):
	}

	g = dev.State().Lock()
	dev.StopInputDevice(g)
	g.Unlock()

	select {
	case <-disp.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not exit after its last active direction stopped")
	}
}
