package device

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// setNonblocking forces fd into O_NONBLOCK mode, the default for every
// device this package constructs (spec section 4.3 read_event assumes
// a non-blocking fd throughout). Mirrors set_nonblocking in
// FileDescriptor.cxx, minus the SysV ioctl branch this platform never
// takes.
func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// IsValid reports whether fd is currently an open descriptor, the Go
// equivalent of fcntl(fd, F_GETFL) != -1.
func IsValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	return err == nil
}

// isRegularFile reports whether fd refers to a plain file rather than
// a socket, pipe, or character device, the property spec section 4.1
// start step 5 keys the epoll bypass on. Checked via fstat rather than
// asked of the caller, since it is a fact about fd, not a policy
// choice.
func isRegularFile(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFREG
}

// FileDescriptor is the common base embedded by InputDevice and
// OutputDevice: it owns the raw fd, the direction flags, the strong
// refcount gating deferred deletion, and the epoll interest-set calls
// the reactor drives through the EventHandler interface.
type FileDescriptor struct {
	fd       int
	state    State
	refcount atomic.Int32

	onZeroRefcount func()

	OnHup         func()
	OnExceptional func()
	OnClosed      func()
}

// NewFileDescriptor wraps an already-open fd: validates it, forces
// non-blocking mode, and sets the R_OPEN/W_OPEN bits implied by kind.
// Mirrors FileDescriptor::init.
func NewFileDescriptor(fd int, kind Flags) (*FileDescriptor, error) {
	if !IsValid(fd) {
		return nil, ErrSetupFatal
	}
	if err := setNonblocking(fd); err != nil {
		return nil, newError(ErrCodeRead, fd, "set fd nonblocking", err)
	}
	f := &FileDescriptor{fd: fd}
	f.refcount.Store(1)
	g := f.state.Lock()
	g.Set(kind)
	if kind.has(InputDeviceFlag) {
		g.Set(ROpen)
	}
	if kind.has(OutputDeviceFlag) {
		g.Set(WOpen)
	}
	if isRegularFile(fd) {
		g.Set(RegularFile)
	}
	g.Unlock()
	return f, nil
}

// NewDuplexFileDescriptor wraps fd as both directions sharing a single
// FileDescriptor, setting Same so close_input_device/close_output_device
// only actually close(fd) once both directions have closed.
func NewDuplexFileDescriptor(fd int) (*FileDescriptor, error) {
	f, err := NewFileDescriptor(fd, InputDeviceFlag|OutputDeviceFlag|Same)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileDescriptor) Fd() int       { return f.fd }
func (f *FileDescriptor) State() *State { return &f.state }

// SetDontClose marks the fd as not to be closed when this direction
// closes, used for fds owned by another object (e.g. stdin/stdout).
func (f *FileDescriptor) SetDontClose() {
	g := f.state.Lock()
	g.Set(DontClose)
	g.Unlock()
}

// InhibitDeletion bumps the strong refcount, returning the new value.
// The reactor calls this before dispatching a worker job so the device
// cannot be freed while the job is in flight.
func (f *FileDescriptor) InhibitDeletion() int32 {
	return f.refcount.Add(1)
}

// AllowDeletion drops the strong refcount; when it reaches zero the
// registered callback fires exactly once. The reactor registers a
// callback here (via SetOnZeroRefcount) that pushes the device onto
// the deletion list (spec section 4.4) instead of freeing it inline,
// so destruction always happens on the reactor thread.
func (f *FileDescriptor) AllowDeletion() {
	if f.refcount.Add(-1) == 0 {
		if cb := f.onZeroRefcount; cb != nil {
			cb()
		}
	}
}

// SetOnZeroRefcount installs the callback AllowDeletion invokes once
// the strong refcount reaches zero. Must be set once, before the
// device is exposed to any other thread.
func (f *FileDescriptor) SetOnZeroRefcount(cb func()) {
	f.onZeroRefcount = cb
}

// ReadEvent/WriteEvent default to no-ops so a FileDescriptor-only
// embedder satisfies EventHandler without needing both directions;
// InputDevice and OutputDevice shadow the one they implement.
func (f *FileDescriptor) ReadEvent()  {}
func (f *FileDescriptor) WriteEvent() {}

func (f *FileDescriptor) HupEvent() {
	if f.OnHup != nil {
		f.OnHup()
	}
}

func (f *FileDescriptor) ExceptionalEvent() {
	if f.OnExceptional != nil {
		f.OnExceptional()
	}
}

func (f *FileDescriptor) Closed() {
	if f.OnClosed != nil {
		f.OnClosed()
	}
}

// Close defaults to a no-op; a bare FileDescriptor has no direction to
// tear down. InputDevice and OutputDevice shadow this with
// CloseInputDevice/CloseOutputDevice.
func (f *FileDescriptor) Close() {}

// Destroy runs on the reactor thread once AllowDeletion has dropped
// the refcount to zero and the dispatcher has flushed its deletion
// list. The base implementation releases nothing — Go's allocator
// reclaims the struct itself — it exists so the deletion list has a
// uniform call to make regardless of device kind.
func (f *FileDescriptor) Destroy() {}

// StartWatching adds or modifies fd's registration in the notifier's
// interest set. The dispatcher decides needsAdding based on whether
// this fd already carries R_ADDED or W_ADDED.
func (f *FileDescriptor) StartWatching(notifierFd int, events uint32, needsAdding bool) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(f.fd)}
	if needsAdding {
		return unix.EpollCtl(notifierFd, unix.EPOLL_CTL_ADD, f.fd, ev)
	}
	return unix.EpollCtl(notifierFd, unix.EPOLL_CTL_MOD, f.fd, ev)
}

// StopWatching narrows or removes fd's registration. needsRemoval is
// true when neither direction remains active.
func (f *FileDescriptor) StopWatching(notifierFd int, events uint32, needsRemoval bool) error {
	if needsRemoval {
		return unix.EpollCtl(notifierFd, unix.EPOLL_CTL_DEL, f.fd, nil)
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(f.fd)}
	return unix.EpollCtl(notifierFd, unix.EPOLL_CTL_MOD, f.fd, ev)
}
