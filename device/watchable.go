package device

// Direction distinguishes the read and write sides of a device for the
// Dispatcher API (spec section 6): start/stop/remove all take a
// Direction alongside the device.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// EventHandler is the Device API consumed by the reactor package (spec
// section 6): every method a Dispatcher needs to call on a registered
// device. FileDescriptor implements all of it with sensible defaults;
// InputDevice and OutputDevice shadow the methods for their direction.
type EventHandler interface {
	Fd() int
	State() *State

	StartWatching(notifierFd int, events uint32, needsAdding bool) error
	StopWatching(notifierFd int, events uint32, needsRemoval bool) error

	ReadEvent()
	WriteEvent()
	HupEvent()
	ExceptionalEvent()
	Closed()

	// Close runs the actual close_input_device/close_output_device
	// teardown for whichever direction this handler owns. The HUP job
	// chains this after HupEvent (spec section 4.1's dispatch loop,
	// "leaving this alive would cause a flood of events" — EPOLLHUP is
	// level-triggered and keeps firing until the fd is actually closed
	// and removed from the notifier).
	Close()

	InhibitDeletion() int32
	AllowDeletion()
	SetOnZeroRefcount(cb func())

	// Destroy runs on the reactor thread once the device's refcount
	// has reached zero (spec section 4.4): the deletion list's sole
	// entry point back into a device.
	Destroy()
}

// Dispatcher is the subset of the reactor's API a device needs to call
// back into from disable/enable/close (spec section 6). Defined here,
// by the consumer's consumer, so device never imports reactor.
type Dispatcher interface {
	Start(g *WriteGuard, dir Direction, dev EventHandler) bool
	StartIf(g *WriteGuard, cond FuzzyCondition, dir Direction, dev EventHandler) bool
	Stop(g *WriteGuard, dir Direction, dev EventHandler) bool
	StopIf(g *WriteGuard, cond FuzzyCondition, dir Direction, dev EventHandler) bool
	Remove(g *WriteGuard, dir Direction, dev EventHandler) bool
}
