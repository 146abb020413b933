// Package reactor implements the epoll-backed Dispatcher: the single
// thread family that owns the OS notifier, arms and disarms devices in
// it, and dispatches their read/write/hup/exceptional events onto a
// bounded worker queue (spec sections 4.1 and 6).
//
// Author: momentics <momentics@gmail.com>
package reactor

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Community-of-Gia-Lai-Team/evio/device"
	"github.com/Community-of-Gia-Lai-Team/evio/internal/deletion"
	"github.com/Community-of-Gia-Lai-Team/evio/internal/workqueue"
)

// TerminateState tracks the dispatcher's shutdown request, mirroring
// the original's terminate_not_yet/terminate_clean/terminate_forced
// tri-state (spec section 3, Dispatcher State).
type TerminateState int32

const (
	TerminateNotYet TerminateState = iota
	TerminateClean
	TerminateForced
)

const maxEpollEvents = 128

// Dispatcher is the reactor: one epoll instance, one self-pipe used to
// wake epoll_wait from any goroutine, a registry of watched devices
// keyed by fd, and a bounded job queue drained by a small worker pool.
type Dispatcher struct {
	epfd  int
	wakeR int
	wakeW int

	activeCount    atomic.Int32
	terminateState atomic.Int32

	// registry maps fd -> *fdEntry. A duplex fd (Same flag, socket
	// pairs and the like) has both its InputDevice and OutputDevice
	// registered under the same fd with two distinct EventHandler
	// values sharing one underlying FileDescriptor/State, so the
	// registry keys on fd rather than on the handler itself.
	registry sync.Map

	queue     *workqueue.Queue
	deletions deletion.List

	workerWG sync.WaitGroup
	readyCh  chan struct{}
	doneCh   chan struct{}
}

// New creates a Dispatcher with workers goroutines draining a job
// queue bounded at queueCapacity, and starts its reactor loop. It
// blocks until the loop is ready to receive events.
func New(workers, queueCapacity int) (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrSetupFatal, err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("%w: self-pipe: %v", ErrSetupFatal, err)
	}

	d := &Dispatcher{
		epfd:    epfd,
		wakeR:   fds[0],
		wakeW:   fds[1],
		queue:   workqueue.New(queueCapacity),
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	wakeEv := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(d.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.wakeR, wakeEv); err != nil {
		unix.Close(d.wakeR)
		unix.Close(d.wakeW)
		unix.Close(epfd)
		return nil, fmt.Errorf("%w: register self-pipe: %v", ErrSetupFatal, err)
	}

	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.workerWG.Add(1)
		go d.runWorker()
	}

	go d.loop()
	<-d.readyCh
	return d, nil
}

func (d *Dispatcher) runWorker() {
	defer d.workerWG.Done()
	for {
		job, ok := d.queue.Dequeue()
		if !ok {
			return
		}
		job.Run()
	}
}

// ActiveCount reports the number of currently armed directions across
// every registered device, the Go analogue of spec section 5's
// active_count (kept atomic rather than lock-protected since distinct
// devices' Start/Stop calls each hold only their own device's state
// lock and would otherwise race on a bare shared integer).
func (d *Dispatcher) ActiveCount() int32 { return d.activeCount.Load() }

// QueueDepth reports the number of jobs currently queued but not yet
// picked up by a worker.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// fdEntry holds the one or two EventHandlers registered for a given
// fd: both fields set only for a duplex device, where an InputDevice
// and an OutputDevice share the fd and its State but are distinct Go
// values.
type fdEntry struct {
	mu    sync.Mutex
	read  device.EventHandler
	write device.EventHandler
}

func (d *Dispatcher) storeHandler(fd int, dir device.Direction, dev device.EventHandler) {
	val, _ := d.registry.LoadOrStore(fd, &fdEntry{})
	e := val.(*fdEntry)
	e.mu.Lock()
	if dir == device.DirRead {
		e.read = dev
	} else {
		e.write = dev
	}
	e.mu.Unlock()
}

// clearHandler drops dir's handler for fd, deleting the registry entry
// once neither direction remains registered.
func (d *Dispatcher) clearHandler(fd int, dir device.Direction) {
	val, ok := d.registry.Load(fd)
	if !ok {
		return
	}
	e := val.(*fdEntry)
	e.mu.Lock()
	if dir == device.DirRead {
		e.read = nil
	} else {
		e.write = nil
	}
	empty := e.read == nil && e.write == nil
	e.mu.Unlock()
	if empty {
		d.registry.Delete(fd)
	}
}

func dirBits(dir device.Direction) (active, added device.Flags) {
	if dir == device.DirRead {
		return device.RActive, device.RAdded
	}
	return device.WActive, device.WAdded
}

func eventMaskFor(flags device.Flags) uint32 {
	var mask uint32
	if flags&device.RActive != 0 {
		mask |= unix.EPOLLIN
	}
	if flags&device.WActive != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Start arms dir for dev, adding it to the notifier if this is its
// first active direction. g must hold dev's write lock.
func (d *Dispatcher) Start(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) bool {
	active, _ := dirBits(dir)
	if g.Flags()&active != 0 {
		return true
	}
	g.Set(active)
	return d.armActive(g, dir, dev)
}

// StartIf arms dir for dev, following spec section 4.1's start_if: the
// active bit is set speculatively and, only for a TransitoryTrue
// condition, re-evaluated under g's lock (the point the original notes
// as the only place that genuinely needs to hold it) and reverted if
// Recheck reports it has become false in the meantime. A flat True
// behaves exactly like Start; a flat or transitory False never arms
// anything.
func (d *Dispatcher) StartIf(g *device.WriteGuard, cond device.FuzzyCondition, dir device.Direction, dev device.EventHandler) bool {
	if cond.Value.IsMomentaryFalse() {
		log.Printf("reactor: StartIf called with a false condition on fd %d", dev.Fd())
		return false
	}
	active, _ := dirBits(dir)
	if g.Flags()&active != 0 {
		return true
	}
	g.Set(active)
	if cond.Value.IsTransitoryTrue() && cond.Recheck != nil && !cond.Recheck() {
		g.Clear(active)
		return false
	}
	return d.armActive(g, dir, dev)
}

// armActive finishes arming dir for dev once its active bit has
// already been set by the caller: it adds dev to the notifier (or,
// for a regular file, enqueues its first ready job directly, since
// read()/write() on one never blocks and epoll has nothing useful to
// report for it — spec section 4.1 start step 5) and bumps
// activeCount. Reverts the active bit and returns false if the
// notifier call fails.
func (d *Dispatcher) armActive(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) bool {
	active, added := dirBits(dir)

	if g.Flags().IsRegularFile() {
		dev.SetOnZeroRefcount(func() { d.deletions.Add(dev) })
		d.activeCount.Add(1)
		d.enqueueRegularFileJob(g, dir, dev)
		return true
	}

	// needsAdding reflects whether the fd itself is already in the
	// notifier's set, not just this direction: a duplex fd's write
	// side starting after its read side is already armed must use
	// EPOLL_CTL_MOD, since EPOLL_CTL_ADD on an fd already added fails
	// with EEXIST.
	needsAdding := g.Flags()&(device.RAdded|device.WAdded) == 0
	mask := eventMaskFor(g.Flags())

	if err := dev.StartWatching(d.epfd, mask, needsAdding); err != nil {
		g.Clear(active)
		log.Printf("reactor: start watching fd %d failed: %v", dev.Fd(), err)
		return false
	}
	g.Set(added)
	dev.SetOnZeroRefcount(func() { d.deletions.Add(dev) })
	d.storeHandler(dev.Fd(), dir, dev)
	d.activeCount.Add(1)
	return true
}

// enqueueRegularFileJob queues dev's first read/write job directly,
// under the same BeingProcessed discipline dispatchEvent uses for
// notifier-driven events, so a regular file never gets two ready jobs
// in flight for the same direction at once.
func (d *Dispatcher) enqueueRegularFileJob(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) {
	bit := device.BeingProcessedR
	run := dev.ReadEvent
	if dir == device.DirWrite {
		bit = device.BeingProcessedW
		run = dev.WriteEvent
	}
	g.Set(bit)
	d.enqueueJob(dev, bit, run)
}

// disarmActive finishes disarming dir for dev once its active bit has
// already been cleared by the caller: narrows or removes the notifier
// registration (skipped for a regular file, which was never added to
// it) and re-signals the reactor once activeCount reaches zero, so a
// Terminate(true) waiting on the last active direction to stop does
// not stay blocked in epoll_wait (spec section 4.1 remove).
func (d *Dispatcher) disarmActive(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) {
	if !g.Flags().IsRegularFile() {
		mask := eventMaskFor(g.Flags())
		needsRemoval := mask == 0

		if err := dev.StopWatching(d.epfd, mask, needsRemoval); err != nil {
			log.Printf("reactor: stop watching fd %d failed: %v", dev.Fd(), err)
		}
		d.clearHandler(dev.Fd(), dir)
		if needsRemoval {
			g.Clear(device.RAdded | device.WAdded)
		}
	}
	if d.activeCount.Add(-1) == 0 {
		d.wake()
	}
}

// Stop disarms dir for dev: it narrows the notifier registration and
// drops dir's handler from the registry, and once no direction remains
// active the fd is also dropped from the notifier.
func (d *Dispatcher) Stop(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) bool {
	active, _ := dirBits(dir)
	if g.Flags()&active == 0 {
		return true
	}
	g.Clear(active)
	d.disarmActive(g, dir, dev)
	return true
}

// StopIf is the Stop analogue of StartIf.
func (d *Dispatcher) StopIf(g *device.WriteGuard, cond device.FuzzyCondition, dir device.Direction, dev device.EventHandler) bool {
	if cond.Value.IsMomentaryFalse() {
		log.Printf("reactor: StopIf called with a false condition on fd %d", dev.Fd())
		return false
	}
	active, _ := dirBits(dir)
	if g.Flags()&active == 0 {
		return true
	}
	g.Clear(active)
	if cond.Value.IsTransitoryTrue() && cond.Recheck != nil && !cond.Recheck() {
		g.Set(active)
		return false
	}
	d.disarmActive(g, dir, dev)
	return true
}

// Remove unconditionally clears dir's active/added bits for dev, drops
// dir's handler from the registry, and drops the fd from the notifier
// if no direction remains active. Unlike Stop it also tears down a direction that was
// added but never made active, matching close_input_device/
// close_output_device's unconditional teardown (spec section 4.3).
func (d *Dispatcher) Remove(g *device.WriteGuard, dir device.Direction, dev device.EventHandler) bool {
	active, added := dirBits(dir)
	before := g.Flags()
	wasActive := before&active != 0
	wasAdded := before&added != 0
	g.Clear(active | added)

	if wasAdded {
		mask := eventMaskFor(g.Flags())
		needsRemoval := mask == 0
		if err := dev.StopWatching(d.epfd, mask, needsRemoval); err != nil {
			log.Printf("reactor: remove watching fd %d failed: %v", dev.Fd(), err)
		}
		d.clearHandler(dev.Fd(), dir)
		if needsRemoval {
			g.Clear(device.RAdded | device.WAdded)
		}
	}
	if wasActive {
		if d.activeCount.Add(-1) == 0 {
			d.wake()
		}
	}
	return true
}

// wake unblocks an in-progress epoll_wait from any goroutine, the self
// -pipe substitute for the original's signal-driven wake (spec section
// 9 explicitly prefers this for a port).
func (d *Dispatcher) wake() {
	var b [1]byte
	for {
		_, err := unix.Write(d.wakeW, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (d *Dispatcher) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Terminate requests shutdown. clean waits for every active direction
// to be stopped by its owning devices before the loop exits; a forced
// termination exits on the next iteration regardless. Terminate itself
// returns immediately without joining the loop or worker goroutines;
// callers that need to know shutdown has actually finished must wait
// on Done().
func (d *Dispatcher) Terminate(clean bool) {
	if clean {
		d.terminateState.Store(int32(TerminateClean))
	} else {
		d.terminateState.Store(int32(TerminateForced))
	}
	d.wake()
}

func (d *Dispatcher) shouldTerminate() bool {
	switch TerminateState(d.terminateState.Load()) {
	case TerminateForced:
		return true
	case TerminateClean:
		return d.activeCount.Load() == 0
	default:
		return false
	}
}

// Done is closed once the reactor loop and every worker goroutine have
// exited following Terminate.
func (d *Dispatcher) Done() <-chan struct{} { return d.doneCh }

func (d *Dispatcher) loop() {
	close(d.readyCh)
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("reactor: epoll_wait failed: %v", err)
			continue
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == d.wakeR {
				d.drainWake()
				continue
			}
			val, ok := d.registry.Load(fd)
			if !ok {
				continue
			}
			e := val.(*fdEntry)
			e.mu.Lock()
			read, write := e.read, e.write
			e.mu.Unlock()
			d.dispatchEvent(read, write, ev.Events)
		}

		d.deletions.Flush()
		if d.shouldTerminate() {
			break
		}
	}

	d.queue.Close()
	d.workerWG.Wait()
	d.deletions.Flush()
	unix.Close(d.epfd)
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	close(d.doneCh)
}

// dispatchEvent implements spec section 4.1's BeingProcessed* test-and
// -set discipline (invariant 7): at most one worker job per device per
// direction/condition is ever in flight, decided entirely under the
// shared write lock before anything is enqueued. read and write are
// the fd's registered handlers for each direction; for a simplex fd
// exactly one of them is non-nil, for a duplex fd both are non-nil and
// share the same underlying State.
func (d *Dispatcher) dispatchEvent(read, write device.EventHandler, mask uint32) {
	var holder device.EventHandler
	switch {
	case read != nil:
		holder = read
	case write != nil:
		holder = write
	default:
		return
	}

	g := holder.State().Lock()
	flags := g.Flags()

	fireHup := mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 && flags&device.BeingProcessedHup == 0
	if fireHup {
		g.Set(device.BeingProcessedHup)
	}
	fireErr := mask&unix.EPOLLERR != 0 && flags&device.BeingProcessedErr == 0
	if fireErr {
		g.Set(device.BeingProcessedErr)
	}
	fireRead := read != nil && mask&unix.EPOLLIN != 0 && flags&device.RActive != 0 && flags&device.BeingProcessedR == 0
	if fireRead {
		g.Set(device.BeingProcessedR)
	}
	fireWrite := write != nil && mask&unix.EPOLLOUT != 0 && flags&device.WActive != 0 && flags&device.BeingProcessedW == 0
	if fireWrite {
		g.Set(device.BeingProcessedW)
	}
	g.Unlock()

	if fireHup {
		// hup_event() then close(), exactly in that order: EPOLLHUP is
		// level-triggered and, left alone, would keep re-firing on
		// every epoll_wait forever (EventLoopThread.cxx's "leaving
		// this alive would cause a flood of events"). Closing both
		// directions of a duplex fd mirrors the original's single
		// device->close() call, which tears down the whole
		// FileDescriptor regardless of which direction hung up.
		d.enqueueJob(holder, device.BeingProcessedHup, func() {
			holder.HupEvent()
			if read != nil {
				read.Close()
			}
			if write != nil {
				write.Close()
			}
		})
	}
	if fireErr {
		d.enqueueJob(holder, device.BeingProcessedErr, holder.ExceptionalEvent)
	}
	if fireRead {
		d.enqueueJob(read, device.BeingProcessedR, read.ReadEvent)
	}
	if fireWrite {
		d.enqueueJob(write, device.BeingProcessedW, write.WriteEvent)
	}
}

// enqueueJob inhibits deletion for the duration of run, clearing bit
// and releasing the inhibition once run returns, regardless of which
// worker goroutine happens to pick the job up.
func (d *Dispatcher) enqueueJob(dev device.EventHandler, bit device.Flags, run func()) {
	dev.InhibitDeletion()
	clear := func() {
		g := dev.State().Lock()
		g.Clear(bit)
		g.Unlock()
		dev.AllowDeletion()
	}
	if err := d.queue.Enqueue(workqueue.Job{Run: func() {
		run()
		clear()
	}}); err != nil {
		log.Printf("reactor: dropping event for fd %d, queue closed: %v", dev.Fd(), err)
		clear()
	}
}
