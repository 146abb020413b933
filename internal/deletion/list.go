// Package deletion implements the reactor's deferred-destruction list
// (spec section 4.4): a lock-free intrusive LIFO that lets any thread
// push a device once its refcount reaches zero, while the actual
// Destroy call only ever runs on the reactor thread during Flush.
//
// Author: momentics <momentics@gmail.com>
package deletion

import "sync/atomic"

// Deletable is pushed onto a List once nothing else can reach it.
// Destroy runs exactly once, on whichever goroutine calls Flush.
type Deletable interface {
	Destroy()
}

type node struct {
	next *node
	dev  Deletable
}

// List is a multi-producer, single-consumer LIFO stack of pending
// deletions. The zero value is an empty, ready-to-use list.
type List struct {
	head atomic.Pointer[node]
}

// Add pushes dev onto the list. Safe to call from any goroutine,
// including concurrently with another Add.
func (l *List) Add(dev Deletable) {
	n := &node{dev: dev}
	for {
		old := l.head.Load()
		n.next = old
		if l.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// Flush atomically detaches the entire list and destroys every entry,
// oldest-push-last since the list is LIFO; order among pending
// deletions carries no meaning per spec section 4.4, only that each
// runs once and only on the calling thread. Must only be called from
// the reactor thread.
func (l *List) Flush() {
	for {
		old := l.head.Load()
		if old == nil {
			return
		}
		if l.head.CompareAndSwap(old, nil) {
			for n := old; n != nil; n = n.next {
				n.dev.Destroy()
			}
			return
		}
	}
}

// Empty reports whether the list currently has nothing pending. Purely
// advisory: another goroutine may push between the check and the next
// operation.
func (l *List) Empty() bool {
	return l.head.Load() == nil
}
