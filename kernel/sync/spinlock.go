// Package sync provides the spinlock used to guard state shared between
// processors, such as frame allocator bitmaps and the kernel log.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked by Acquire after spinAttempts failed attempts to
	// grab the lock. Tests may override it to observe contention.
	yieldFn = runtime.Gosched
)

// spinAttempts is the number of busy-wait iterations performed before
// Acquire yields the processor.
const spinAttempts = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(0); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt == spinAttempts {
			yieldFn()
			attempt = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
