// Package sync provides the spinlock that guards kernel-global allocator
// state.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// spinAttemptsBeforeYield bounds the busy-wait before the waiter hands
	// its processor back to the scheduler.
	spinAttemptsBeforeYield = 128
)

var (
	// yieldFn is invoked by waiters once spinAttemptsBeforeYield attempts
	// have failed.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Critical sections guarded by a Spinlock
// must be short and must never block.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYield)
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

// Lock and Unlock let a Spinlock satisfy sync.Locker.
func (l *Spinlock) Lock()   { l.Acquire() }
func (l *Spinlock) Unlock() { l.Release() }

func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		// Test before test-and-set so waiters spin on a shared cache line.
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			yieldFn()
		}
	}
}
