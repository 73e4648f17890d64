// Package tmutex provides a mutual exclusion primitive that implements
// TryLock in addition to Lock and Unlock. The stack uses it as the
// per-device transmit serialization point: the data plane takes it around
// each Transmit, and bring-down uses TryLock to probe for in-flight
// transmitters without risking a sleep under the registry lock
package tmutex

import (
	"sync/atomic"
)

// Mutex is a mutual exclusion primitive with try semantics
type Mutex struct {
	v  int32
	ch chan struct{}
}

// Init initializes the mutex. It must be called before first use
func (m *Mutex) Init() {
	m.v = 1
	m.ch = make(chan struct{}, 1)
}

// Lock acquires the mutex. If it is currently held elsewhere, Lock waits
// until it has a chance to acquire it
func (m *Mutex) Lock() {
	for {
		if atomic.CompareAndSwapInt32(&m.v, 1, 0) {
			return
		}
		<-m.ch
	}
}

// TryLock attempts to acquire the mutex without waiting. It returns true on
// success
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapInt32(&m.v, 1, 0)
}

// Unlock releases the mutex
func (m *Mutex) Unlock() {
	atomic.SwapInt32(&m.v, 1)

	// Wake one waiter up, if any
	select {
	case m.ch <- struct{}{}:
	default:
	}
}
