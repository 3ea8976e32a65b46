// Package advisory implements the reader/writer lock backing flock(2) on
// open file descriptions.
package advisory

import "sync"

// Lock is a counting advisory lock. Its state is -1 when held exclusively,
// N > 0 when held by N shared owners, and 0 when free.
//
// Lock does not track owners: any caller may release a hold acquired by
// another, which mirrors how flock locks belong to the open file description
// rather than to a thread.
type Lock struct {
	mutex sync.Mutex
	state int

	sharedCond    sync.Cond
	sharedWaiters int

	exclusiveCond    sync.Cond
	exclusiveWaiters int
}

func (l *Lock) init() {
	if l.sharedCond.L == nil {
		l.sharedCond.L = &l.mutex
		l.exclusiveCond.L = &l.mutex
	}
}

// LockShared blocks until the lock can be held in shared mode.
func (l *Lock) LockShared() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.init()

	for l.state < 0 {
		l.sharedWaiters++
		l.sharedCond.Wait()
		l.sharedWaiters--
	}
	l.state++
}

// LockExclusive blocks until the lock can be held in exclusive mode.
func (l *Lock) LockExclusive() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.init()

	for l.state != 0 {
		l.exclusiveWaiters++
		l.exclusiveCond.Wait()
		l.exclusiveWaiters--
	}
	l.state = -1
}

// TryLockShared acquires the lock in shared mode if it is not held
// exclusively.
func (l *Lock) TryLockShared() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state < 0 {
		return false
	}
	l.state++
	return true
}

// TryLockExclusive acquires the lock in exclusive mode if it is free.
func (l *Lock) TryLockExclusive() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state != 0 {
		return false
	}
	l.state = -1
	return true
}

// Unlock releases one hold on the lock. It returns false if the lock was not
// held.
func (l *Lock) Unlock() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.init()

	switch {
	case l.state < 0:
		l.state = 0
		if l.sharedWaiters > 0 {
			l.sharedCond.Broadcast()
		} else if l.exclusiveWaiters > 0 {
			l.exclusiveCond.Signal()
		}
	case l.state > 0:
		l.state--
		if l.state == 0 && l.exclusiveWaiters > 0 {
			l.exclusiveCond.Signal()
		}
	default:
		return false
	}
	return true
}

// State returns the current lock state.
func (l *Lock) State() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}
