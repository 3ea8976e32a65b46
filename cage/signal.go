package cage

import (
	"math/bits"
	"sync"
	"time"

	"github.com/stealthrocket/microvisor"
)

// Signal is a signal number.
type Signal int32

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGUSR2 Signal = 12
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGSTOP Signal = 19

	// NSIG is one more than the highest signal number.
	NSIG Signal = 65
)

// SigSet is a set of signals; signal n is bit n-1.
type SigSet uint64

func sigbit(sig Signal) SigSet { return 1 << (uint(sig) - 1) }

// Has reports whether sig is in the set.
func (s SigSet) Has(sig Signal) bool { return s&sigbit(sig) != 0 }

// Masking operations of sigprocmask.
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// ITIMER_REAL is the only interval timer supported by setitimer.
const ITIMER_REAL = 0

// SigAction is the guest layout of struct sigaction.
type SigAction struct {
	Handler  uint32 `struc:"uint32,little"`
	Reserved uint32 `struc:"uint32,little"`
	Mask     uint64 `struc:"uint64,little"`
	Flags    int32  `struc:"int32,little"`
	Padding  uint32 `struc:"uint32,little"`
}

type signalState struct {
	mutex    sync.Mutex
	handlers map[Signal]SigAction
	blocked  SigSet
	pending  SigSet
}

func (s *signalState) init() {
	s.handlers = make(map[Signal]SigAction)
}

func validSignal(sig Signal) bool { return sig > 0 && sig < NSIG }

// Sigaction returns the action installed for sig, and replaces it with act
// when act is not nil. The actions of SIGKILL and SIGSTOP cannot be changed.
func (c *Cage) Sigaction(sig Signal, act *SigAction) (SigAction, microvisor.Errno) {
	if !validSignal(sig) {
		return SigAction{}, microvisor.EINVAL
	}
	if act != nil && (sig == SIGKILL || sig == SIGSTOP) {
		return SigAction{}, microvisor.EINVAL
	}
	c.signals.mutex.Lock()
	defer c.signals.mutex.Unlock()
	old := c.signals.handlers[sig]
	if act != nil {
		if act.Handler == 0 && act.Mask == 0 && act.Flags == 0 {
			delete(c.signals.handlers, sig)
		} else {
			c.signals.handlers[sig] = *act
		}
	}
	return old, microvisor.ESUCCESS
}

// Sigprocmask returns the set of blocked signals, and changes it according
// to how when set is not nil. SIGKILL and SIGSTOP cannot be blocked.
func (c *Cage) Sigprocmask(how int32, set *SigSet) (SigSet, microvisor.Errno) {
	c.signals.mutex.Lock()
	defer c.signals.mutex.Unlock()
	old := c.signals.blocked
	if set == nil {
		return old, microvisor.ESUCCESS
	}
	switch how {
	case SIG_BLOCK:
		c.signals.blocked |= *set
	case SIG_UNBLOCK:
		c.signals.blocked &^= *set
	case SIG_SETMASK:
		c.signals.blocked = *set
	default:
		return old, microvisor.EINVAL
	}
	c.signals.blocked &^= sigbit(SIGKILL) | sigbit(SIGSTOP)
	return old, microvisor.ESUCCESS
}

// Kill delivers sig to the cage with identity target, which must belong to
// the fork tree of c. A zero signal only checks that the target exists.
func (c *Cage) Kill(target uint64, sig Signal) microvisor.Errno {
	if sig != 0 && !validSignal(sig) {
		return microvisor.EINVAL
	}
	t, ok := c.registry.Lookup(target)
	if !ok {
		return microvisor.ESRCH
	}
	if t.tree != c.tree {
		return microvisor.EPERM
	}
	if sig == 0 {
		return microvisor.ESUCCESS
	}
	return t.raise(sig)
}

// raise marks sig pending. SIGKILL cancels the cage, making its blocked
// calls return at their next cancellation checkpoint.
func (c *Cage) raise(sig Signal) microvisor.Errno {
	if !validSignal(sig) {
		return microvisor.EINVAL
	}
	c.signals.mutex.Lock()
	c.signals.pending |= sigbit(sig)
	c.signals.mutex.Unlock()

	c.log.WithField("signal", int32(sig)).Debug("signal raised")
	if sig == SIGKILL {
		c.cancel()
	}
	return microvisor.ESUCCESS
}

// PendingSignals returns the set of signals raised and not yet taken.
func (c *Cage) PendingSignals() SigSet {
	c.signals.mutex.Lock()
	defer c.signals.mutex.Unlock()
	return c.signals.pending
}

// TakeSignal removes and returns the lowest pending signal which is not
// blocked.
func (c *Cage) TakeSignal() (Signal, bool) {
	c.signals.mutex.Lock()
	defer c.signals.mutex.Unlock()
	deliverable := c.signals.pending &^ c.signals.blocked
	if deliverable == 0 {
		return 0, false
	}
	sig := Signal(bits.TrailingZeros64(uint64(deliverable)) + 1)
	c.signals.pending &^= sigbit(sig)
	return sig, true
}

// Setitimer arms the real-time interval timer of the cage, which raises
// SIGALRM on expiry, and returns its previous setting. A zero value disarms
// the timer.
func (c *Cage) Setitimer(which int32, value, interval time.Duration) (oldValue, oldInterval time.Duration, errno microvisor.Errno) {
	if which != ITIMER_REAL {
		return 0, 0, microvisor.EINVAL
	}
	if value < 0 || interval < 0 {
		return 0, 0, microvisor.EINVAL
	}
	oldValue, oldInterval = c.timer.Arm(value, interval)
	return oldValue, oldInterval, microvisor.ESUCCESS
}

// Getitimer returns the remaining time and interval of the real-time
// interval timer.
func (c *Cage) Getitimer(which int32) (value, interval time.Duration, errno microvisor.Errno) {
	if which != ITIMER_REAL {
		return 0, 0, microvisor.EINVAL
	}
	value, interval = c.timer.Get()
	return value, interval, microvisor.ESUCCESS
}

// Alarm arms the interval timer to expire once in the given number of
// seconds, and returns the whole seconds remaining on the previous setting.
func (c *Cage) Alarm(seconds uint32) uint32 {
	return c.timer.Alarm(seconds)
}
