// Package cage implements cages, the isolation units of the microvisor, and
// the system calls guests invoke on them.
//
// A cage owns a descriptor table mapping guest descriptor numbers to open
// files, sockets, pipes and epoll instances. Descriptions are reference
// counted: dup, dup2 and fork install new descriptors referring to the same
// description, and the underlying host resource is released when the last
// descriptor referring to it is closed.
//
// Cage methods are safe for concurrent use by the threads of a guest. The
// descriptor table is guarded by a mutex which is never held while I/O is in
// progress.
package cage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/descriptor"
	"github.com/stealthrocket/microvisor/internal/ratelog"
	"github.com/stealthrocket/microvisor/itimer"
)

// Resource limits reported by getrlimit.
const (
	NoFileCur = 1024
	NoFileMax = 4096
	StackCur  = 8 << 20
	StackMax  = 1 << 32
)

// Cage is an isolated execution context.
type Cage struct {
	id       uint64
	parent   uint64
	tree     uint64
	registry *Registry
	log      *logrus.Entry
	slow     ratelog.Logger

	// ctx is canceled when the cage exits or is killed. Blocking calls
	// observe it at their cancellation checkpoints.
	ctx    context.Context
	cancel context.CancelFunc

	cwdMutex sync.RWMutex
	cwd      string

	mutex  sync.Mutex
	fds    descriptor.Table[int32, entry]
	exited bool

	uid  atomic.Int64
	euid atomic.Int64
	gid  atomic.Int64
	egid atomic.Int64

	signals signalState
	timer   *itimer.IntervalTimer
}

func newCage(r *Registry, id, parent, tree uint64) *Cage {
	c := &Cage{
		id:       id,
		parent:   parent,
		tree:     tree,
		registry: r,
		cwd:      "/",
	}
	c.log = r.config.Logger.WithField("cage", id)
	c.slow = ratelog.New(c.log, time.Second)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.fds.SetLimit(NoFileCur)
	for _, cred := range []*atomic.Int64{&c.uid, &c.euid, &c.gid, &c.egid} {
		cred.Store(-1)
	}
	c.signals.init()
	c.timer = itimer.New(func() { r.Signal(id, SIGALRM) }, itimer.WithClock(r.config.Clock))
	return c
}

// ID returns the identity of the cage.
func (c *Cage) ID() uint64 { return c.id }

// Parent returns the identity of the cage which forked this one, or zero.
func (c *Cage) Parent() uint64 { return c.parent }

// Tree returns the identity of the cage at the root of the fork tree this
// cage belongs to. Cages created by the registry are their own tree.
func (c *Cage) Tree() uint64 { return c.tree }

// Logger returns the logger of the cage.
func (c *Cage) Logger() *logrus.Entry { return c.log }

// Done returns a channel closed when the cage is canceled.
func (c *Cage) Done() <-chan struct{} { return c.ctx.Done() }

// Canceled reports whether the cage was asked to unwind.
func (c *Cage) Canceled() bool { return c.ctx.Err() != nil }

// Len returns the number of open descriptors.
func (c *Cage) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.fds.Len()
}

// Kind returns the kind of resource fd refers to.
func (c *Cage) Kind(fd int32) (Kind, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return 0, errno
	}
	defer c.put(e.desc)
	return e.desc.Kind(), microvisor.ESUCCESS
}

// Fork creates a child cage sharing the descriptions of this cage. The child
// gets the given identity, or a fresh one if childID is zero, and joins the
// fork tree of c.
func (c *Cage) Fork(childID uint64) (*Cage, microvisor.Errno) {
	c.mutex.Lock()
	exited := c.exited
	c.mutex.Unlock()
	if exited {
		return nil, microvisor.ESRCH
	}

	r := c.registry
	if childID == 0 {
		childID = r.allocID()
	}
	child := newCage(r, childID, c.id, c.tree)

	c.cwdMutex.RLock()
	child.cwd = c.cwd
	c.cwdMutex.RUnlock()

	child.uid.Store(c.uid.Load())
	child.euid.Store(c.euid.Load())
	child.gid.Store(c.gid.Load())
	child.egid.Store(c.egid.Load())

	c.signals.mutex.Lock()
	child.signals.handlers = deepcopy.Copy(c.signals.handlers).(map[Signal]SigAction)
	child.signals.blocked = c.signals.blocked
	c.signals.mutex.Unlock()

	c.mutex.Lock()
	if c.exited {
		c.mutex.Unlock()
		child.cancel()
		child.timer.Stop()
		return nil, microvisor.ESRCH
	}
	child.fds = *c.fds.Clone()
	child.fds.Range(func(_ int32, e entry) bool {
		incRef(e.desc)
		return true
	})
	c.mutex.Unlock()

	if !r.register(child) {
		child.cancel()
		child.timer.Stop()
		child.closeAll()
		return nil, microvisor.EEXIST
	}
	c.log.WithField("child", childID).Debug("fork")
	return child, microvisor.ESUCCESS
}

// Exec closes the descriptors marked close-on-exec and resets the signal
// handlers, as when the cage replaces its program.
func (c *Cage) Exec() microvisor.Errno {
	var closed []entry
	c.mutex.Lock()
	c.fds.Range(func(fd int32, e entry) bool {
		if e.cloexec {
			c.fds.Delete(fd)
			closed = append(closed, e)
		}
		return true
	})
	c.mutex.Unlock()

	for _, e := range closed {
		if errno := decRef(e.desc); errno != microvisor.ESUCCESS {
			c.log.WithError(errno).Warn("closing descriptor on exec")
		}
	}

	c.signals.mutex.Lock()
	clear(c.signals.handlers)
	c.signals.mutex.Unlock()
	return microvisor.ESUCCESS
}

// Exit cancels the blocking calls in progress, stops the interval timer,
// releases every descriptor and unregisters the cage. Calls after the first
// have no effect.
func (c *Cage) Exit(status int32) {
	c.mutex.Lock()
	if c.exited {
		c.mutex.Unlock()
		return
	}
	c.exited = true
	c.mutex.Unlock()

	c.cancel()
	c.timer.Stop()
	c.closeAll()
	c.registry.unregister(c)
	c.log.WithField("status", status).Debug("exit")
}

func (c *Cage) closeAll() {
	var entries []entry
	c.mutex.Lock()
	c.fds.Range(func(_ int32, e entry) bool {
		entries = append(entries, e)
		return true
	})
	c.fds.Reset()
	c.mutex.Unlock()

	for _, e := range entries {
		if errno := decRef(e.desc); errno != microvisor.ESUCCESS {
			c.log.WithError(errno).Warn("releasing descriptor")
		}
	}
}

// context returns a context canceled either when ctx is done or when the
// cage is canceled.
func (c *Cage) context(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// lookup returns the entry at fd and takes a reference to its description,
// which the caller drops with put once it is done with it. A concurrent
// close of fd never releases the description while it is in use.
func (c *Cage) lookup(fd int32) (entry, microvisor.Errno) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.fds.Lookup(fd)
	if !ok {
		return entry{}, microvisor.EBADF
	}
	incRef(e.desc)
	return e, microvisor.ESUCCESS
}

func (c *Cage) put(d description) {
	if errno := decRef(d); errno != microvisor.ESUCCESS {
		c.log.WithError(errno).Warn("releasing descriptor")
	}
}

func (c *Cage) insert(desc description, cloexec bool) (int32, microvisor.Errno) {
	return c.insertFrom(0, desc, cloexec)
}

func (c *Cage) insertFrom(min int32, desc description, cloexec bool) (int32, microvisor.Errno) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.exited {
		return -1, microvisor.EBADF
	}
	fd, ok := c.fds.InsertFrom(min, entry{desc: desc, cloexec: cloexec})
	if !ok {
		return -1, microvisor.EMFILE
	}
	return fd, microvisor.ESUCCESS
}

// Close releases the descriptor fd. The underlying resource is released
// when no other descriptor refers to it.
func (c *Cage) Close(fd int32) microvisor.Errno {
	c.mutex.Lock()
	e, ok := c.fds.Delete(fd)
	c.mutex.Unlock()
	if !ok {
		return microvisor.EBADF
	}
	return decRef(e.desc)
}

// Dup installs a new descriptor referring to the same description as fd, at
// the lowest free number.
func (c *Cage) Dup(fd int32) (int32, microvisor.Errno) {
	return c.dupFrom(fd, 0, false)
}

func (c *Cage) dupFrom(fd, min int32, cloexec bool) (int32, microvisor.Errno) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.fds.Lookup(fd)
	if !ok {
		return -1, microvisor.EBADF
	}
	newfd, ok := c.fds.InsertFrom(min, entry{desc: e.desc, cloexec: cloexec})
	if !ok {
		return -1, microvisor.EMFILE
	}
	incRef(e.desc)
	return newfd, microvisor.ESUCCESS
}

// Dup2 makes newfd refer to the description of oldfd, closing the previous
// description of newfd first.
func (c *Cage) Dup2(oldfd, newfd int32) (int32, microvisor.Errno) {
	if newfd < 0 || int(newfd) >= NoFileCur {
		return -1, microvisor.EBADF
	}
	c.mutex.Lock()
	e, ok := c.fds.Lookup(oldfd)
	if !ok {
		c.mutex.Unlock()
		return -1, microvisor.EBADF
	}
	if oldfd == newfd {
		c.mutex.Unlock()
		return newfd, microvisor.ESUCCESS
	}
	incRef(e.desc)
	prev, replaced := c.fds.Assign(newfd, entry{desc: e.desc})
	c.mutex.Unlock()

	if replaced {
		if errno := decRef(prev.desc); errno != microvisor.ESUCCESS {
			c.log.WithError(errno).Warn("closing descriptor replaced by dup2")
		}
	}
	return newfd, microvisor.ESUCCESS
}
