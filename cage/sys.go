package cage

import (
	"sync/atomic"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/advisory"
)

// Getpid returns the identity of the cage.
func (c *Cage) Getpid() int32 { return int32(c.id) }

// Getppid returns the identity of the parent cage.
func (c *Cage) Getppid() int32 { return int32(c.parent) }

// Credentials report -1 on the first query of a fresh cage, and the
// configured identity afterwards.
func (c *Cage) credential(cred *atomic.Int64, value uint32) int32 {
	if cred.CompareAndSwap(-1, int64(value)) {
		return -1
	}
	return int32(cred.Load())
}

func (c *Cage) Getuid() int32 { return c.credential(&c.uid, c.registry.config.UID) }

func (c *Cage) Geteuid() int32 { return c.credential(&c.euid, c.registry.config.UID) }

func (c *Cage) Getgid() int32 { return c.credential(&c.gid, c.registry.config.GID) }

func (c *Cage) Getegid() int32 { return c.credential(&c.egid, c.registry.config.GID) }

// Resources of getrlimit.
const (
	RLIMIT_STACK  = 3
	RLIMIT_NOFILE = 7
)

// Rlimit is the guest layout of struct rlimit.
type Rlimit struct {
	Cur uint64 `struc:"uint64,little"`
	Max uint64 `struc:"uint64,little"`
}

// Getrlimit returns the limits of a resource.
func (c *Cage) Getrlimit(resource int32) (Rlimit, microvisor.Errno) {
	switch resource {
	case RLIMIT_NOFILE:
		return Rlimit{Cur: NoFileCur, Max: NoFileMax}, microvisor.ESUCCESS
	case RLIMIT_STACK:
		return Rlimit{Cur: StackCur, Max: StackMax}, microvisor.ESUCCESS
	default:
		return Rlimit{}, microvisor.EINVAL
	}
}

// Gethostname returns the host name of the runtime, which must fit with
// its null terminator in size bytes.
func (c *Cage) Gethostname(size int) (string, microvisor.Errno) {
	name := c.registry.config.Hostname
	if size < 0 {
		return "", microvisor.EINVAL
	}
	if len(name)+1 > size {
		return "", microvisor.ENAMETOOLONG
	}
	return name, microvisor.ESUCCESS
}

// Commands of fcntl.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_SETOWN        = 8
	F_GETOWN        = 9
	F_DUPFD_CLOEXEC = 1030

	FD_CLOEXEC = 1
)

// Fcntl manipulates the descriptor fd.
func (c *Cage) Fcntl(fd, cmd, arg int32) (int32, microvisor.Errno) {
	switch cmd {
	case F_DUPFD, F_DUPFD_CLOEXEC:
		if arg < 0 || arg >= NoFileCur {
			return -1, microvisor.EINVAL
		}
		return c.dupFrom(fd, arg, cmd == F_DUPFD_CLOEXEC)

	case F_GETFD:
		e, errno := c.lookup(fd)
		if errno != microvisor.ESUCCESS {
			return -1, errno
		}
		defer c.put(e.desc)
		if e.cloexec {
			return FD_CLOEXEC, microvisor.ESUCCESS
		}
		return 0, microvisor.ESUCCESS

	case F_SETFD:
		c.mutex.Lock()
		defer c.mutex.Unlock()
		e := c.fds.Access(fd)
		if e == nil {
			return -1, microvisor.EBADF
		}
		e.cloexec = arg&FD_CLOEXEC != 0
		return 0, microvisor.ESUCCESS
	}

	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(e.desc)
	f := e.desc.base()

	switch cmd {
	case F_GETFL:
		return int32(f.statusFlags() &^ microvisor.O_CLOEXEC), microvisor.ESUCCESS

	case F_SETFL:
		flags := microvisor.OpenFlags(arg)
		f.setStatusFlag(microvisor.O_NONBLOCK, flags.Has(microvisor.O_NONBLOCK))
		f.setStatusFlag(microvisor.O_APPEND, flags.Has(microvisor.O_APPEND))
		return 0, microvisor.ESUCCESS

	case F_GETOWN:
		return f.owner.Load(), microvisor.ESUCCESS

	case F_SETOWN:
		if e.desc.Kind() != KindSocket {
			return -1, microvisor.EINVAL
		}
		f.owner.Store(arg)
		return 0, microvisor.ESUCCESS

	default:
		return -1, microvisor.EINVAL
	}
}

// Requests of ioctl.
const (
	FIONBIO  = 0x5421
	FIOCLEX  = 0x5451
	FIONCLEX = 0x5450
)

// Ioctl manipulates the descriptor fd. Only the requests toggling
// non-blocking mode and close-on-exec are supported.
func (c *Cage) Ioctl(fd int32, request uint32, arg int32) (int32, microvisor.Errno) {
	switch request {
	case FIONBIO:
		e, errno := c.lookup(fd)
		if errno != microvisor.ESUCCESS {
			return -1, errno
		}
		defer c.put(e.desc)
		e.desc.base().setStatusFlag(microvisor.O_NONBLOCK, arg != 0)
		return 0, microvisor.ESUCCESS
	case FIOCLEX, FIONCLEX:
		c.mutex.Lock()
		defer c.mutex.Unlock()
		e := c.fds.Access(fd)
		if e == nil {
			return -1, microvisor.EBADF
		}
		e.cloexec = request == FIOCLEX
		return 0, microvisor.ESUCCESS
	default:
		e, errno := c.lookup(fd)
		if errno != microvisor.ESUCCESS {
			return -1, errno
		}
		c.put(e.desc)
		return -1, microvisor.ENOTTY
	}
}

// Operations of flock.
const (
	LOCK_SH = 1
	LOCK_EX = 2
	LOCK_NB = 4
	LOCK_UN = 8
)

// Flock applies or removes an advisory lock on the file open at fd. Locks
// are held by the open file description, and conflict with the locks held
// through other descriptions of the same file.
func (c *Cage) Flock(fd, operation int32) microvisor.Errno {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(e.desc)
	f, ok := e.desc.(*fileDescription)
	if !ok {
		return microvisor.EINVAL
	}
	nonblock := operation&LOCK_NB != 0
	op := operation &^ LOCK_NB

	lock, errno := c.fileLock(f)
	if errno != microvisor.ESUCCESS {
		return errno
	}

	switch op {
	case LOCK_UN:
		f.mutex.Lock()
		defer f.mutex.Unlock()
		if f.lockMode != unlocked {
			lock.Unlock()
			f.lockMode = unlocked
		}
		return microvisor.ESUCCESS

	case LOCK_SH, LOCK_EX:
		want := lockedShared
		if op == LOCK_EX {
			want = lockedExclusive
		}
		f.mutex.Lock()
		mode := f.lockMode
		f.mutex.Unlock()
		if mode == want {
			return microvisor.ESUCCESS
		}
		if mode != unlocked {
			// Conversions are not atomic, as with flock(2).
			lock.Unlock()
		}

		var acquired bool
		switch {
		case want == lockedShared && nonblock:
			acquired = lock.TryLockShared()
		case want == lockedShared:
			lock.LockShared()
			acquired = true
		case nonblock:
			acquired = lock.TryLockExclusive()
		default:
			lock.LockExclusive()
			acquired = true
		}

		f.mutex.Lock()
		defer f.mutex.Unlock()
		if !acquired {
			f.lockMode = unlocked
			return microvisor.EWOULDBLOCK
		}
		f.lockMode = want
		return microvisor.ESUCCESS

	default:
		return microvisor.EINVAL
	}
}

func (c *Cage) fileLock(f *fileDescription) (*advisory.Lock, microvisor.Errno) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.lock == nil {
		st, errno := f.file.Stat()
		if errno != microvisor.ESUCCESS {
			return nil, errno
		}
		f.locks = &c.registry.locks
		f.lockKey = inode{dev: st.Dev, ino: st.Ino}
		f.lock = f.locks.get(f.lockKey)
	}
	return f.lock, microvisor.ESUCCESS
}
