// Package dispatch decodes system calls issued by guests and routes them to
// the cage emulating them.
package dispatch

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
	"github.com/stealthrocket/microvisor/fdset"
)

// Timeval is the guest layout of struct timeval.
type Timeval struct {
	Sec  int64 `struc:"int64,little"`
	Usec int64 `struc:"int64,little"`
}

// Duration returns the time value as a duration.
func (tv Timeval) Duration() time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// MakeTimeval returns the time value of d.
func MakeTimeval(d time.Duration) Timeval {
	return Timeval{Sec: int64(d / time.Second), Usec: int64(d%time.Second) / 1e3}
}

// Itimerval is the guest layout of struct itimerval.
type Itimerval struct {
	Interval Timeval
	Value    Timeval
}

type fdPair struct {
	Fd0 int32 `struc:"int32,little"`
	Fd1 int32 `struc:"int32,little"`
}

// Dispatcher routes system calls to the cages of a registry. Pointer
// arguments are resolved in the guest memory attached to the context with
// WithMemory.
type Dispatcher struct {
	registry *cage.Registry
}

// New returns a dispatcher serving the cages of r.
func New(r *cage.Registry) *Dispatcher {
	return &Dispatcher{registry: r}
}

var _ microvisor.Dispatcher = (*Dispatcher)(nil)

type treeKey struct{}

// WithTree returns a context restricting the system calls dispatched with it
// to the cages of the fork tree rooted at the cage with identity tree. Calls
// naming any other cage fail with ESRCH, as if the cage did not exist.
func WithTree(ctx context.Context, tree uint64) context.Context {
	return context.WithValue(ctx, treeKey{}, tree)
}

// Dispatch executes the system call on behalf of the cage with identity
// cageID, and returns its result following the kernel convention.
func (d *Dispatcher) Dispatch(ctx context.Context, cageID uint64, call microvisor.Syscall, args microvisor.Args) int32 {
	c, ok := d.registry.Lookup(cageID)
	if !ok {
		return microvisor.ESRCH.Result()
	}
	if tree, bound := ctx.Value(treeKey{}).(uint64); bound && c.Tree() != tree {
		return microvisor.ESRCH.Result()
	}
	dec := &decoder{mem: memoryFrom(ctx), args: args}
	n, errno := d.dispatch(ctx, c, call, dec)
	if errno != microvisor.ESUCCESS {
		if errno == microvisor.ENOSYS {
			c.Logger().WithField("syscall", call.String()).Debug("system call not implemented")
		}
		return errno.Result()
	}
	if n > math.MaxInt32 {
		return microvisor.EOVERFLOW.Result()
	}
	return int32(n)
}

func count(n int, errno microvisor.Errno) (int64, microvisor.Errno) {
	return int64(n), errno
}

func fd(n int32, errno microvisor.Errno) (int64, microvisor.Errno) {
	return int64(n), errno
}

func none(errno microvisor.Errno) (int64, microvisor.Errno) {
	return 0, errno
}

// timeout converts a poll timeout in milliseconds, negative values meaning
// no timeout.
func timeout(ms int32) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *Dispatcher) dispatch(ctx context.Context, c *cage.Cage, call microvisor.Syscall, a *decoder) (int64, microvisor.Errno) {
	switch call {
	case microvisor.SYS_GETPID:
		return int64(c.Getpid()), microvisor.ESUCCESS
	case microvisor.SYS_GETPPID:
		return int64(c.Getppid()), microvisor.ESUCCESS
	case microvisor.SYS_GETUID:
		return int64(c.Getuid()), microvisor.ESUCCESS
	case microvisor.SYS_GETEUID:
		return int64(c.Geteuid()), microvisor.ESUCCESS
	case microvisor.SYS_GETGID:
		return int64(c.Getgid()), microvisor.ESUCCESS
	case microvisor.SYS_GETEGID:
		return int64(c.Getegid()), microvisor.ESUCCESS

	case microvisor.SYS_FORK:
		childID := a.uint64(0)
		_, errno := c.Fork(childID)
		return none(errno)
	case microvisor.SYS_EXEC:
		return none(c.Exec())
	case microvisor.SYS_EXIT:
		status := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		c.Exit(status)
		return none(microvisor.ESUCCESS)

	case microvisor.SYS_OPEN:
		path, flags, mode := a.cstring(0), a.int32(1), a.uint32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.Open(path, microvisor.OpenFlags(flags), mode))
	case microvisor.SYS_CLOSE:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Close(n))
	case microvisor.SYS_READ:
		n, buf := a.int32(0), a.bytes(1, 2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Read(ctx, n, buf))
	case microvisor.SYS_WRITE:
		n, buf := a.int32(0), a.bytes(1, 2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Write(ctx, n, buf))
	case microvisor.SYS_PREAD:
		n, buf, offset := a.int32(0), a.bytes(1, 2), a.int64(3)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Pread(n, buf, offset))
	case microvisor.SYS_PWRITE:
		n, buf, offset := a.int32(0), a.bytes(1, 2), a.int64(3)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Pwrite(n, buf, offset))
	case microvisor.SYS_LSEEK:
		n, offset, whence := a.int32(0), a.int64(1), a.int32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return c.Lseek(n, offset, whence)
	case microvisor.SYS_GETDENTS:
		n, buf := a.int32(0), a.bytes(1, 2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		b, errno := c.Getdents(n, len(buf))
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return int64(copy(buf, b)), microvisor.ESUCCESS

	case microvisor.SYS_XSTAT:
		path := a.cstring(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		st, errno := c.Stat(path)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.store(1, &st))
	case microvisor.SYS_FXSTAT:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		st, errno := c.Fstat(n)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.store(1, &st))
	case microvisor.SYS_STATFS:
		path := a.cstring(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		fs, errno := c.Statfs(path)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.store(1, &fs))
	case microvisor.SYS_FSTATFS:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		fs, errno := c.Fstatfs(n)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.store(1, &fs))

	case microvisor.SYS_ACCESS:
		path, mode := a.cstring(0), a.uint32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Access(path, mode))
	case microvisor.SYS_UNLINK:
		path := a.cstring(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Unlink(path))
	case microvisor.SYS_LINK:
		oldPath, newPath := a.cstring(0), a.cstring(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Link(oldPath, newPath))
	case microvisor.SYS_RENAME:
		oldPath, newPath := a.cstring(0), a.cstring(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Rename(oldPath, newPath))
	case microvisor.SYS_MKDIR:
		path, mode := a.cstring(0), a.uint32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Mkdir(path, mode))
	case microvisor.SYS_RMDIR:
		path := a.cstring(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Rmdir(path))
	case microvisor.SYS_CHMOD:
		path, mode := a.cstring(0), a.uint32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Chmod(path, mode))
	case microvisor.SYS_CHDIR:
		path := a.cstring(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Chdir(path))
	case microvisor.SYS_GETCWD:
		size := a.uint32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		cwd, errno := c.Getcwd(int(size))
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.storeString(0, cwd))

	case microvisor.SYS_DUP:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.Dup(n))
	case microvisor.SYS_DUP2:
		oldfd, newfd := a.int32(0), a.int32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.Dup2(oldfd, newfd))
	case microvisor.SYS_FCNTL:
		n, cmd, arg := a.int32(0), a.int32(1), a.int32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.Fcntl(n, cmd, arg))
	case microvisor.SYS_IOCTL:
		return d.ioctl(c, a)
	case microvisor.SYS_FLOCK:
		n, op := a.int32(0), a.int32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Flock(n, op))

	case microvisor.SYS_PIPE, microvisor.SYS_PIPE2:
		var flags int32
		if call == microvisor.SYS_PIPE2 {
			flags = a.int32(1)
		}
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		fds, errno := c.Pipe2(microvisor.OpenFlags(flags))
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(d.storePair(c, a, 0, fds))

	case microvisor.SYS_SOCKET:
		domain, typ, protocol := a.int32(0), a.int32(1), a.int32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.Socket(microvisor.AddressFamily(domain), microvisor.SocketType(typ), microvisor.Protocol(protocol)))
	case microvisor.SYS_SOCKETPAIR:
		domain, typ, protocol := a.int32(0), a.int32(1), a.int32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		fds, errno := c.Socketpair(microvisor.AddressFamily(domain), microvisor.SocketType(typ), microvisor.Protocol(protocol))
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(d.storePair(c, a, 3, fds))
	case microvisor.SYS_BIND:
		n, addr := a.int32(0), a.sockaddr(1, 2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Bind(n, addr))
	case microvisor.SYS_CONNECT:
		n, addr := a.int32(0), a.sockaddr(1, 2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Connect(n, addr))
	case microvisor.SYS_LISTEN:
		n, backlog := a.int32(0), a.int32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Listen(n, backlog))
	case microvisor.SYS_ACCEPT:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		conn, addr, errno := c.Accept(ctx, n, 0)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		if errno := a.storeSockaddr(1, 2, addr); errno != microvisor.ESUCCESS {
			c.Close(conn)
			return none(errno)
		}
		return int64(conn), microvisor.ESUCCESS
	case microvisor.SYS_SEND:
		n, buf, flags := a.int32(0), a.bytes(1, 2), a.int32(3)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Send(ctx, n, buf, flags))
	case microvisor.SYS_SENDTO:
		n, buf, flags := a.int32(0), a.bytes(1, 2), a.int32(3)
		var addr microvisor.GenSockaddr
		if !a.isNull(4) {
			addr = a.sockaddr(4, 5)
		}
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.SendTo(ctx, n, buf, flags, addr))
	case microvisor.SYS_RECV:
		n, buf, flags := a.int32(0), a.bytes(1, 2), a.int32(3)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return count(c.Recv(ctx, n, buf, flags))
	case microvisor.SYS_RECVFROM:
		n, buf, flags := a.int32(0), a.bytes(1, 2), a.int32(3)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		size, addr, errno := c.RecvFrom(ctx, n, buf, flags)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return int64(size), a.storeSockaddr(4, 5, addr)
	case microvisor.SYS_SHUTDOWN:
		n, how := a.int32(0), a.int32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.Shutdown(n, how))
	case microvisor.SYS_GETSOCKNAME, microvisor.SYS_GETPEERNAME:
		n := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		getname := c.Getsockname
		if call == microvisor.SYS_GETPEERNAME {
			getname = c.Getpeername
		}
		addr, errno := getname(n)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		if a.isNull(1) {
			return none(microvisor.EFAULT)
		}
		return none(a.storeSockaddr(1, 2, addr))
	case microvisor.SYS_GETSOCKOPT:
		n, level, option := a.int32(0), a.int32(1), a.int32(2)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		v, errno := c.Getsockopt(n, level, option)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		if errno := a.storeUint32(3, uint32(v)); errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.storeUint32(4, 4))
	case microvisor.SYS_SETSOCKOPT:
		n, level, option, optval := a.int32(0), a.int32(1), a.int32(2), a.bytes(3, 4)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		if len(optval) < 4 {
			return none(microvisor.EINVAL)
		}
		v := int32(binary.LittleEndian.Uint32(optval))
		return none(c.Setsockopt(n, level, option, v))
	case microvisor.SYS_GETHOSTNAME:
		size := a.uint32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		name, errno := c.Gethostname(int(size))
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.storeString(0, name))

	case microvisor.SYS_SELECT:
		return d.selectFds(ctx, c, a)
	case microvisor.SYS_POLL:
		return d.poll(ctx, c, a)
	case microvisor.SYS_EPOLL_CREATE:
		size := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return fd(c.EpollCreate(size))
	case microvisor.SYS_EPOLL_CTL:
		epfd, op, n := a.int32(0), a.int32(1), a.int32(2)
		var event *cage.EpollEvent
		if !a.isNull(3) {
			event = new(cage.EpollEvent)
			a.load(3, event)
		}
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return none(c.EpollCtl(epfd, op, n, event))
	case microvisor.SYS_EPOLL_WAIT:
		return d.epollWait(ctx, c, a)

	case microvisor.SYS_SIGACTION:
		sig := a.int32(0)
		var act *cage.SigAction
		if !a.isNull(1) {
			act = new(cage.SigAction)
			a.load(1, act)
		}
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		old, errno := c.Sigaction(cage.Signal(sig), act)
		if errno != microvisor.ESUCCESS || a.isNull(2) {
			return none(errno)
		}
		return none(a.store(2, &old))
	case microvisor.SYS_SIGPROCMASK:
		how := a.int32(0)
		var set *cage.SigSet
		if !a.isNull(1) {
			ptr, errno := Pointer(a.args[1])
			a.fail(errno)
			if v, ok := a.mem.ReadUint64Le(ptr); ok {
				set = (*cage.SigSet)(&v)
			} else {
				a.fail(microvisor.EFAULT)
			}
		}
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		old, errno := c.Sigprocmask(how, set)
		if errno != microvisor.ESUCCESS || a.isNull(2) {
			return none(errno)
		}
		ptr, errno := Pointer(a.args[2])
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		if !a.mem.WriteUint64Le(ptr, uint64(old)) {
			return none(microvisor.EFAULT)
		}
		return none(microvisor.ESUCCESS)
	case microvisor.SYS_KILL:
		target, sig := a.int32(0), a.int32(1)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		if target <= 0 {
			return none(microvisor.EINVAL)
		}
		return none(c.Kill(uint64(target), cage.Signal(sig)))
	case microvisor.SYS_SETITIMER:
		which := a.int32(0)
		var it Itimerval
		a.load(1, &it)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		oldValue, oldInterval, errno := c.Setitimer(which, it.Value.Duration(), it.Interval.Duration())
		if errno != microvisor.ESUCCESS || a.isNull(2) {
			return none(errno)
		}
		return none(a.store(2, &Itimerval{
			Interval: MakeTimeval(oldInterval),
			Value:    MakeTimeval(oldValue),
		}))
	case microvisor.SYS_ALARM:
		seconds := a.uint32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		return int64(c.Alarm(seconds)), microvisor.ESUCCESS
	case microvisor.SYS_GETRLIMIT:
		resource := a.int32(0)
		if a.errno != microvisor.ESUCCESS {
			return none(a.errno)
		}
		limit, errno := c.Getrlimit(resource)
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		return none(a.store(1, &limit))

	case microvisor.SYS_MMAP, microvisor.SYS_MUNMAP,
		microvisor.SYS_SHMGET, microvisor.SYS_SHMAT, microvisor.SYS_SHMDT, microvisor.SYS_SHMCTL,
		microvisor.SYS_GETIFADDRS:
		return none(microvisor.ENOSYS)
	default:
		return none(microvisor.ENOSYS)
	}
}

func (d *Dispatcher) ioctl(c *cage.Cage, a *decoder) (int64, microvisor.Errno) {
	n, request := a.int32(0), a.uint32(1)
	if a.errno != microvisor.ESUCCESS {
		return none(a.errno)
	}
	var arg int32
	if request == cage.FIONBIO {
		ptr, errno := Pointer(a.args[2])
		if errno != microvisor.ESUCCESS {
			return none(errno)
		}
		v, ok := a.mem.ReadUint32Le(ptr)
		if !ok {
			return none(microvisor.EFAULT)
		}
		arg = int32(v)
	}
	return fd(c.Ioctl(n, request, arg))
}

// storePair writes the two descriptors of a pipe or socket pair, closing
// them if the guest cannot receive them.
func (d *Dispatcher) storePair(c *cage.Cage, a *decoder, i int, fds [2]int32) microvisor.Errno {
	errno := a.store(i, &fdPair{Fd0: fds[0], Fd1: fds[1]})
	if errno != microvisor.ESUCCESS {
		c.Close(fds[0])
		c.Close(fds[1])
	}
	return errno
}

func (d *Dispatcher) selectFds(ctx context.Context, c *cage.Cage, a *decoder) (int64, microvisor.Errno) {
	nfds := a.int32(0)
	var sets [3]*fdset.FdSet
	var bufs [3][]byte
	for i := range sets {
		if a.isNull(i + 1) {
			continue
		}
		b, errno := Bytes(a.mem, a.args[i+1], fdset.SizeofFdSet)
		a.fail(errno)
		if errno == microvisor.ESUCCESS {
			sets[i], bufs[i] = new(fdset.FdSet), b
			sets[i].Load(b)
		}
	}
	wait := time.Duration(-1)
	if !a.isNull(4) {
		var tv Timeval
		a.load(4, &tv)
		if tv.Sec < 0 || tv.Usec < 0 {
			a.fail(microvisor.EINVAL)
		}
		wait = tv.Duration()
	}
	if a.errno != microvisor.ESUCCESS {
		return none(a.errno)
	}

	n, errno := c.Select(ctx, nfds, sets[0], sets[1], sets[2], wait)
	if errno != microvisor.ESUCCESS {
		return none(errno)
	}
	for i, set := range sets {
		if set != nil {
			set.Store(bufs[i])
		}
	}
	return int64(n), microvisor.ESUCCESS
}

func (d *Dispatcher) poll(ctx context.Context, c *cage.Cage, a *decoder) (int64, microvisor.Errno) {
	nfds, ms := a.uint32(1), a.int32(2)
	if a.errno != microvisor.ESUCCESS {
		return none(a.errno)
	}
	if nfds > cage.NoFileMax {
		return none(microvisor.EINVAL)
	}
	ptr := uint32(0)
	if nfds > 0 {
		var errno microvisor.Errno
		if ptr, errno = Pointer(a.args[0]); errno != microvisor.ESUCCESS {
			return none(errno)
		}
	}

	const sizeofPollFd = 8
	fds := make([]cage.PollFd, nfds)
	for i := range fds {
		if errno := Load(a.mem, uint64(ptr)+uint64(i)*sizeofPollFd, &fds[i]); errno != microvisor.ESUCCESS {
			return none(errno)
		}
	}
	n, errno := c.Poll(ctx, fds, timeout(ms))
	if errno != microvisor.ESUCCESS {
		return none(errno)
	}
	for i := range fds {
		if errno := Store(a.mem, uint64(ptr)+uint64(i)*sizeofPollFd, &fds[i]); errno != microvisor.ESUCCESS {
			return none(errno)
		}
	}
	return int64(n), microvisor.ESUCCESS
}

func (d *Dispatcher) epollWait(ctx context.Context, c *cage.Cage, a *decoder) (int64, microvisor.Errno) {
	epfd, maxEvents, ms := a.int32(0), a.int32(2), a.int32(3)
	ptr, errno := Pointer(a.args[1])
	a.fail(errno)
	if a.errno != microvisor.ESUCCESS {
		return none(a.errno)
	}
	events, errno := c.EpollWait(ctx, epfd, int(maxEvents), timeout(ms))
	if errno != microvisor.ESUCCESS {
		return none(errno)
	}

	const sizeofEpollEvent = 12
	for i := range events {
		if errno := Store(a.mem, uint64(ptr)+uint64(i)*sizeofEpollEvent, &events[i]); errno != microvisor.ESUCCESS {
			return none(errno)
		}
	}
	return int64(len(events)), microvisor.ESUCCESS
}
