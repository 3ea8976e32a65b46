package cage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/advisory"
	"github.com/stealthrocket/microvisor/internal/sockets"
	"github.com/stealthrocket/microvisor/pipe"
)

// Kind is the kind of resource a descriptor refers to.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSocket
	KindPipe
	KindEpoll
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindSocket:
		return "socket"
	case KindPipe:
		return "pipe"
	case KindEpoll:
		return "epoll"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// entry is a slot of the descriptor table. Descriptors created by dup, dup2
// or fork hold distinct entries referring to the same description.
type entry struct {
	desc    description
	cloexec bool
}

// description is an open resource shared by every descriptor referring to
// it, the equivalent of an open file description.
type description interface {
	Kind() Kind
	base() *openFile
	// release frees the resource once the last reference was dropped.
	release() microvisor.Errno
}

// openFile carries the state common to every description.
type openFile struct {
	refs  atomic.Int32
	flags atomic.Int32
	owner atomic.Int32
}

func (f *openFile) init(flags microvisor.OpenFlags) {
	f.refs.Store(1)
	f.flags.Store(int32(flags))
}

func (f *openFile) base() *openFile { return f }

func (f *openFile) statusFlags() microvisor.OpenFlags {
	return microvisor.OpenFlags(f.flags.Load())
}

func (f *openFile) nonblock() bool {
	return f.statusFlags().Has(microvisor.O_NONBLOCK)
}

func (f *openFile) setStatusFlag(flag microvisor.OpenFlags, on bool) {
	for {
		old := f.flags.Load()
		v := old &^ int32(flag)
		if on {
			v |= int32(flag)
		}
		if f.flags.CompareAndSwap(old, v) {
			return
		}
	}
}

func incRef(d description) { d.base().refs.Add(1) }

// decRef drops a reference to d, releasing it when it was the last one.
func decRef(d description) microvisor.Errno {
	switch n := d.base().refs.Add(-1); {
	case n > 0:
		return microvisor.ESUCCESS
	case n < 0:
		panic("BUG: descriptor reference count underflow")
	}
	return d.release()
}

// fileDescription is an open regular file or directory.
type fileDescription struct {
	openFile
	path string
	dir  bool
	file microvisor.File

	mutex  sync.Mutex
	offset int64

	locks    *lockTable
	lock     *advisory.Lock
	lockKey  inode
	lockMode int
}

const (
	unlocked = iota
	lockedShared
	lockedExclusive
)

func (f *fileDescription) Kind() Kind {
	if f.dir {
		return KindDir
	}
	return KindFile
}

func (f *fileDescription) release() microvisor.Errno {
	f.mutex.Lock()
	if f.lock != nil {
		if f.lockMode != unlocked {
			f.lock.Unlock()
			f.lockMode = unlocked
		}
		f.locks.put(f.lockKey)
		f.lock = nil
	}
	f.mutex.Unlock()
	return f.file.Close()
}

// Connection states of a socket description.
type connState int

const (
	notConnected connState = iota
	connected
	listening
)

func (s connState) String() string {
	switch s {
	case notConnected:
		return "not connected"
	case connected:
		return "connected"
	case listening:
		return "listening"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// socketDescription is an open socket. Inet sockets are backed by a host
// socket; Unix socket pairs by two emulated pipes.
type socketDescription struct {
	openFile
	domain   microvisor.AddressFamily
	typ      microvisor.SocketType
	protocol microvisor.Protocol

	socket *sockets.Socket
	pair   *socketPair

	mutex sync.Mutex
	state connState
	bound bool
}

func (s *socketDescription) Kind() Kind { return KindSocket }

func (s *socketDescription) release() microvisor.Errno {
	if s.pair != nil {
		s.pair.close()
		return microvisor.ESUCCESS
	}
	return s.socket.DecRef()
}

func (s *socketDescription) connState() connState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// socketPair is one end of a Unix socket pair: it reads from in and writes
// to out, the peer doing the opposite.
type socketPair struct {
	in  *pipe.Pipe
	out *pipe.Pipe

	mutex     sync.Mutex
	shutRead  bool
	shutWrite bool
}

func (p *socketPair) shutdown(read, write bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if read && !p.shutRead {
		p.shutRead = true
		p.in.DecrRef(pipe.ReadEnd)
	}
	if write && !p.shutWrite {
		p.shutWrite = true
		p.out.DecrRef(pipe.WriteEnd)
	}
}

func (p *socketPair) readShut() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.shutRead
}

func (p *socketPair) writeShut() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.shutWrite
}

func (p *socketPair) close() { p.shutdown(true, true) }

// pipeDescription is one end of an emulated pipe.
type pipeDescription struct {
	openFile
	pipe *pipe.Pipe
	end  pipe.End
}

func (p *pipeDescription) Kind() Kind { return KindPipe }

func (p *pipeDescription) release() microvisor.Errno {
	p.pipe.DecrRef(p.end)
	return microvisor.ESUCCESS
}

// epollDescription is an epoll instance and its interest list.
type epollDescription struct {
	openFile
	mutex    sync.Mutex
	interest map[int32]EpollEvent
}

func (e *epollDescription) Kind() Kind { return KindEpoll }

func (e *epollDescription) release() microvisor.Errno { return microvisor.ESUCCESS }
