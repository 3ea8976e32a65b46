// Package sockets wraps the host sockets backing guest socket descriptors.
package sockets

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

// DefaultRecvTimeout is the receive timeout installed on every host socket,
// bounding how long blocking receives and accepts stay in the host before
// their caller gets to check for cancellation.
const DefaultRecvTimeout = time.Second

// Socket is a reference counted host socket. The host descriptor is closed
// exactly once, when the last reference is dropped.
//
// The host socket always stays in blocking mode, except for the duration of
// a non-blocking accept. Mode changes are serialized per socket so that two
// goroutines sharing the socket cannot observe each other's toggles.
type Socket struct {
	fd       int
	domain   int
	typ      int
	protocol int
	refs     atomic.Int32
	mutex    sync.Mutex
	release  func()
}

// Open creates a host socket with the given receive timeout.
func Open(domain, typ, protocol int, recvTimeout time.Duration) (*Socket, microvisor.Errno) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	s, errno := newSocket(fd, domain, typ, protocol, recvTimeout)
	if errno != microvisor.ESUCCESS {
		unix.Close(fd)
	}
	return s, errno
}

// FromFD takes ownership of an existing host socket.
func FromFD(fd int, recvTimeout time.Duration) (*Socket, microvisor.Errno) {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	protocol, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PROTOCOL)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	return newSocket(fd, domain, typ, protocol, recvTimeout)
}

func newSocket(fd, domain, typ, protocol int, recvTimeout time.Duration) (*Socket, microvisor.Errno) {
	if recvTimeout > 0 {
		tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return nil, microvisor.MakeErrno(err)
		}
	}
	s := &Socket{fd: fd, domain: domain, typ: typ, protocol: protocol}
	s.refs.Store(1)
	return s, microvisor.ESUCCESS
}

// Fd returns the host descriptor.
func (s *Socket) Fd() int { return s.fd }

// Domain returns the host address family of the socket.
func (s *Socket) Domain() int { return s.domain }

// Type returns the host socket type.
func (s *Socket) Type() int { return s.typ }

// Protocol returns the host protocol number.
func (s *Socket) Protocol() int { return s.protocol }

// Refs returns the number of references to the socket.
func (s *Socket) Refs() int { return int(s.refs.Load()) }

// OnRelease registers a function called when the last reference is dropped,
// before the host descriptor is closed.
func (s *Socket) OnRelease(f func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.release = f
}

// IncRef adds a reference to the socket.
func (s *Socket) IncRef() {
	if s.refs.Add(1) <= 1 {
		panic("BUG: reference added to a released socket")
	}
}

// DecRef drops a reference to the socket, closing the host socket when it
// was the last one.
func (s *Socket) DecRef() microvisor.Errno {
	switch n := s.refs.Add(-1); {
	case n > 0:
		return microvisor.ESUCCESS
	case n < 0:
		panic("BUG: socket reference count underflow")
	}
	s.mutex.Lock()
	release := s.release
	s.release = nil
	s.mutex.Unlock()
	if release != nil {
		release()
	}
	return microvisor.MakeErrno(unix.Close(s.fd))
}

// Bind binds the socket to addr.
func (s *Socket) Bind(addr microvisor.GenSockaddr) microvisor.Errno {
	sa, ok := microvisor.ToUnixSockaddr(addr)
	if !ok {
		return microvisor.EAFNOSUPPORT
	}
	return microvisor.MakeErrno(unix.Bind(s.fd, sa))
}

// Connect connects the socket to addr.
func (s *Socket) Connect(addr microvisor.GenSockaddr) microvisor.Errno {
	sa, ok := microvisor.ToUnixSockaddr(addr)
	if !ok {
		return microvisor.EAFNOSUPPORT
	}
	return microvisor.MakeErrno(ignoreEINTR(func() error { return unix.Connect(s.fd, sa) }))
}

// Listen marks the socket as accepting connections.
func (s *Socket) Listen(backlog int) microvisor.Errno {
	return microvisor.MakeErrno(unix.Listen(s.fd, backlog))
}

// Accept waits for a connection. The wait is bounded by the receive timeout
// of the socket, after which it fails with EAGAIN.
func (s *Socket) Accept() (*Socket, microvisor.GenSockaddr, microvisor.Errno) {
	return s.accept()
}

// AcceptNonblocking accepts a pending connection, or fails with EAGAIN if
// there is none. The blocking mode of the host socket is restored before
// returning.
func (s *Socket) AcceptNonblocking() (conn *Socket, addr microvisor.GenSockaddr, errno microvisor.Errno) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := unix.SetNonblock(s.fd, true); err != nil {
		return nil, nil, microvisor.MakeErrno(err)
	}
	defer func() {
		if err := unix.SetNonblock(s.fd, false); err != nil && errno == microvisor.ESUCCESS {
			conn.DecRef()
			conn, addr, errno = nil, nil, microvisor.MakeErrno(err)
		}
	}()
	return s.accept()
}

func (s *Socket) accept() (*Socket, microvisor.GenSockaddr, microvisor.Errno) {
	var fd int
	var sa unix.Sockaddr
	err := ignoreEINTR(func() (err error) {
		fd, sa, err = unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		return err
	})
	if err != nil {
		return nil, nil, microvisor.MakeErrno(err)
	}
	addr, ok := microvisor.FromUnixSockaddr(sa)
	if !ok {
		addr = microvisor.NewUnixAddr("")
	}
	tv, err := unix.GetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	if err != nil {
		unix.Close(fd)
		return nil, nil, microvisor.MakeErrno(err)
	}
	conn, errno := newSocket(fd, s.domain, s.typ, s.protocol, time.Duration(tv.Nano()))
	if errno != microvisor.ESUCCESS {
		unix.Close(fd)
		return nil, nil, errno
	}
	return conn, addr, microvisor.ESUCCESS
}

// Send writes b to the connected peer.
func (s *Socket) Send(b []byte, flags int) (int, microvisor.Errno) {
	n, err := unix.SendmsgN(s.fd, b, nil, nil, flags|unix.MSG_NOSIGNAL)
	return n, microvisor.MakeErrno(err)
}

// SendTo writes b to addr.
func (s *Socket) SendTo(b []byte, flags int, addr microvisor.GenSockaddr) (int, microvisor.Errno) {
	sa, ok := microvisor.ToUnixSockaddr(addr)
	if !ok {
		return 0, microvisor.EAFNOSUPPORT
	}
	n, err := unix.SendmsgN(s.fd, b, nil, sa, flags|unix.MSG_NOSIGNAL)
	return n, microvisor.MakeErrno(err)
}

// Recv reads from the socket, waiting at most for the receive timeout.
func (s *Socket) Recv(b []byte, flags int) (int, microvisor.Errno) {
	n, _, errno := s.RecvFrom(b, flags)
	return n, errno
}

// RecvNonblocking reads from the socket, failing with EAGAIN if no data is
// available.
func (s *Socket) RecvNonblocking(b []byte, flags int) (int, microvisor.Errno) {
	return s.Recv(b, flags|unix.MSG_DONTWAIT)
}

// RecvFrom reads from the socket and returns the address of the sender,
// which is nil for connected stream sockets.
func (s *Socket) RecvFrom(b []byte, flags int) (int, microvisor.GenSockaddr, microvisor.Errno) {
	var n int
	var sa unix.Sockaddr
	err := ignoreEINTR(func() (err error) {
		n, _, _, sa, err = unix.Recvmsg(s.fd, b, nil, flags)
		return err
	})
	if err != nil {
		return 0, nil, microvisor.MakeErrno(err)
	}
	var addr microvisor.GenSockaddr
	if sa != nil {
		addr, _ = microvisor.FromUnixSockaddr(sa)
	}
	return n, addr, microvisor.ESUCCESS
}

// Shutdown shuts down part of a full-duplex connection.
func (s *Socket) Shutdown(how int) microvisor.Errno {
	return microvisor.MakeErrno(unix.Shutdown(s.fd, how))
}

// GetsockoptInt reads an integer socket option.
func (s *Socket) GetsockoptInt(level, option int) (int, microvisor.Errno) {
	v, err := unix.GetsockoptInt(s.fd, level, option)
	return v, microvisor.MakeErrno(err)
}

// SetsockoptInt sets an integer socket option.
func (s *Socket) SetsockoptInt(level, option, value int) microvisor.Errno {
	return microvisor.MakeErrno(unix.SetsockoptInt(s.fd, level, option, value))
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() (microvisor.GenSockaddr, microvisor.Errno) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	addr, ok := microvisor.FromUnixSockaddr(sa)
	if !ok {
		return nil, microvisor.EAFNOSUPPORT
	}
	return addr, microvisor.ESUCCESS
}

// PeerAddr returns the address of the connected peer.
func (s *Socket) PeerAddr() (microvisor.GenSockaddr, microvisor.Errno) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	addr, ok := microvisor.FromUnixSockaddr(sa)
	if !ok {
		return nil, microvisor.EAFNOSUPPORT
	}
	return addr, microvisor.ESUCCESS
}

// Nonblocking reports whether the host socket is in non-blocking mode.
func (s *Socket) Nonblocking() (bool, microvisor.Errno) {
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return false, microvisor.MakeErrno(err)
	}
	return flags&unix.O_NONBLOCK != 0, microvisor.ESUCCESS
}

func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != unix.EINTR {
			return err
		}
	}
}
