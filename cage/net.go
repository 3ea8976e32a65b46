package cage

import (
	"context"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/ports"
	"github.com/stealthrocket/microvisor/internal/sockets"
)

// Flags of send and recv.
const (
	MSG_PEEK     = 0x2
	MSG_DONTWAIT = 0x40
	MSG_NOSIGNAL = 0x4000
)

// How values of shutdown.
const (
	SHUT_RD   = 0
	SHUT_WR   = 1
	SHUT_RDWR = 2
)

// Socket option levels and names accepted by getsockopt and setsockopt.
const (
	SOL_SOCKET   = 1
	IPPROTO_TCP  = 6
	IPPROTO_IPV6 = 41

	SO_REUSEADDR = 2
	SO_TYPE      = 3
	SO_ERROR     = 4
	SO_BROADCAST = 6
	SO_SNDBUF    = 7
	SO_RCVBUF    = 8
	SO_KEEPALIVE = 9
	SO_REUSEPORT = 15

	TCP_NODELAY   = 1
	TCP_KEEPIDLE  = 4
	TCP_KEEPINTVL = 5
	TCP_KEEPCNT   = 6

	IPV6_V6ONLY = 26
)

// ephemeralAttempts bounds how many ephemeral ports a bind tries when the
// host refuses the ports handed out by the reservation manager.
const ephemeralAttempts = 16

func (c *Cage) socket(fd int32) (*socketDescription, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	s, ok := e.desc.(*socketDescription)
	if !ok {
		c.put(e.desc)
		return nil, microvisor.ENOTSOCK
	}
	return s, microvisor.ESUCCESS
}

// Socket creates an inet socket. Unix sockets are only available as pairs
// created by socketpair.
func (c *Cage) Socket(domain microvisor.AddressFamily, typ microvisor.SocketType, protocol microvisor.Protocol) (int32, microvisor.Errno) {
	if domain != microvisor.AF_INET && domain != microvisor.AF_INET6 {
		return -1, microvisor.EAFNOSUPPORT
	}
	base := typ &^ (microvisor.SOCK_NONBLOCK | microvisor.SOCK_CLOEXEC)
	switch base {
	case microvisor.SOCK_STREAM:
		if protocol == microvisor.IPPROTO_IP {
			protocol = microvisor.IPPROTO_TCP
		}
		if protocol != microvisor.IPPROTO_TCP {
			return -1, microvisor.EPROTONOSUPPORT
		}
	case microvisor.SOCK_DGRAM:
		if protocol == microvisor.IPPROTO_IP {
			protocol = microvisor.IPPROTO_UDP
		}
		if protocol != microvisor.IPPROTO_UDP {
			return -1, microvisor.EPROTONOSUPPORT
		}
	default:
		return -1, microvisor.EINVAL
	}

	sock, errno := sockets.Open(int(domain), int(base), int(protocol), c.registry.config.RecvTimeout)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	s := &socketDescription{
		domain:   domain,
		typ:      base,
		protocol: protocol,
		socket:   sock,
	}
	flags := microvisor.O_RDWR
	if typ&microvisor.SOCK_NONBLOCK != 0 {
		flags |= microvisor.O_NONBLOCK
	}
	s.init(flags)

	fd, errno := c.insert(s, typ&microvisor.SOCK_CLOEXEC != 0)
	if errno != microvisor.ESUCCESS {
		sock.DecRef()
	}
	return fd, errno
}

func (s *socketDescription) portKey() ports.Key {
	return ports.Key{Family: uint16(s.domain), Protocol: int32(s.protocol)}
}

// Bind assigns addr to the socket open at fd. Port zero reserves an
// ephemeral port.
func (c *Cage) Bind(fd int32, addr microvisor.GenSockaddr) microvisor.Errno {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(s)
	if s.pair != nil {
		return microvisor.EINVAL
	}
	if addr.Family() != s.domain {
		return microvisor.EAFNOSUPPORT
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return c.bind(s, addr)
}

// bind must be called with the mutex of s held.
func (c *Cage) bind(s *socketDescription, addr microvisor.GenSockaddr) microvisor.Errno {
	if s.bound {
		return microvisor.EINVAL
	}
	key := s.portKey()
	ip := microvisor.MustAddr(addr)
	port := microvisor.MustPort(addr)
	manager := c.registry.ports

	if port != 0 {
		if !manager.Reserve(key, port) {
			return microvisor.EADDRINUSE
		}
		if errno := s.socket.Bind(addr); errno != microvisor.ESUCCESS {
			manager.Release(key, port)
			return errno
		}
		c.bound(s, key, port)
		return microvisor.ESUCCESS
	}

	for attempt := 0; attempt < ephemeralAttempts; attempt++ {
		port, ok := manager.ReserveEphemeral(key)
		if !ok {
			return microvisor.EADDRINUSE
		}
		errno := s.socket.Bind(microvisor.SockaddrFromAddrPort(netip.AddrPortFrom(ip, port)))
		if errno == microvisor.ESUCCESS {
			c.bound(s, key, port)
			return microvisor.ESUCCESS
		}
		manager.Release(key, port)
		if errno != microvisor.EADDRINUSE {
			return errno
		}
	}
	return microvisor.EADDRINUSE
}

func (c *Cage) bound(s *socketDescription, key ports.Key, port uint16) {
	manager := c.registry.ports
	s.socket.OnRelease(func() { manager.Release(key, port) })
	s.bound = true
	c.log.WithField("port", port).Debug("socket bound")
}

// bindAny binds s to an ephemeral port on the unspecified address, as
// listen, connect and sendto do implicitly on unbound sockets.
func (c *Cage) bindAny(s *socketDescription) microvisor.Errno {
	if s.bound {
		return microvisor.ESUCCESS
	}
	var unspecified microvisor.GenSockaddr
	if s.domain == microvisor.AF_INET6 {
		unspecified = microvisor.NewV6Addr([16]byte{}, 0)
	} else {
		unspecified = microvisor.NewV4Addr([4]byte{}, 0)
	}
	return c.bind(s, unspecified)
}

// Connect connects the socket open at fd to addr.
func (c *Cage) Connect(fd int32, addr microvisor.GenSockaddr) microvisor.Errno {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(s)
	if s.pair != nil {
		return microvisor.EISCONN
	}
	if addr.Family() != s.domain {
		return microvisor.EAFNOSUPPORT
	}

	s.mutex.Lock()
	switch s.state {
	case listening:
		s.mutex.Unlock()
		return microvisor.EINVAL
	case connected:
		if s.typ == microvisor.SOCK_STREAM {
			s.mutex.Unlock()
			return microvisor.EISCONN
		}
	}
	errno = c.bindAny(s)
	s.mutex.Unlock()
	if errno != microvisor.ESUCCESS {
		return errno
	}

	if errno := s.socket.Connect(addr); errno != microvisor.ESUCCESS {
		return errno
	}
	s.mutex.Lock()
	s.state = connected
	s.mutex.Unlock()
	return microvisor.ESUCCESS
}

// Listen marks the stream socket open at fd as accepting connections,
// binding it to an ephemeral port first if needed.
func (c *Cage) Listen(fd int32, backlog int32) microvisor.Errno {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(s)
	if s.pair != nil {
		return microvisor.EINVAL
	}
	if s.typ != microvisor.SOCK_STREAM {
		return microvisor.EOPNOTSUPP
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.state {
	case connected:
		return microvisor.EINVAL
	case listening:
		return microvisor.ESUCCESS
	}
	if errno := c.bindAny(s); errno != microvisor.ESUCCESS {
		return errno
	}
	if backlog < 0 {
		backlog = 0
	}
	if errno := s.socket.Listen(int(backlog)); errno != microvisor.ESUCCESS {
		return errno
	}
	s.state = listening
	return microvisor.ESUCCESS
}

// Accept waits for a connection on the listening socket open at fd, and
// returns a descriptor for it with the address of the peer. A non-blocking
// socket fails with EAGAIN when no connection is pending.
func (c *Cage) Accept(ctx context.Context, fd int32, flags microvisor.SocketType) (int32, microvisor.GenSockaddr, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, nil, errno
	}
	defer c.put(s)
	if s.pair != nil || s.connState() != listening {
		return -1, nil, microvisor.EINVAL
	}

	var conn *sockets.Socket
	var addr microvisor.GenSockaddr
	if s.nonblock() {
		conn, addr, errno = s.socket.AcceptNonblocking()
	} else {
		_, errno = c.blocking(ctx, "accept", func(context.Context) (int, microvisor.Errno) {
			var errno microvisor.Errno
			conn, addr, errno = s.socket.Accept()
			return 0, errno
		})
	}
	if errno != microvisor.ESUCCESS {
		return -1, nil, errno
	}

	accepted := &socketDescription{
		domain:   s.domain,
		typ:      s.typ,
		protocol: s.protocol,
		socket:   conn,
		state:    connected,
		bound:    true,
	}
	openFlags := microvisor.O_RDWR
	if flags&microvisor.SOCK_NONBLOCK != 0 {
		openFlags |= microvisor.O_NONBLOCK
	}
	accepted.init(openFlags)

	newfd, errno := c.insert(accepted, flags&microvisor.SOCK_CLOEXEC != 0)
	if errno != microvisor.ESUCCESS {
		conn.DecRef()
		return -1, nil, errno
	}
	return newfd, addr, microvisor.ESUCCESS
}

// Send writes b to the peer of the socket open at fd.
func (c *Cage) Send(ctx context.Context, fd int32, b []byte, flags int32) (int, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(s)
	return c.send(ctx, s, b, flags)
}

func (c *Cage) send(ctx context.Context, s *socketDescription, b []byte, flags int32) (int, microvisor.Errno) {
	nonblock := s.nonblock() || flags&MSG_DONTWAIT != 0
	if s.pair != nil {
		if s.pair.writeShut() {
			return -1, microvisor.EPIPE
		}
		ctx, cancel := c.context(ctx)
		defer cancel()
		return s.pair.out.Write(ctx, b, nonblock)
	}
	if nonblock {
		flags |= MSG_DONTWAIT
	}
	return s.socket.Send(b, int(flags))
}

// SendTo writes b to addr through the socket open at fd. Connected sockets
// ignore addr.
func (c *Cage) SendTo(ctx context.Context, fd int32, b []byte, flags int32, addr microvisor.GenSockaddr) (int, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(s)
	if addr == nil || s.pair != nil || s.connState() == connected {
		return c.send(ctx, s, b, flags)
	}
	if addr.Family() != s.domain {
		return -1, microvisor.EAFNOSUPPORT
	}
	if s.typ == microvisor.SOCK_STREAM {
		return -1, microvisor.ENOTCONN
	}
	s.mutex.Lock()
	errno = c.bindAny(s)
	s.mutex.Unlock()
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	if s.nonblock() {
		flags |= MSG_DONTWAIT
	}
	return s.socket.SendTo(b, int(flags), addr)
}

// Recv reads from the socket open at fd. A blocking receive waits until data
// arrives, returning EAGAIN if it is interrupted.
func (c *Cage) Recv(ctx context.Context, fd int32, b []byte, flags int32) (int, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(s)
	return c.recv(ctx, s, b, flags)
}

func (c *Cage) recv(ctx context.Context, s *socketDescription, b []byte, flags int32) (int, microvisor.Errno) {
	nonblock := s.nonblock() || flags&MSG_DONTWAIT != 0
	if s.pair != nil {
		if flags&MSG_PEEK != 0 {
			return -1, microvisor.EOPNOTSUPP
		}
		if s.pair.readShut() {
			return 0, microvisor.ESUCCESS
		}
		return c.blocking(ctx, "socket pair receive", func(ctx context.Context) (int, microvisor.Errno) {
			return s.pair.in.Read(ctx, b, nonblock)
		})
	}
	if nonblock {
		return s.socket.RecvNonblocking(b, int(flags&^MSG_DONTWAIT))
	}
	return c.blocking(ctx, "socket receive", func(context.Context) (int, microvisor.Errno) {
		return s.socket.Recv(b, int(flags))
	})
}

// RecvFrom reads from the socket open at fd and returns the address of the
// sender. The address is nil when the socket is connected.
func (c *Cage) RecvFrom(ctx context.Context, fd int32, b []byte, flags int32) (int, microvisor.GenSockaddr, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, nil, errno
	}
	defer c.put(s)
	if s.pair != nil {
		n, errno := c.recv(ctx, s, b, flags)
		return n, nil, errno
	}
	if s.nonblock() || flags&MSG_DONTWAIT != 0 {
		n, addr, errno := s.socket.RecvFrom(b, int(flags|MSG_DONTWAIT))
		if errno != microvisor.ESUCCESS {
			return -1, nil, errno
		}
		return n, addr, microvisor.ESUCCESS
	}
	var addr microvisor.GenSockaddr
	n, errno := c.blocking(ctx, "socket receive", func(context.Context) (int, microvisor.Errno) {
		var n int
		var errno microvisor.Errno
		n, addr, errno = s.socket.RecvFrom(b, int(flags))
		return n, errno
	})
	if errno != microvisor.ESUCCESS {
		return -1, nil, errno
	}
	return n, addr, microvisor.ESUCCESS
}

// Shutdown shuts down part of the connection of the socket open at fd.
func (c *Cage) Shutdown(fd, how int32) microvisor.Errno {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(s)
	if how != SHUT_RD && how != SHUT_WR && how != SHUT_RDWR {
		return microvisor.EINVAL
	}
	if s.pair != nil {
		s.pair.shutdown(how != SHUT_WR, how != SHUT_RD)
		return microvisor.ESUCCESS
	}
	return s.socket.Shutdown(int(how))
}

func sockoptAllowed(level, option int32) bool {
	switch level {
	case SOL_SOCKET:
		switch option {
		case SO_REUSEADDR, SO_TYPE, SO_ERROR, SO_BROADCAST, SO_SNDBUF, SO_RCVBUF, SO_KEEPALIVE, SO_REUSEPORT:
			return true
		}
	case IPPROTO_TCP:
		switch option {
		case TCP_NODELAY, TCP_KEEPIDLE, TCP_KEEPINTVL, TCP_KEEPCNT:
			return true
		}
	case IPPROTO_IPV6:
		return option == IPV6_V6ONLY
	}
	return false
}

// Getsockopt reads an integer option of the socket open at fd.
func (c *Cage) Getsockopt(fd, level, option int32) (int32, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(s)
	if !sockoptAllowed(level, option) {
		return -1, microvisor.ENOPROTOOPT
	}
	if s.pair != nil {
		switch {
		case level == SOL_SOCKET && option == SO_TYPE:
			return int32(s.typ), microvisor.ESUCCESS
		case level == SOL_SOCKET && option == SO_ERROR:
			return 0, microvisor.ESUCCESS
		case level == SOL_SOCKET && (option == SO_SNDBUF || option == SO_RCVBUF):
			return int32(s.pair.in.Cap()), microvisor.ESUCCESS
		default:
			return -1, microvisor.ENOPROTOOPT
		}
	}
	v, errno := s.socket.GetsockoptInt(int(level), int(option))
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	return int32(v), microvisor.ESUCCESS
}

// Setsockopt sets an integer option of the socket open at fd.
func (c *Cage) Setsockopt(fd, level, option, value int32) microvisor.Errno {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(s)
	if !sockoptAllowed(level, option) || (level == SOL_SOCKET && (option == SO_TYPE || option == SO_ERROR)) {
		return microvisor.ENOPROTOOPT
	}
	if s.pair != nil {
		return microvisor.ENOPROTOOPT
	}
	return s.socket.SetsockoptInt(int(level), int(option), int(value))
}

// Getsockname returns the address the socket open at fd is bound to.
func (c *Cage) Getsockname(fd int32) (microvisor.GenSockaddr, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	defer c.put(s)
	if s.pair != nil {
		return microvisor.NewUnixAddr(""), microvisor.ESUCCESS
	}
	return s.socket.LocalAddr()
}

// Getpeername returns the address of the peer of the socket open at fd.
func (c *Cage) Getpeername(fd int32) (microvisor.GenSockaddr, microvisor.Errno) {
	s, errno := c.socket(fd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	defer c.put(s)
	if s.connState() != connected {
		return nil, microvisor.ENOTCONN
	}
	if s.pair != nil {
		return microvisor.NewUnixAddr(""), microvisor.ESUCCESS
	}
	return s.socket.PeerAddr()
}

// Attach installs a host socket created by the runtime, such as a listener
// pre-opened on behalf of the guest, at the lowest free descriptor. The
// cage takes ownership of sock.
func (c *Cage) Attach(sock *sockets.Socket) (int32, microvisor.Errno) {
	s := &socketDescription{
		domain:   microvisor.AddressFamily(sock.Domain()),
		typ:      microvisor.SocketType(sock.Type()),
		protocol: microvisor.Protocol(sock.Protocol()),
		socket:   sock,
		bound:    true,
	}
	if v, errno := sock.GetsockoptInt(unix.SOL_SOCKET, unix.SO_ACCEPTCONN); errno == microvisor.ESUCCESS && v != 0 {
		s.state = listening
	} else if _, errno := sock.PeerAddr(); errno == microvisor.ESUCCESS {
		s.state = connected
	}
	s.init(microvisor.O_RDWR)
	return c.insert(s, false)
}
