package cage_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
	"github.com/stealthrocket/microvisor/internal/ports"
)

var loopback = [4]byte{127, 0, 0, 1}

func listenTCP(t *testing.T, c *cage.Cage, typ microvisor.SocketType) (int32, uint16) {
	t.Helper()
	fd, errno := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM|typ, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	assertErrno(t, microvisor.ESUCCESS, c.Bind(fd, microvisor.NewV4Addr(loopback, 0)))
	assertErrno(t, microvisor.ESUCCESS, c.Listen(fd, 8))
	addr, errno := c.Getsockname(fd)
	assertErrno(t, microvisor.ESUCCESS, errno)
	return fd, microvisor.MustPort(addr)
}

func TestSocketFamilies(t *testing.T) {
	c := newRegistry(t).NewCage()

	_, errno := c.Socket(microvisor.AF_UNIX, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.EAFNOSUPPORT, errno)
	_, errno = c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, microvisor.IPPROTO_UDP)
	assertErrno(t, microvisor.EPROTONOSUPPORT, errno)
	_, errno = c.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, microvisor.IPPROTO_TCP)
	assertErrno(t, microvisor.EPROTONOSUPPORT, errno)

	fd, errno := c.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if typ, _ := c.Getsockopt(fd, cage.SOL_SOCKET, cage.SO_TYPE); typ != int32(microvisor.SOCK_DGRAM) {
		t.Errorf("wrong socket type: want=%d got=%d", microvisor.SOCK_DGRAM, typ)
	}
	assertErrno(t, microvisor.EAFNOSUPPORT, c.Bind(fd, microvisor.NewV6Addr([16]byte{}, 0)))
	assertErrno(t, microvisor.EOPNOTSUPP, c.Listen(fd, 1))

	pipe, _ := c.Pipe()
	_, errno = c.Getsockname(pipe[0])
	assertErrno(t, microvisor.ENOTSOCK, errno)
}

func TestEphemeralPorts(t *testing.T) {
	r := newRegistry(t)
	c := r.NewCage()
	key := ports.Key{Family: uint16(microvisor.AF_INET), Protocol: int32(microvisor.IPPROTO_TCP)}

	fd, port := listenTCP(t, c, 0)
	if port < ports.FirstEphemeral || port > ports.LastEphemeral {
		t.Errorf("port outside of the ephemeral range: %d", port)
	}
	if reserved := r.Ports().Reserved(key); len(reserved) != 1 || reserved[0] != port {
		t.Errorf("wrong reservations: %v", reserved)
	}

	other, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.EADDRINUSE, c.Bind(other, microvisor.NewV4Addr(loopback, port)))
	assertErrno(t, microvisor.ESUCCESS, c.Bind(other, microvisor.NewV4Addr(loopback, 0)))
	assertErrno(t, microvisor.EINVAL, c.Bind(other, microvisor.NewV4Addr(loopback, 0)))

	// UDP ports live in a separate space.
	udp, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.ESUCCESS, c.Bind(udp, microvisor.NewV4Addr(loopback, port)))

	assertErrno(t, microvisor.ESUCCESS, c.Close(fd))
	assertErrno(t, microvisor.ESUCCESS, c.Close(other))
	if reserved := r.Ports().Reserved(key); len(reserved) != 0 {
		t.Errorf("ports still reserved after close: %v", reserved)
	}
}

func TestConnectAcceptExchange(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	listener, port := listenTCP(t, c, 0)
	client, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)

	_, errno := c.Getpeername(client)
	assertErrno(t, microvisor.ENOTCONN, errno)

	assertErrno(t, microvisor.ESUCCESS, c.Connect(client, microvisor.NewV4Addr(loopback, port)))
	assertErrno(t, microvisor.EISCONN, c.Connect(client, microvisor.NewV4Addr(loopback, port)))
	if local, errno := c.Getsockname(client); errno != microvisor.ESUCCESS || microvisor.MustPort(local) == 0 {
		t.Errorf("client not bound implicitly: %v (%v)", local, errno)
	}

	conn, peer, errno := c.Accept(ctx, listener, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	local, _ := c.Getsockname(client)
	if microvisor.MustPort(peer) != microvisor.MustPort(local) {
		t.Errorf("wrong peer address: want=%v got=%v", local, peer)
	}

	var group errgroup.Group
	group.Go(func() error {
		// The receive starts before any data was sent.
		buf := make([]byte, 5)
		n, errno := c.Recv(ctx, conn, buf, 0)
		if errno != microvisor.ESUCCESS {
			return errno
		}
		if !bytes.Equal(buf[:n], []byte("hello")) {
			t.Errorf("wrong data: want=hello got=%q", buf[:n])
		}
		return nil
	})
	time.Sleep(100 * time.Millisecond)
	if _, errno := c.Send(ctx, client, []byte("hello"), 0); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}

	assertErrno(t, microvisor.ESUCCESS, c.Shutdown(client, cage.SHUT_WR))
	if n, errno := c.Read(ctx, conn, make([]byte, 8)); errno != microvisor.ESUCCESS || n != 0 {
		t.Errorf("read after peer shutdown: n=%d errno=%v", n, errno)
	}
	assertErrno(t, microvisor.EINVAL, c.Shutdown(client, 7))
}

func TestAcceptNonblocking(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	listener, port := listenTCP(t, c, microvisor.SOCK_NONBLOCK)
	_, _, errno := c.Accept(ctx, listener, 0)
	assertErrno(t, microvisor.EAGAIN, errno)

	client, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.ESUCCESS, c.Connect(client, microvisor.NewV4Addr(loopback, port)))

	var conn int32
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, _, errno = c.Accept(ctx, listener, microvisor.SOCK_NONBLOCK)
		if errno != microvisor.EAGAIN || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assertErrno(t, microvisor.ESUCCESS, errno)

	_, errno = c.Recv(ctx, conn, make([]byte, 1), 0)
	assertErrno(t, microvisor.EAGAIN, errno)
	_, errno = c.Recv(ctx, client, make([]byte, 1), cage.MSG_DONTWAIT)
	assertErrno(t, microvisor.EAGAIN, errno)
}

func TestAcceptInterrupted(t *testing.T) {
	c := newRegistry(t).NewCage()
	listener, _ := listenTCP(t, c, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, errno := c.Accept(ctx, listener, 0)
	assertErrno(t, microvisor.EAGAIN, errno)
}

func TestDatagramSendTo(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	server, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.ESUCCESS, c.Bind(server, microvisor.NewV4Addr(loopback, 0)))
	addr, _ := c.Getsockname(server)

	client, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	if _, errno := c.SendTo(ctx, client, []byte("ping"), 0, addr); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	local, _ := c.Getsockname(client)

	buf := make([]byte, 16)
	n, from, errno := c.RecvFrom(ctx, server, buf, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if string(buf[:n]) != "ping" {
		t.Errorf("wrong data: want=ping got=%q", buf[:n])
	}
	if microvisor.MustPort(from) != microvisor.MustPort(local) {
		t.Errorf("wrong sender: want=%v got=%v", local, from)
	}

	_, _, errno = c.RecvFrom(ctx, server, buf, cage.MSG_DONTWAIT)
	assertErrno(t, microvisor.EAGAIN, errno)
}

func TestSocketOptions(t *testing.T) {
	c := newRegistry(t).NewCage()
	fd, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)

	assertErrno(t, microvisor.ESUCCESS, c.Setsockopt(fd, cage.SOL_SOCKET, cage.SO_REUSEADDR, 1))
	if v, errno := c.Getsockopt(fd, cage.SOL_SOCKET, cage.SO_REUSEADDR); errno != microvisor.ESUCCESS || v == 0 {
		t.Errorf("option not set: v=%d errno=%v", v, errno)
	}
	assertErrno(t, microvisor.ESUCCESS, c.Setsockopt(fd, cage.IPPROTO_TCP, cage.TCP_NODELAY, 1))
	assertErrno(t, microvisor.ENOPROTOOPT, c.Setsockopt(fd, cage.SOL_SOCKET, cage.SO_TYPE, 1))
	assertErrno(t, microvisor.ENOPROTOOPT, c.Setsockopt(fd, cage.SOL_SOCKET, 1000, 1))
	_, errno := c.Getsockopt(fd, 1000, 1)
	assertErrno(t, microvisor.ENOPROTOOPT, errno)
}

func TestSocketpairPeek(t *testing.T) {
	c := newRegistry(t).NewCage()
	fds, _ := c.Socketpair(microvisor.AF_UNIX, microvisor.SOCK_STREAM, 0)
	_, errno := c.Recv(context.Background(), fds[0], make([]byte, 1), cage.MSG_PEEK)
	assertErrno(t, microvisor.EOPNOTSUPP, errno)
	assertErrno(t, microvisor.EINVAL, c.Listen(fds[0], 1))
}

func TestCloseDuringReceive(t *testing.T) {
	r := newRegistry(t)
	a := r.NewCage()
	b := r.NewCage()

	fd, errno := a.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	assertErrno(t, microvisor.ESUCCESS, a.Bind(fd, microvisor.NewV4Addr(loopback, 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var group errgroup.Group
	var n int
	var recvErrno microvisor.Errno
	buf := make([]byte, 64)
	group.Go(func() error {
		n, recvErrno = a.Recv(ctx, fd, buf, 0)
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	assertErrno(t, microvisor.ESUCCESS, a.Close(fd))

	// The host socket stays open until the receive returns, so the new
	// socket of the other cage cannot reuse its host descriptor.
	other, errno := b.Socket(microvisor.AF_INET, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	assertErrno(t, microvisor.ESUCCESS, b.Bind(other, microvisor.NewV4Addr(loopback, 0)))
	addr, _ := b.Getsockname(other)
	if _, errno := b.SendTo(context.Background(), other, []byte("datagram for b"), 0, addr); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}

	got := make([]byte, 64)
	m, errno := b.Recv(context.Background(), other, got, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if string(got[:m]) != "datagram for b" {
		t.Errorf("wrong data: want=%q got=%q", "datagram for b", got[:m])
	}

	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}
	assertErrno(t, microvisor.EAGAIN, recvErrno)
	if n > 0 {
		t.Errorf("receive through a closed descriptor returned data: %q", buf[:n])
	}
	if _, errno := a.Recv(context.Background(), fd, buf, 0); errno != microvisor.EBADF {
		t.Errorf("descriptor still open after close: want=EBADF got=%v", errno.Name())
	}
}
