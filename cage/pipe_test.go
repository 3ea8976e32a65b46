package cage_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
)

func TestPipeBetweenCages(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, func(c *cage.Config) { c.PipeCapacity = 4096 })
	writer := r.NewCage()

	fds, errno := writer.Pipe()
	assertErrno(t, microvisor.ESUCCESS, errno)
	reader, errno := writer.Fork(0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	assertErrno(t, microvisor.ESUCCESS, writer.Close(fds[0]))
	assertErrno(t, microvisor.ESUCCESS, reader.Close(fds[1]))

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var got []byte
	var group errgroup.Group
	group.Go(func() error {
		n, errno := writer.Write(ctx, fds[1], data)
		if errno != microvisor.ESUCCESS {
			return errno
		}
		if n != len(data) {
			return errors.New("short write")
		}
		if errno := writer.Close(fds[1]); errno != microvisor.ESUCCESS {
			return errno
		}
		return nil
	})
	group.Go(func() error {
		buf := make([]byte, 1000)
		for {
			n, errno := reader.Read(ctx, fds[0], buf)
			if errno != microvisor.ESUCCESS {
				return errno
			}
			if n == 0 {
				return nil
			}
			got = append(got, buf[:n]...)
		}
	})
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("wrong data received: want=%d bytes got=%d bytes", len(data), len(got))
	}
}

func TestPipeBrokenByReaderClose(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	fds, _ := c.Pipe()
	assertErrno(t, microvisor.ESUCCESS, c.Close(fds[0]))
	_, errno := c.Write(ctx, fds[1], []byte("x"))
	assertErrno(t, microvisor.EPIPE, errno)
}

func TestPipeWrongEnd(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	fds, _ := c.Pipe()
	_, errno := c.Read(ctx, fds[1], make([]byte, 1))
	assertErrno(t, microvisor.EBADF, errno)
	_, errno = c.Write(ctx, fds[0], []byte("x"))
	assertErrno(t, microvisor.EBADF, errno)
	_, errno = c.Pipe2(microvisor.O_APPEND)
	assertErrno(t, microvisor.EINVAL, errno)
}

func TestPipeNonblocking(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t, func(c *cage.Config) { c.PipeCapacity = 8 }).NewCage()

	fds, errno := c.Pipe2(microvisor.O_NONBLOCK)
	assertErrno(t, microvisor.ESUCCESS, errno)

	_, errno = c.Read(ctx, fds[0], make([]byte, 4))
	assertErrno(t, microvisor.EAGAIN, errno)

	n, errno := c.Write(ctx, fds[1], []byte("0123456789"))
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 8 {
		t.Errorf("wrong partial write: want=8 got=%d", n)
	}
	_, errno = c.Write(ctx, fds[1], []byte("x"))
	assertErrno(t, microvisor.EAGAIN, errno)
}

func TestBlockedReadInterruptedByKill(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	c := r.NewCage()

	fds, _ := c.Pipe()
	done := make(chan microvisor.Errno)
	go func() {
		_, errno := c.Read(ctx, fds[0], make([]byte, 1))
		done <- errno
	}()

	// Let the read go through a few cancellation checkpoints first.
	time.Sleep(50 * time.Millisecond)
	select {
	case errno := <-done:
		t.Fatalf("read returned before the cage was killed: %v", errno)
	default:
	}

	assertErrno(t, microvisor.ESUCCESS, r.Signal(c.ID(), cage.SIGKILL))
	select {
	case errno := <-done:
		assertErrno(t, microvisor.EAGAIN, errno)
	case <-time.After(5 * time.Second):
		t.Fatal("read not interrupted")
	}
}

func TestBlockedReadInterruptedByContext(t *testing.T) {
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, errno := c.Read(ctx, fds[0], make([]byte, 1))
	assertErrno(t, microvisor.EAGAIN, errno)
	if c.Canceled() {
		t.Error("cage canceled by the context of a call")
	}
}

func TestSocketpair(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	fds, errno := c.Socketpair(microvisor.AF_UNIX, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)

	for i, dir := range [][2]int32{{fds[0], fds[1]}, {fds[1], fds[0]}} {
		msg := []byte{'a' + byte(i)}
		if _, errno := c.Send(ctx, dir[0], msg, 0); errno != microvisor.ESUCCESS {
			t.Fatal(errno)
		}
		buf := make([]byte, 4)
		n, errno := c.Recv(ctx, dir[1], buf, 0)
		assertErrno(t, microvisor.ESUCCESS, errno)
		if !bytes.Equal(buf[:n], msg) {
			t.Errorf("wrong data: want=%q got=%q", msg, buf[:n])
		}
	}

	if v, errno := c.Getsockopt(fds[0], cage.SOL_SOCKET, cage.SO_RCVBUF); errno != microvisor.ESUCCESS || v != 212992 {
		t.Errorf("wrong receive buffer size: want=212992 got=%d (%v)", v, errno)
	}
	if addr, errno := c.Getpeername(fds[0]); errno != microvisor.ESUCCESS || addr.Family() != microvisor.AF_UNIX {
		t.Errorf("wrong peer address: %v (%v)", addr, errno)
	}

	assertErrno(t, microvisor.ESUCCESS, c.Shutdown(fds[0], cage.SHUT_WR))
	if n, errno := c.Read(ctx, fds[1], make([]byte, 4)); errno != microvisor.ESUCCESS || n != 0 {
		t.Errorf("read after peer shutdown: n=%d errno=%v", n, errno)
	}
	_, errno = c.Write(ctx, fds[0], []byte("x"))
	assertErrno(t, microvisor.EPIPE, errno)

	_, errno = c.Socketpair(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.EOPNOTSUPP, errno)
	_, errno = c.Socketpair(microvisor.AF_UNIX, microvisor.SOCK_DGRAM, 0)
	assertErrno(t, microvisor.EPROTONOSUPPORT, errno)
}

func TestSocketpairNonblocking(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	fds, errno := c.Socketpair(microvisor.AF_UNIX, microvisor.SOCK_STREAM|microvisor.SOCK_NONBLOCK|microvisor.SOCK_CLOEXEC, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	_, errno = c.Recv(ctx, fds[0], make([]byte, 1), 0)
	assertErrno(t, microvisor.EAGAIN, errno)
	if flags, _ := c.Fcntl(fds[1], cage.F_GETFD, 0); flags != cage.FD_CLOEXEC {
		t.Errorf("close-on-exec not set: %d", flags)
	}
}
