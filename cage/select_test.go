package cage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
	"github.com/stealthrocket/microvisor/fdset"
)

func TestSelectPipe(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()

	var r, w fdset.FdSet
	r.Set(fds[0])
	w.Set(fds[1])
	n, errno := c.Select(ctx, fds[1]+1, &r, &w, nil, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 1 || r.IsSet(fds[0]) || !w.IsSet(fds[1]) {
		t.Errorf("only the write end should be ready: n=%d read=%t write=%t", n, r.IsSet(fds[0]), w.IsSet(fds[1]))
	}

	c.Write(ctx, fds[1], []byte("x"))
	r.Zero()
	r.Set(fds[0])
	n, errno = c.Select(ctx, fds[1]+1, &r, nil, nil, time.Second)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 1 || !r.IsSet(fds[0]) {
		t.Errorf("read end not ready after write: n=%d", n)
	}

	_, errno = c.Select(ctx, -1, nil, nil, nil, 0)
	assertErrno(t, microvisor.EINVAL, errno)

	r.Zero()
	r.Set(42)
	_, errno = c.Select(ctx, 43, &r, nil, nil, 0)
	assertErrno(t, microvisor.EBADF, errno)
}

func TestSelectTimeout(t *testing.T) {
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()

	var r fdset.FdSet
	r.Set(fds[0])
	start := time.Now()
	n, errno := c.Select(context.Background(), fds[0]+1, &r, nil, nil, 50*time.Millisecond)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 0 || !r.IsEmpty() {
		t.Errorf("descriptors ready before the timeout: n=%d", n)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("select returned before the timeout: %s", elapsed)
	}
}

func TestSelectWakesOnWrite(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	c := r.NewCage()
	fds, _ := c.Pipe()
	child, _ := c.Fork(0)

	go func() {
		time.Sleep(50 * time.Millisecond)
		child.Write(ctx, fds[1], []byte("wake"))
	}()

	var set fdset.FdSet
	set.Set(fds[0])
	n, errno := c.Select(ctx, fds[0]+1, &set, nil, nil, -1)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 1 {
		t.Errorf("wrong number of ready descriptors: want=1 got=%d", n)
	}
}

func TestSelectInterruptedByKill(t *testing.T) {
	r := newRegistry(t)
	c := r.NewCage()
	fds, _ := c.Pipe()

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Signal(c.ID(), cage.SIGKILL)
	}()

	var set fdset.FdSet
	set.Set(fds[0])
	_, errno := c.Select(context.Background(), fds[0]+1, &set, nil, nil, -1)
	assertErrno(t, microvisor.EINTR, errno)
}

func TestSelectHostListener(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()
	listener, port := listenTCP(t, c, 0)

	var set fdset.FdSet
	set.Set(listener)
	if n, _ := c.Select(ctx, listener+1, &set, nil, nil, 0); n != 0 {
		t.Errorf("listener ready without pending connections: n=%d", n)
	}

	client, _ := c.Socket(microvisor.AF_INET, microvisor.SOCK_STREAM, 0)
	assertErrno(t, microvisor.ESUCCESS, c.Connect(client, microvisor.NewV4Addr(loopback, port)))

	set.Zero()
	set.Set(listener)
	n, errno := c.Select(ctx, listener+1, &set, nil, nil, 5*time.Second)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 1 || !set.IsSet(listener) {
		t.Errorf("listener not ready with a pending connection: n=%d", n)
	}
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()
	c.Write(ctx, fds[1], []byte("x"))

	polls := []cage.PollFd{
		{Fd: fds[0], Events: cage.POLLIN},
		{Fd: -1, Events: cage.POLLIN},
		{Fd: fds[1], Events: cage.POLLOUT},
		{Fd: 99, Events: cage.POLLIN},
	}
	n, errno := c.Poll(ctx, polls, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if n != 3 {
		t.Errorf("wrong number of ready entries: want=3 got=%d", n)
	}
	want := []int16{cage.POLLIN, 0, cage.POLLOUT, cage.POLLNVAL}
	got := make([]int16, len(polls))
	for i, p := range polls {
		got[i] = p.Revents
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}

	c.Close(fds[1])
	polls = []cage.PollFd{{Fd: fds[0], Events: 0}}
	c.Read(ctx, fds[0], make([]byte, 1))
	if n, _ := c.Poll(ctx, polls, 0); n != 1 || polls[0].Revents != cage.POLLHUP {
		t.Errorf("hang up not reported: n=%d revents=%#x", n, polls[0].Revents)
	}
}

func TestEpoll(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()

	_, errno := c.EpollCreate(0)
	assertErrno(t, microvisor.EINVAL, errno)
	epfd, errno := c.EpollCreate(1)
	assertErrno(t, microvisor.ESUCCESS, errno)

	assertErrno(t, microvisor.ESUCCESS, c.EpollCtl(epfd, cage.EPOLL_CTL_ADD, fds[0], &cage.EpollEvent{Events: cage.EPOLLIN, Data: 7}))
	assertErrno(t, microvisor.EEXIST, c.EpollCtl(epfd, cage.EPOLL_CTL_ADD, fds[0], &cage.EpollEvent{Events: cage.EPOLLIN}))
	assertErrno(t, microvisor.ENOENT, c.EpollCtl(epfd, cage.EPOLL_CTL_MOD, fds[1], &cage.EpollEvent{Events: cage.EPOLLOUT}))
	assertErrno(t, microvisor.EINVAL, c.EpollCtl(epfd, cage.EPOLL_CTL_ADD, epfd, &cage.EpollEvent{}))
	assertErrno(t, microvisor.EFAULT, c.EpollCtl(epfd, cage.EPOLL_CTL_ADD, fds[1], nil))
	assertErrno(t, microvisor.EINVAL, c.EpollCtl(fds[0], cage.EPOLL_CTL_ADD, fds[1], &cage.EpollEvent{}))

	events, errno := c.EpollWait(ctx, epfd, 8, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if len(events) != 0 {
		t.Errorf("events reported on an empty pipe: %v", events)
	}

	assertErrno(t, microvisor.ESUCCESS, c.EpollCtl(epfd, cage.EPOLL_CTL_ADD, fds[1], &cage.EpollEvent{Events: cage.EPOLLOUT, Data: 8}))
	c.Write(ctx, fds[1], []byte("x"))
	events, errno = c.EpollWait(ctx, epfd, 8, time.Second)
	assertErrno(t, microvisor.ESUCCESS, errno)
	want := []cage.EpollEvent{
		{Events: cage.EPOLLIN, Data: 7},
		{Events: cage.EPOLLOUT, Data: 8},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Error(diff)
	}

	if events, _ := c.EpollWait(ctx, epfd, 1, 0); len(events) != 1 {
		t.Errorf("wrong number of events: want=1 got=%d", len(events))
	}

	assertErrno(t, microvisor.ESUCCESS, c.EpollCtl(epfd, cage.EPOLL_CTL_DEL, fds[1], nil))
	c.Close(fds[0])
	events, errno = c.EpollWait(ctx, epfd, 8, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if len(events) != 0 {
		t.Errorf("events reported after the interest list was emptied: %v", events)
	}
	_, errno = c.EpollWait(ctx, epfd, 0, 0)
	assertErrno(t, microvisor.EINVAL, errno)
}
