package cage

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/fdset"
	"github.com/stealthrocket/microvisor/pipe"
)

// Events of poll. The epoll events share the same values.
const (
	POLLIN   = 0x1
	POLLPRI  = 0x2
	POLLOUT  = 0x4
	POLLERR  = 0x8
	POLLHUP  = 0x10
	POLLNVAL = 0x20

	EPOLLIN  = POLLIN
	EPOLLPRI = POLLPRI
	EPOLLOUT = POLLOUT
	EPOLLERR = POLLERR
	EPOLLHUP = POLLHUP
)

// Operations of epoll_ctl.
const (
	EPOLL_CTL_ADD = 1
	EPOLL_CTL_DEL = 2
	EPOLL_CTL_MOD = 3
)

// PollFd is the guest layout of struct pollfd.
type PollFd struct {
	Fd      int32 `struc:"int32,little"`
	Events  int16 `struc:"int16,little"`
	Revents int16 `struc:"int16,little"`
}

// EpollEvent is the guest layout of struct epoll_event, which is packed.
type EpollEvent struct {
	Events uint32 `struc:"uint32,little"`
	Data   uint64 `struc:"uint64,little"`
}

// pollItem is a descriptor whose readiness is queried by select, poll or
// epoll_wait.
type pollItem struct {
	fd      int32
	events  uint32
	revents uint32
}

// pollOnce evaluates the readiness of items without blocking, and returns
// the number of items reporting events.
//
// Host sockets and host files are queried in one host select call, keyed by
// their index in items. Pipes and socket pairs are evaluated in memory.
func (c *Cage) pollOnce(items []pollItem) (int, microvisor.Errno) {
	descs := make([]description, len(items))
	c.mutex.Lock()
	for i := range items {
		if e, ok := c.fds.Lookup(items[i].fd); ok {
			descs[i] = e.desc
			incRef(e.desc)
		}
	}
	c.mutex.Unlock()
	defer func() {
		for _, d := range descs {
			if d != nil {
				if errno := decRef(d); errno != microvisor.ESUCCESS {
					c.log.WithError(errno).Warn("releasing descriptor after poll")
				}
			}
		}
	}()

	var host fdset.HostSelector
	addHost := func(hostfd int, i int, events uint32) {
		ok := true
		if events&POLLIN != 0 {
			ok = ok && host.Add(fdset.Read, hostfd, int32(i))
		}
		if events&POLLOUT != 0 {
			ok = ok && host.Add(fdset.Write, hostfd, int32(i))
		}
		if events&POLLPRI != 0 {
			ok = ok && host.Add(fdset.Except, hostfd, int32(i))
		}
		if !ok {
			items[i].revents |= POLLNVAL
		}
	}

	for i := range items {
		item := &items[i]
		item.revents = 0

		switch d := descs[i].(type) {
		case nil:
			item.revents = POLLNVAL

		case *fileDescription:
			if f, ok := d.file.(microvisor.HostFile); ok && !d.dir {
				addHost(f.Fd(), i, item.events)
			} else {
				item.revents = POLLIN | POLLOUT
			}

		case *socketDescription:
			if d.pair == nil {
				addHost(d.socket.Fd(), i, item.events)
				break
			}
			if d.pair.readShut() || d.pair.in.ReadReady() {
				item.revents |= POLLIN
			}
			if d.pair.in.EOF() {
				item.revents |= POLLHUP
			}
			if d.pair.writeShut() {
				item.revents |= POLLERR
			} else if d.pair.out.WriteReady() {
				item.revents |= POLLOUT
			}

		case *pipeDescription:
			if d.end == pipe.ReadEnd {
				if d.pipe.ReadReady() {
					item.revents |= POLLIN
				}
				if d.pipe.EOF() {
					item.revents |= POLLHUP
				}
			} else {
				if d.pipe.WriteReady() {
					item.revents |= POLLOUT
				}
				if d.pipe.Refs(pipe.ReadEnd) == 0 {
					item.revents |= POLLERR
				}
			}

		case *epollDescription:
			// Nested epoll instances never report readiness.
		}
	}

	if host.Len() > 0 {
		var r, w, e fdset.FdSet
		if _, errno := host.Poll(&r, &w, &e); errno != microvisor.ESUCCESS {
			return 0, errno
		}
		for i := range items {
			if r.IsSet(int32(i)) {
				items[i].revents |= POLLIN
			}
			if w.IsSet(int32(i)) {
				items[i].revents |= POLLOUT
			}
			if e.IsSet(int32(i)) {
				items[i].revents |= POLLPRI
			}
		}
	}

	n := 0
	for i := range items {
		items[i].revents &= items[i].events | POLLERR | POLLHUP | POLLNVAL
		if items[i].revents != 0 {
			n++
		}
	}
	return n, microvisor.ESUCCESS
}

// wait polls items until at least one reports events, the timeout expires,
// or the wait is interrupted. A negative timeout waits forever, and a zero
// timeout polls once. An interrupted wait returns EINTR; an expired one
// returns zero.
func (c *Cage) wait(ctx context.Context, items []pollItem, timeout time.Duration) (int, microvisor.Errno) {
	if timeout == 0 {
		return c.pollOnce(items)
	}
	ctx, cancel := c.context(ctx)
	defer cancel()

	waitCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	var n int
	var errno microvisor.Errno
	b := backoff.WithContext(backoff.NewConstantBackOff(c.registry.config.SelectInterval), waitCtx)
	err := backoff.Retry(func() error {
		n, errno = c.pollOnce(items)
		switch {
		case errno != microvisor.ESUCCESS:
			return backoff.Permanent(errno)
		case n > 0:
			return nil
		default:
			return microvisor.EAGAIN
		}
	}, b)

	switch {
	case err == nil:
		return n, microvisor.ESUCCESS
	case err == microvisor.EAGAIN:
		if ctx.Err() != nil {
			return 0, microvisor.EINTR
		}
		return 0, microvisor.ESUCCESS
	default:
		return 0, errno
	}
}

// Select waits for the descriptors lower than nfds in the three sets to
// become ready. On return, the sets only hold the ready descriptors and the
// result is the number of bits set across them. Nil sets are ignored.
func (c *Cage) Select(ctx context.Context, nfds int32, readSet, writeSet, exceptSet *fdset.FdSet, timeout time.Duration) (int, microvisor.Errno) {
	if nfds < 0 || nfds > fdset.Size {
		return -1, microvisor.EINVAL
	}

	var items []pollItem
	index := make(map[int32]int)
	for _, s := range []struct {
		set    *fdset.FdSet
		events uint32
	}{
		{readSet, POLLIN},
		{writeSet, POLLOUT},
		{exceptSet, POLLPRI},
	} {
		if s.set == nil {
			continue
		}
		s.set.Range(nfds, func(fd int32) bool {
			i, ok := index[fd]
			if !ok {
				i = len(items)
				index[fd] = i
				items = append(items, pollItem{fd: fd})
			}
			items[i].events |= s.events
			return true
		})
	}

	n, errno := c.wait(ctx, items, timeout)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	for _, item := range items {
		if item.revents&POLLNVAL != 0 {
			return -1, microvisor.EBADF
		}
	}

	for _, set := range []*fdset.FdSet{readSet, writeSet, exceptSet} {
		if set != nil {
			set.Zero()
		}
	}
	if n == 0 {
		return 0, microvisor.ESUCCESS
	}
	count := 0
	mark := func(set *fdset.FdSet, fd int32) {
		if set != nil {
			set.Set(fd)
			count++
		}
	}
	for _, item := range items {
		if item.events&POLLIN != 0 && item.revents&(POLLIN|POLLHUP|POLLERR) != 0 {
			mark(readSet, item.fd)
		}
		if item.events&POLLOUT != 0 && item.revents&(POLLOUT|POLLERR) != 0 {
			mark(writeSet, item.fd)
		}
		if item.events&POLLPRI != 0 && item.revents&POLLPRI != 0 {
			mark(exceptSet, item.fd)
		}
	}
	return count, microvisor.ESUCCESS
}

// Poll waits for the descriptors of fds to become ready, filling their
// Revents field. Negative descriptors are ignored, and unknown ones report
// POLLNVAL. The result is the number of entries with events.
func (c *Cage) Poll(ctx context.Context, fds []PollFd, timeout time.Duration) (int, microvisor.Errno) {
	if len(fds) > NoFileMax {
		return -1, microvisor.EINVAL
	}
	items := make([]pollItem, 0, len(fds))
	slots := make([]int, 0, len(fds))
	for i := range fds {
		fds[i].Revents = 0
		if fds[i].Fd < 0 {
			continue
		}
		items = append(items, pollItem{fd: fds[i].Fd, events: uint32(uint16(fds[i].Events))})
		slots = append(slots, i)
	}

	n, errno := c.wait(ctx, items, timeout)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	for i, item := range items {
		fds[slots[i]].Revents = int16(item.revents)
	}
	return n, microvisor.ESUCCESS
}

// EpollCreate creates an epoll instance. size must be positive and is
// otherwise ignored.
func (c *Cage) EpollCreate(size int32) (int32, microvisor.Errno) {
	if size <= 0 {
		return -1, microvisor.EINVAL
	}
	ep := &epollDescription{interest: make(map[int32]EpollEvent)}
	ep.init(microvisor.O_RDWR)
	return c.insert(ep, false)
}

func (c *Cage) epoll(epfd int32) (*epollDescription, microvisor.Errno) {
	e, errno := c.lookup(epfd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	ep, ok := e.desc.(*epollDescription)
	if !ok {
		c.put(e.desc)
		return nil, microvisor.EINVAL
	}
	return ep, microvisor.ESUCCESS
}

// EpollCtl adds, modifies or removes fd in the interest list of epfd.
func (c *Cage) EpollCtl(epfd, op, fd int32, event *EpollEvent) microvisor.Errno {
	ep, errno := c.epoll(epfd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(ep)
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	defer c.put(e.desc)
	if fd == epfd || e.desc.Kind() == KindEpoll {
		return microvisor.EINVAL
	}
	if op != EPOLL_CTL_DEL && event == nil {
		return microvisor.EFAULT
	}

	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	_, exists := ep.interest[fd]

	switch op {
	case EPOLL_CTL_ADD:
		if exists {
			return microvisor.EEXIST
		}
		ep.interest[fd] = *event
	case EPOLL_CTL_MOD:
		if !exists {
			return microvisor.ENOENT
		}
		ep.interest[fd] = *event
	case EPOLL_CTL_DEL:
		if !exists {
			return microvisor.ENOENT
		}
		delete(ep.interest, fd)
	default:
		return microvisor.EINVAL
	}
	return microvisor.ESUCCESS
}

// EpollWait waits for events on the interest list of epfd and returns at
// most maxEvents of them. Descriptors closed since they were added are
// dropped from the interest list.
func (c *Cage) EpollWait(ctx context.Context, epfd int32, maxEvents int, timeout time.Duration) ([]EpollEvent, microvisor.Errno) {
	if maxEvents <= 0 {
		return nil, microvisor.EINVAL
	}
	ep, errno := c.epoll(epfd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	defer c.put(ep)

	ep.mutex.Lock()
	items := make([]pollItem, 0, len(ep.interest))
	data := make(map[int32]uint64, len(ep.interest))
	for fd, ev := range ep.interest {
		items = append(items, pollItem{fd: fd, events: ev.Events})
		data[fd] = ev.Data
	}
	ep.mutex.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].fd < items[j].fd })

	if _, errno := c.wait(ctx, items, timeout); errno != microvisor.ESUCCESS {
		return nil, errno
	}

	var events []EpollEvent
	for _, item := range items {
		if item.revents&POLLNVAL != 0 {
			ep.mutex.Lock()
			delete(ep.interest, item.fd)
			ep.mutex.Unlock()
			continue
		}
		if item.revents != 0 && len(events) < maxEvents {
			events = append(events, EpollEvent{Events: item.revents, Data: data[item.fd]})
		}
	}
	return events, microvisor.ESUCCESS
}
