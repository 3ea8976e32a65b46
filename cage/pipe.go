package cage

import (
	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/pipe"
)

// Pipe creates a pipe and returns its read and write descriptors.
func (c *Cage) Pipe() ([2]int32, microvisor.Errno) {
	return c.Pipe2(0)
}

// Pipe2 creates a pipe. O_NONBLOCK and O_CLOEXEC apply to both descriptors.
func (c *Cage) Pipe2(flags microvisor.OpenFlags) ([2]int32, microvisor.Errno) {
	fds := [2]int32{-1, -1}
	if flags&^(microvisor.O_NONBLOCK|microvisor.O_CLOEXEC) != 0 {
		return fds, microvisor.EINVAL
	}
	config := &c.registry.config
	p := pipe.New(config.PipeCapacity, pipe.WithCheckInterval(config.CheckInterval))

	r := &pipeDescription{pipe: p, end: pipe.ReadEnd}
	r.init(microvisor.O_RDONLY | flags&microvisor.O_NONBLOCK)
	w := &pipeDescription{pipe: p, end: pipe.WriteEnd}
	w.init(microvisor.O_WRONLY | flags&microvisor.O_NONBLOCK)

	return c.insertPair(r, w, flags.Has(microvisor.O_CLOEXEC))
}

// Socketpair creates a pair of connected Unix sockets. Each direction is an
// emulated pipe.
func (c *Cage) Socketpair(domain microvisor.AddressFamily, typ microvisor.SocketType, protocol microvisor.Protocol) ([2]int32, microvisor.Errno) {
	fds := [2]int32{-1, -1}
	if domain != microvisor.AF_UNIX {
		return fds, microvisor.EOPNOTSUPP
	}
	base := typ &^ (microvisor.SOCK_NONBLOCK | microvisor.SOCK_CLOEXEC)
	if base != microvisor.SOCK_STREAM {
		return fds, microvisor.EPROTONOSUPPORT
	}
	if protocol != 0 {
		return fds, microvisor.EPROTONOSUPPORT
	}

	config := &c.registry.config
	ab := pipe.New(config.UnixSocketCapacity, pipe.WithCheckInterval(config.CheckInterval))
	ba := pipe.New(config.UnixSocketCapacity, pipe.WithCheckInterval(config.CheckInterval))

	var flags microvisor.OpenFlags
	if typ&microvisor.SOCK_NONBLOCK != 0 {
		flags |= microvisor.O_NONBLOCK
	}
	newEnd := func(in, out *pipe.Pipe) *socketDescription {
		s := &socketDescription{
			domain:   domain,
			typ:      base,
			protocol: protocol,
			pair:     &socketPair{in: in, out: out},
			state:    connected,
		}
		s.init(microvisor.O_RDWR | flags)
		return s
	}
	return c.insertPair(newEnd(ba, ab), newEnd(ab, ba), typ&microvisor.SOCK_CLOEXEC != 0)
}

// insertPair installs two new descriptions atomically, releasing both when
// the table cannot hold them.
func (c *Cage) insertPair(a, b description, cloexec bool) ([2]int32, microvisor.Errno) {
	fds := [2]int32{-1, -1}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ok := !c.exited
	if ok {
		fds[0], ok = c.fds.Insert(entry{desc: a, cloexec: cloexec})
	}
	if ok {
		if fds[1], ok = c.fds.Insert(entry{desc: b, cloexec: cloexec}); !ok {
			c.fds.Delete(fds[0])
		}
	}
	if !ok {
		a.release()
		b.release()
		return [2]int32{-1, -1}, microvisor.EMFILE
	}
	return fds, microvisor.ESUCCESS
}
