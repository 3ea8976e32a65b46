// Package pipe implements the byte buffers behind emulated pipes and Unix
// socket pairs.
//
// A Pipe has a read end and a write end, each reference counted
// independently since descriptors referring to them are duplicated across
// cages by dup and fork. Once every write end is released, readers drain the
// buffer and then observe end of file. Once every read end is released,
// writers fail with EPIPE.
package pipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stealthrocket/microvisor"
)

const (
	// PageSize is the amount of free space a pipe must have to be reported
	// writable.
	PageSize = 4096

	// DefaultCapacity is the capacity of pipes created by pipe and pipe2.
	DefaultCapacity = 65536

	// UnixSocketCapacity is the capacity of each direction of a socket
	// pair.
	UnixSocketCapacity = 212992

	// DefaultCheckInterval is the longest time a blocking read waits for
	// data before returning EAGAIN to let its caller check for
	// cancellation.
	DefaultCheckInterval = time.Second
)

// End designates one side of a pipe.
type End int

const (
	ReadEnd End = iota
	WriteEnd
)

func (e End) String() string {
	switch e {
	case ReadEnd:
		return "read"
	case WriteEnd:
		return "write"
	default:
		return fmt.Sprintf("End(%d)", int(e))
	}
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithCheckInterval sets the interval at which blocking reads give control
// back to their caller.
func WithCheckInterval(d time.Duration) Option {
	return func(p *Pipe) { p.checkInterval = d }
}

// Pipe is a bounded byte ring buffer shared by a producer and a consumer.
//
// Any number of goroutines may read and write concurrently. Reads are
// serialized with each other, and so are writes, so a single write of n
// bytes is never interleaved with the bytes of another write.
type Pipe struct {
	rmutex sync.Mutex
	wmutex sync.Mutex

	mutex    sync.Mutex
	readable sync.Cond
	writable sync.Cond
	buffer   []byte
	offset   int
	length   int
	readers  int
	writers  int
	eof      bool

	checkInterval time.Duration
}

// New creates a pipe of the given capacity with one reference on each end.
func New(capacity int, options ...Option) *Pipe {
	if capacity <= 0 {
		panic("BUG: pipe capacity must be positive")
	}
	p := &Pipe{
		buffer:        make([]byte, capacity),
		readers:       1,
		writers:       1,
		checkInterval: DefaultCheckInterval,
	}
	p.readable.L = &p.mutex
	p.writable.L = &p.mutex
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Cap returns the capacity of the pipe.
func (p *Pipe) Cap() int { return len(p.buffer) }

// Len returns the number of buffered bytes.
func (p *Pipe) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.length
}

// Refs returns the reference count of an end.
func (p *Pipe) Refs(end End) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if end == ReadEnd {
		return p.readers
	}
	return p.writers
}

// EOF reports whether the write end was closed for good.
func (p *Pipe) EOF() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.eof
}

// IncrRef adds a reference to an end.
func (p *Pipe) IncrRef(end End) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	switch end {
	case ReadEnd:
		p.readers++
	case WriteEnd:
		if p.eof {
			panic("BUG: reference added to a closed pipe write end")
		}
		p.writers++
	}
}

// DecrRef drops a reference to an end and returns the remaining count.
// Dropping the last write reference sets end of file, and dropping the last
// read reference breaks the pipe for writers, including those already
// waiting for space.
func (p *Pipe) DecrRef(end End) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	switch end {
	case ReadEnd:
		if p.readers == 0 {
			panic("BUG: pipe read end reference count underflow")
		}
		if p.readers--; p.readers == 0 {
			p.writable.Broadcast()
		}
		return p.readers
	default:
		if p.writers == 0 {
			panic("BUG: pipe write end reference count underflow")
		}
		if p.writers--; p.writers == 0 {
			p.eof = true
			p.readable.Broadcast()
		}
		return p.writers
	}
}

// ReadReady reports whether a read would not block: bytes are buffered, or
// the write end is gone and the read would observe end of file.
func (p *Pipe) ReadReady() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.length > 0 || p.writers == 0
}

// WriteReady reports whether a write would make progress without blocking:
// more than a page is free, or the read end is gone and the write would fail
// immediately.
func (p *Pipe) WriteReady() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.buffer)-p.length > PageSize || p.readers == 0
}

// Read reads up to len(b) bytes from the pipe.
//
// An empty pipe with no writers left returns zero bytes. Otherwise an empty
// pipe returns EAGAIN when nonblock is true, and blocks until data arrives
// when it is false. A blocked read gives up with EAGAIN when ctx is done or
// when the check interval elapses, so its caller can look for a pending
// cancellation before trying again.
func (p *Pipe) Read(ctx context.Context, b []byte, nonblock bool) (int, microvisor.Errno) {
	if len(b) == 0 {
		return 0, microvisor.ESUCCESS
	}
	p.rmutex.Lock()
	defer p.rmutex.Unlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.length == 0 {
		if p.writers == 0 {
			return 0, microvisor.ESUCCESS
		}
		if nonblock {
			return 0, microvisor.EAGAIN
		}
		expired := false
		wakeup := func() {
			p.mutex.Lock()
			expired = true
			p.readable.Broadcast()
			p.mutex.Unlock()
		}
		timer := time.AfterFunc(p.checkInterval, wakeup)
		defer timer.Stop()
		stop := context.AfterFunc(ctx, wakeup)
		defer stop()

		for p.length == 0 && p.writers > 0 {
			if expired {
				return 0, microvisor.EAGAIN
			}
			p.readable.Wait()
		}
		if p.length == 0 {
			return 0, microvisor.ESUCCESS
		}
	}

	n := p.read(b)
	p.writable.Broadcast()
	return n, microvisor.ESUCCESS
}

// Write writes b to the pipe.
//
// A write with no readers left fails with EPIPE. In non-blocking mode, a
// full pipe fails with EAGAIN, and a write which filled the pipe returns the
// count of bytes it could write. In blocking mode, the write waits for space
// until all of b was written; when ctx is done it returns what was written
// so far, or EAGAIN if nothing was.
func (p *Pipe) Write(ctx context.Context, b []byte, nonblock bool) (int, microvisor.Errno) {
	if len(b) == 0 {
		return 0, microvisor.ESUCCESS
	}
	p.wmutex.Lock()
	defer p.wmutex.Unlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.readers == 0 {
		return 0, microvisor.EPIPE
	}
	if nonblock && p.length == len(p.buffer) {
		return 0, microvisor.EAGAIN
	}

	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	written := 0
	for written < len(b) {
		if p.readers == 0 {
			return written, microvisor.EPIPE
		}
		if p.length == len(p.buffer) {
			if nonblock {
				break
			}
			if ctx.Err() != nil {
				if written == 0 {
					return 0, microvisor.EAGAIN
				}
				break
			}
			if stop == nil {
				stop = context.AfterFunc(ctx, func() {
					p.mutex.Lock()
					p.writable.Broadcast()
					p.mutex.Unlock()
				})
			}
			p.writable.Wait()
			continue
		}
		written += p.write(b[written:])
		p.readable.Broadcast()
	}
	return written, microvisor.ESUCCESS
}

func (p *Pipe) read(b []byte) int {
	n := 0
	for n < len(b) && p.length > 0 {
		end := p.offset + p.length
		if end > len(p.buffer) {
			end = len(p.buffer)
		}
		c := copy(b[n:], p.buffer[p.offset:end])
		n += c
		p.length -= c
		if p.offset += c; p.offset == len(p.buffer) {
			p.offset = 0
		}
	}
	if p.length == 0 {
		p.offset = 0
	}
	return n
}

func (p *Pipe) write(b []byte) int {
	n := 0
	for n < len(b) && p.length < len(p.buffer) {
		start := (p.offset + p.length) % len(p.buffer)
		end := len(p.buffer)
		if start < p.offset {
			end = p.offset
		}
		c := copy(p.buffer[start:end], b[n:])
		n += c
		p.length += c
	}
	return n
}
