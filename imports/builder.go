package imports

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Builder is used to setup and instantiate the microvisor host module.
type Builder struct {
	root           string
	hostname       string
	listens        []string
	dials          []string
	pipeCapacity   int
	socketCapacity int
	recvTimeout    time.Duration
	selectInterval time.Duration
	uid            uint32
	gid            uint32
	logger         logrus.FieldLogger
	tracer         io.Writer
	errors         []error
}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithRoot sets the host directory exposed to guests as their root
// directory.
func (b *Builder) WithRoot(dir string) *Builder {
	if dir == "" {
		b.errors = append(b.errors, fmt.Errorf("empty root directory"))
	}
	b.root = dir
	return b
}

// WithHostname sets the host name reported by gethostname.
func (b *Builder) WithHostname(name string) *Builder {
	b.hostname = name
	return b
}

// WithListens specifies a list of addresses to listen on before starting
// the guest. The listener sockets are installed in the descriptor table of
// the first cage, in order.
func (b *Builder) WithListens(listens ...string) *Builder {
	b.listens = listens
	return b
}

// WithDials specifies a list of addresses to connect to before starting
// the guest. The connected sockets are installed after the listeners.
func (b *Builder) WithDials(dials ...string) *Builder {
	b.dials = dials
	return b
}

// WithPipeCapacity sets the capacity of pipes, and of each direction of
// socket pairs.
func (b *Builder) WithPipeCapacity(pipe, socketpair int) *Builder {
	if pipe < 0 || socketpair < 0 {
		b.errors = append(b.errors, fmt.Errorf("invalid pipe capacity: %d/%d", pipe, socketpair))
	}
	b.pipeCapacity = pipe
	b.socketCapacity = socketpair
	return b
}

// WithRecvTimeout sets how long blocking socket operations wait before
// checking whether the calling cage was canceled.
func (b *Builder) WithRecvTimeout(timeout time.Duration) *Builder {
	b.recvTimeout = timeout
	return b
}

// WithSelectInterval sets the delay between two polls of a blocking
// select, poll or epoll_wait.
func (b *Builder) WithSelectInterval(interval time.Duration) *Builder {
	b.selectInterval = interval
	return b
}

// WithCredentials sets the user and group identities reported to guests.
func (b *Builder) WithCredentials(uid, gid uint32) *Builder {
	b.uid = uid
	b.gid = gid
	return b
}

// WithLogger sets the logger receiving the diagnostics of cages.
func (b *Builder) WithLogger(logger logrus.FieldLogger) *Builder {
	b.logger = logger
	return b
}

// WithTracer enables the Tracer, and instructs it to write to the
// specified io.Writer.
func (b *Builder) WithTracer(enable bool, w io.Writer) *Builder {
	if !enable {
		w = nil
	}
	b.tracer = w
	return b
}
