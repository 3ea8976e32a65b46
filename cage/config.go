package cage

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/sockets"
	"github.com/stealthrocket/microvisor/pipe"
)

// Default credentials reported to guests.
const (
	DefaultUID = 1000
	DefaultGID = 1000
)

// Config is the configuration shared by the cages of a Registry.
type Config struct {
	// Filesystem backs every path-based system call. It is required.
	Filesystem microvisor.Filesystem

	// Hostname is returned by gethostname.
	Hostname string

	// PipeCapacity is the capacity of pipes created by pipe and pipe2.
	PipeCapacity int

	// UnixSocketCapacity is the capacity of each direction of a socket
	// pair.
	UnixSocketCapacity int

	// CheckInterval bounds how long a blocking pipe read waits before
	// checking whether the cage was canceled.
	CheckInterval time.Duration

	// RecvTimeout is installed on every host socket, bounding how long
	// blocking receives and accepts wait before checking whether the cage
	// was canceled.
	RecvTimeout time.Duration

	// SelectInterval is the delay between two polls of the descriptors
	// of a blocking select, poll or epoll_wait.
	SelectInterval time.Duration

	// UID and GID are the credentials reported to guests.
	UID uint32
	GID uint32

	// Logger receives the diagnostics of cages. Defaults to the standard
	// logrus logger.
	Logger logrus.FieldLogger

	// Clock drives the interval timers.
	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		c.Hostname = "microvisor"
	}
	if c.PipeCapacity == 0 {
		c.PipeCapacity = pipe.DefaultCapacity
	}
	if c.UnixSocketCapacity == 0 {
		c.UnixSocketCapacity = pipe.UnixSocketCapacity
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = pipe.DefaultCheckInterval
	}
	if c.RecvTimeout == 0 {
		c.RecvTimeout = sockets.DefaultRecvTimeout
	}
	if c.SelectInterval == 0 {
		c.SelectInterval = time.Millisecond
	}
	if c.UID == 0 {
		c.UID = DefaultUID
	}
	if c.GID == 0 {
		c.GID = DefaultGID
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
