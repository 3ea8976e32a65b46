package microvisor

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Tracer wraps a Dispatcher to log calls.
type Tracer struct {
	Writer io.Writer
	Dispatcher

	mutex sync.Mutex
}

func (t *Tracer) Dispatch(ctx context.Context, cageID uint64, call Syscall, args Args) int32 {
	result := t.Dispatcher.Dispatch(ctx, cageID, call, args)

	// Calls from concurrent guest threads interleave, so each line is
	// formatted at once after the call returns.
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.printf("[%d] %s(", cageID, call)
	for i, arg := range args[:arity(call)] {
		if i > 0 {
			t.printf(", ")
		}
		t.printf("%#x", arg)
	}
	t.printf(") => ")
	if result < 0 {
		t.printErrno(Errno(-result))
	} else {
		t.printf("%d", result)
	}
	t.printf("\n")
	return result
}

func (t *Tracer) printErrno(errno Errno) {
	if name := errno.Name(); name != "" {
		t.printf("%s (%s)", name, errno.Error())
	} else {
		t.printf("errno(%d)", int32(errno))
	}
}

func (t *Tracer) printf(msg string, args ...any) {
	fmt.Fprintf(t.Writer, msg, args...)
}

func arity(call Syscall) int {
	switch call {
	case SYS_GETPPID, SYS_GETPID, SYS_GETUID, SYS_GETEUID, SYS_GETGID, SYS_GETEGID:
		return 0
	case SYS_CLOSE, SYS_DUP, SYS_EXIT, SYS_FORK, SYS_EXEC, SYS_UNLINK, SYS_CHDIR,
		SYS_RMDIR, SYS_PIPE, SYS_EPOLL_CREATE, SYS_ALARM:
		return 1
	case SYS_ACCESS, SYS_LINK, SYS_RENAME, SYS_XSTAT, SYS_FXSTAT, SYS_STATFS,
		SYS_FSTATFS, SYS_DUP2, SYS_LISTEN, SYS_SHUTDOWN, SYS_GETCWD, SYS_FLOCK,
		SYS_PIPE2, SYS_MKDIR, SYS_CHMOD, SYS_KILL, SYS_GETRLIMIT, SYS_GETHOSTNAME:
		return 2
	case SYS_OPEN, SYS_READ, SYS_WRITE, SYS_LSEEK, SYS_IOCTL, SYS_GETDENTS,
		SYS_FCNTL, SYS_BIND, SYS_CONNECT, SYS_ACCEPT, SYS_POLL, SYS_SOCKET,
		SYS_GETSOCKNAME, SYS_GETPEERNAME, SYS_SIGACTION, SYS_SIGPROCMASK,
		SYS_SETITIMER:
		return 3
	case SYS_SEND, SYS_RECV, SYS_SOCKETPAIR, SYS_PREAD, SYS_PWRITE,
		SYS_EPOLL_CTL, SYS_EPOLL_WAIT:
		return 4
	case SYS_SELECT, SYS_GETSOCKOPT, SYS_SETSOCKOPT:
		return 5
	default:
		return len(Args{})
	}
}
