package microvisor

import (
	"context"
	"fmt"
)

// Syscall is the number identifying an emulated system call.
type Syscall int32

const (
	SYS_ACCESS       Syscall = 2
	SYS_UNLINK       Syscall = 4
	SYS_LINK         Syscall = 5
	SYS_RENAME       Syscall = 6
	SYS_XSTAT        Syscall = 9
	SYS_OPEN         Syscall = 10
	SYS_CLOSE        Syscall = 11
	SYS_READ         Syscall = 12
	SYS_WRITE        Syscall = 13
	SYS_LSEEK        Syscall = 14
	SYS_IOCTL        Syscall = 15
	SYS_FXSTAT       Syscall = 17
	SYS_FSTATFS      Syscall = 19
	SYS_MMAP         Syscall = 21
	SYS_MUNMAP       Syscall = 22
	SYS_GETDENTS     Syscall = 23
	SYS_DUP          Syscall = 24
	SYS_DUP2         Syscall = 25
	SYS_STATFS       Syscall = 26
	SYS_FCNTL        Syscall = 28
	SYS_GETPPID      Syscall = 29
	SYS_EXIT         Syscall = 30
	SYS_GETPID       Syscall = 31
	SYS_BIND         Syscall = 33
	SYS_SEND         Syscall = 34
	SYS_SENDTO       Syscall = 35
	SYS_RECV         Syscall = 36
	SYS_RECVFROM     Syscall = 37
	SYS_CONNECT      Syscall = 38
	SYS_LISTEN       Syscall = 39
	SYS_ACCEPT       Syscall = 40
	SYS_GETSOCKOPT   Syscall = 43
	SYS_SETSOCKOPT   Syscall = 44
	SYS_SHUTDOWN     Syscall = 45
	SYS_SELECT       Syscall = 46
	SYS_GETCWD       Syscall = 47
	SYS_POLL         Syscall = 48
	SYS_SOCKETPAIR   Syscall = 49
	SYS_GETUID       Syscall = 50
	SYS_GETEUID      Syscall = 51
	SYS_GETGID       Syscall = 52
	SYS_GETEGID      Syscall = 53
	SYS_FLOCK        Syscall = 54
	SYS_EPOLL_CREATE Syscall = 56
	SYS_EPOLL_CTL    Syscall = 57
	SYS_EPOLL_WAIT   Syscall = 58
	SYS_SHMGET       Syscall = 62
	SYS_SHMAT        Syscall = 63
	SYS_SHMDT        Syscall = 64
	SYS_SHMCTL       Syscall = 65
	SYS_PIPE         Syscall = 66
	SYS_PIPE2        Syscall = 67
	SYS_FORK         Syscall = 68
	SYS_EXEC         Syscall = 69
	SYS_SIGACTION    Syscall = 70
	SYS_KILL         Syscall = 71
	SYS_SIGPROCMASK  Syscall = 72
	SYS_SETITIMER    Syscall = 73
	SYS_GETRLIMIT    Syscall = 74
	SYS_ALARM        Syscall = 75
	SYS_GETHOSTNAME  Syscall = 125
	SYS_PREAD        Syscall = 126
	SYS_PWRITE       Syscall = 127
	SYS_CHDIR        Syscall = 130
	SYS_MKDIR        Syscall = 131
	SYS_RMDIR        Syscall = 132
	SYS_CHMOD        Syscall = 133
	SYS_SOCKET       Syscall = 136
	SYS_GETSOCKNAME  Syscall = 144
	SYS_GETPEERNAME  Syscall = 145
	SYS_GETIFADDRS   Syscall = 146
)

var syscallNames = map[Syscall]string{
	SYS_ACCESS:       "access",
	SYS_UNLINK:       "unlink",
	SYS_LINK:         "link",
	SYS_RENAME:       "rename",
	SYS_XSTAT:        "xstat",
	SYS_OPEN:         "open",
	SYS_CLOSE:        "close",
	SYS_READ:         "read",
	SYS_WRITE:        "write",
	SYS_LSEEK:        "lseek",
	SYS_IOCTL:        "ioctl",
	SYS_FXSTAT:       "fxstat",
	SYS_FSTATFS:      "fstatfs",
	SYS_MMAP:         "mmap",
	SYS_MUNMAP:       "munmap",
	SYS_GETDENTS:     "getdents",
	SYS_DUP:          "dup",
	SYS_DUP2:         "dup2",
	SYS_STATFS:       "statfs",
	SYS_FCNTL:        "fcntl",
	SYS_GETPPID:      "getppid",
	SYS_EXIT:         "exit",
	SYS_GETPID:       "getpid",
	SYS_BIND:         "bind",
	SYS_SEND:         "send",
	SYS_SENDTO:       "sendto",
	SYS_RECV:         "recv",
	SYS_RECVFROM:     "recvfrom",
	SYS_CONNECT:      "connect",
	SYS_LISTEN:       "listen",
	SYS_ACCEPT:       "accept",
	SYS_GETSOCKOPT:   "getsockopt",
	SYS_SETSOCKOPT:   "setsockopt",
	SYS_SHUTDOWN:     "shutdown",
	SYS_SELECT:       "select",
	SYS_GETCWD:       "getcwd",
	SYS_POLL:         "poll",
	SYS_SOCKETPAIR:   "socketpair",
	SYS_GETUID:       "getuid",
	SYS_GETEUID:      "geteuid",
	SYS_GETGID:       "getgid",
	SYS_GETEGID:      "getegid",
	SYS_FLOCK:        "flock",
	SYS_EPOLL_CREATE: "epoll_create",
	SYS_EPOLL_CTL:    "epoll_ctl",
	SYS_EPOLL_WAIT:   "epoll_wait",
	SYS_SHMGET:       "shmget",
	SYS_SHMAT:        "shmat",
	SYS_SHMDT:        "shmdt",
	SYS_SHMCTL:       "shmctl",
	SYS_PIPE:         "pipe",
	SYS_PIPE2:        "pipe2",
	SYS_FORK:         "fork",
	SYS_EXEC:         "exec",
	SYS_SIGACTION:    "sigaction",
	SYS_KILL:         "kill",
	SYS_SIGPROCMASK:  "sigprocmask",
	SYS_SETITIMER:    "setitimer",
	SYS_GETRLIMIT:    "getrlimit",
	SYS_ALARM:        "alarm",
	SYS_GETHOSTNAME:  "gethostname",
	SYS_PREAD:        "pread",
	SYS_PWRITE:       "pwrite",
	SYS_CHDIR:        "chdir",
	SYS_MKDIR:        "mkdir",
	SYS_RMDIR:        "rmdir",
	SYS_CHMOD:        "chmod",
	SYS_SOCKET:       "socket",
	SYS_GETSOCKNAME:  "getsockname",
	SYS_GETPEERNAME:  "getpeername",
	SYS_GETIFADDRS:   "getifaddrs",
}

func (s Syscall) String() string {
	if name, ok := syscallNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Syscall(%d)", int32(s))
}

// Args are the untyped argument slots of a system call.
type Args [6]uint64

// Dispatcher is the entry point of emulated system calls. The result follows
// the kernel convention: negative values are negated error numbers.
type Dispatcher interface {
	Dispatch(ctx context.Context, cageID uint64, call Syscall, args Args) int32
}
