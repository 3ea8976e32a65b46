package microvisor

import (
	"context"
	"errors"
	"syscall"
)

// MakeErrno converts a Go error returned by the host into an Errno.
//
// Host error numbers are passed through unchanged since both sides use the
// Linux numbering. Errors that do not carry an error number are mapped to
// EIO, except cancellations and timeouts which have dedicated codes.
func MakeErrno(err error) Errno {
	if err == nil {
		return ESUCCESS
	}
	if err == syscall.EAGAIN {
		return EAGAIN
	}
	return makeErrnoSlow(err)
}

func makeErrnoSlow(err error) Errno {
	switch {
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	var sysErrno syscall.Errno
	if errors.As(err, &sysErrno) {
		return Errno(sysErrno)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		if timeout.Timeout() {
			return ETIMEDOUT
		}
	}
	return EIO
}
