package hostfs

import (
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

// File is a host file opened by FS.
type File struct {
	fd  int
	dir dirbuf
}

var _ microvisor.HostFile = (*File)(nil)

// Fd returns the host descriptor of the file.
func (f *File) Fd() int { return f.fd }

func (f *File) ReadAt(b []byte, offset int64) (int, microvisor.Errno) {
	for {
		n, err := unix.Pread(f.fd, b, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, microvisor.MakeErrno(err)
		}
		return n, microvisor.ESUCCESS
	}
}

func (f *File) WriteAt(b []byte, offset int64) (int, microvisor.Errno) {
	written := 0
	for written < len(b) {
		n, err := unix.Pwrite(f.fd, b[written:], offset+int64(written))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if written > 0 {
				break
			}
			return 0, microvisor.MakeErrno(err)
		}
		written += n
	}
	return written, microvisor.ESUCCESS
}

func (f *File) Stat() (microvisor.StatData, microvisor.Errno) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return microvisor.StatData{}, microvisor.MakeErrno(err)
	}
	return makeStatData(&st), microvisor.ESUCCESS
}

func (f *File) ReadDir() ([]microvisor.Dirent, microvisor.Errno) {
	entries, err := f.dir.readAll(f.fd)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	return entries, microvisor.ESUCCESS
}

func (f *File) Close() microvisor.Errno {
	return microvisor.MakeErrno(unix.Close(f.fd))
}
