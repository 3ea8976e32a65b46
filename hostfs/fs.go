// Package hostfs implements the Filesystem consulted by cages on top of a
// directory of the host.
//
// Guest paths are resolved beneath the root directory: every operation is
// issued relative to a descriptor of the root, and ".." components never
// climb above it.
package hostfs

import (
	"path"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

// FS is a Filesystem rooted in a host directory.
type FS struct {
	root   string
	rootfd int
}

var _ microvisor.Filesystem = (*FS)(nil)

// Open opens the host directory at root.
func Open(root string) (*FS, error) {
	fd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening guest root %q", root)
	}
	return &FS{root: root, rootfd: fd}, nil
}

// Root returns the host path of the root directory.
func (fsys *FS) Root() string { return fsys.root }

// Close releases the descriptor of the root directory.
func (fsys *FS) Close() error {
	return errors.Wrap(unix.Close(fsys.rootfd), "closing guest root")
}

// rel turns a guest path into a path relative to the root descriptor.
func rel(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "."
	}
	return p[1:]
}

func (fsys *FS) Stat(p string) (microvisor.StatData, microvisor.Errno) {
	var st unix.Stat_t
	if err := unix.Fstatat(fsys.rootfd, rel(p), &st, 0); err != nil {
		return microvisor.StatData{}, microvisor.MakeErrno(err)
	}
	return makeStatData(&st), microvisor.ESUCCESS
}

func (fsys *FS) Open(p string, flags microvisor.OpenFlags, mode uint32) (microvisor.File, microvisor.Errno) {
	fd, err := openat(fsys.rootfd, rel(p), int(flags)|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, microvisor.MakeErrno(err)
	}
	return &File{fd: fd}, microvisor.ESUCCESS
}

func (fsys *FS) Mkdir(p string, mode uint32) microvisor.Errno {
	return microvisor.MakeErrno(unix.Mkdirat(fsys.rootfd, rel(p), mode))
}

func (fsys *FS) Unlink(p string) microvisor.Errno {
	return microvisor.MakeErrno(unix.Unlinkat(fsys.rootfd, rel(p), 0))
}

func (fsys *FS) Rmdir(p string) microvisor.Errno {
	return microvisor.MakeErrno(unix.Unlinkat(fsys.rootfd, rel(p), unix.AT_REMOVEDIR))
}

func (fsys *FS) Rename(oldPath, newPath string) microvisor.Errno {
	return microvisor.MakeErrno(unix.Renameat(fsys.rootfd, rel(oldPath), fsys.rootfd, rel(newPath)))
}

func (fsys *FS) Link(oldPath, newPath string) microvisor.Errno {
	return microvisor.MakeErrno(unix.Linkat(fsys.rootfd, rel(oldPath), fsys.rootfd, rel(newPath), 0))
}

func (fsys *FS) Access(p string, mode uint32) microvisor.Errno {
	return microvisor.MakeErrno(unix.Faccessat(fsys.rootfd, rel(p), mode, 0))
}

func (fsys *FS) Chmod(p string, mode uint32) microvisor.Errno {
	return microvisor.MakeErrno(unix.Fchmodat(fsys.rootfd, rel(p), mode, 0))
}

func (fsys *FS) Statfs(p string) (microvisor.FSData, microvisor.Errno) {
	fd, err := openat(fsys.rootfd, rel(p), unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return microvisor.FSData{}, microvisor.MakeErrno(err)
	}
	defer unix.Close(fd)
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return microvisor.FSData{}, microvisor.MakeErrno(err)
	}
	return makeFSData(&st), microvisor.ESUCCESS
}

// openat opens path beneath dirfd, refusing to resolve symbolic links or
// ".." components out of it. Kernels without openat2 fall back to a plain
// openat.
func openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	how := &unix.OpenHow{
		Flags:   uint64(flags),
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	if flags&(unix.O_CREAT|unix.O_TMPFILE) != 0 {
		how.Mode = uint64(mode)
	}
	for {
		fd, err := unix.Openat2(dirfd, path, how)
		switch err {
		case nil:
			return fd, nil
		case unix.EINTR:
			continue
		case unix.ENOSYS:
			return unix.Openat(dirfd, path, flags, mode)
		default:
			return -1, err
		}
	}
}
