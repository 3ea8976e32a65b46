package cage

import (
	"bytes"
	"context"
	"path"

	"github.com/lunixbochs/struc"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/pipe"
)

// PathMax is the longest path accepted by path-based system calls.
const PathMax = 4096

// Whence values of lseek.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Magic numbers reported by fstatfs for descriptors which are not files.
const (
	PIPEFS_MAGIC = 0x50495045
	SOCKFS_MAGIC = 0x534f434b
)

// resolve returns the absolute, cleaned form of p relative to the working
// directory of the cage.
func (c *Cage) resolve(p string) (string, microvisor.Errno) {
	if p == "" {
		return "", microvisor.ENOENT
	}
	if len(p) >= PathMax {
		return "", microvisor.ENAMETOOLONG
	}
	if !path.IsAbs(p) {
		c.cwdMutex.RLock()
		p = path.Join(c.cwd, p)
		c.cwdMutex.RUnlock()
	}
	return path.Clean(p), microvisor.ESUCCESS
}

func (c *Cage) fs() microvisor.Filesystem { return c.registry.config.Filesystem }

// Open opens the file at p and returns the lowest free descriptor referring
// to it.
func (c *Cage) Open(p string, flags microvisor.OpenFlags, mode uint32) (int32, microvisor.Errno) {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	if flags.AccessMode() == microvisor.O_ACCMODE {
		return -1, microvisor.EINVAL
	}

	fsys := c.fs()
	st, errno := fsys.Stat(p)
	switch errno {
	case microvisor.ESUCCESS:
		if flags.Has(microvisor.O_CREAT | microvisor.O_EXCL) {
			return -1, microvisor.EEXIST
		}
		if st.IsDir() && flags.AccessMode() != microvisor.O_RDONLY {
			return -1, microvisor.EISDIR
		}
		if !st.IsDir() && flags.Has(microvisor.O_DIRECTORY) {
			return -1, microvisor.ENOTDIR
		}
	case microvisor.ENOENT:
		if !flags.Has(microvisor.O_CREAT) {
			return -1, microvisor.ENOENT
		}
	default:
		return -1, errno
	}

	file, errno := fsys.Open(p, flags&^(microvisor.O_CLOEXEC|microvisor.O_NONBLOCK), mode)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	if st.Mode == 0 {
		st, errno = file.Stat()
		if errno != microvisor.ESUCCESS {
			file.Close()
			return -1, errno
		}
	}

	f := &fileDescription{path: p, dir: st.IsDir(), file: file}
	f.init(flags &^ (microvisor.O_CREAT | microvisor.O_EXCL | microvisor.O_TRUNC | microvisor.O_CLOEXEC))
	fd, errno := c.insert(f, flags.Has(microvisor.O_CLOEXEC))
	if errno != microvisor.ESUCCESS {
		f.release()
	}
	return fd, errno
}

// blocking repeats f while it reports EAGAIN at a cancellation checkpoint,
// until ctx is done or the cage is canceled.
func (c *Cage) blocking(ctx context.Context, op string, f func(context.Context) (int, microvisor.Errno)) (int, microvisor.Errno) {
	ctx, cancel := c.context(ctx)
	defer cancel()
	for {
		n, errno := f(ctx)
		if errno != microvisor.EAGAIN {
			return n, errno
		}
		if ctx.Err() != nil {
			c.slow.Debugf("%s interrupted at cancellation checkpoint", op)
			return n, microvisor.EAGAIN
		}
	}
}

// Read reads from fd into b. Reads of pipes and sockets block unless the
// description is non-blocking; a blocked read which is interrupted returns
// EAGAIN.
func (c *Cage) Read(ctx context.Context, fd int32, b []byte) (int, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(e.desc)
	switch d := e.desc.(type) {
	case *fileDescription:
		if d.dir {
			return -1, microvisor.EISDIR
		}
		if d.statusFlags().AccessMode() == microvisor.O_WRONLY {
			return -1, microvisor.EBADF
		}
		d.mutex.Lock()
		defer d.mutex.Unlock()
		n, errno := d.file.ReadAt(b, d.offset)
		if n > 0 {
			d.offset += int64(n)
		}
		return n, errno

	case *pipeDescription:
		if d.end != pipe.ReadEnd {
			return -1, microvisor.EBADF
		}
		nonblock := d.nonblock()
		return c.blocking(ctx, "pipe read", func(ctx context.Context) (int, microvisor.Errno) {
			return d.pipe.Read(ctx, b, nonblock)
		})

	case *socketDescription:
		return c.recv(ctx, d, b, 0)

	default:
		return -1, microvisor.EINVAL
	}
}

// Write writes b to fd. Writes to pipes and sockets block until all of b
// was written unless the description is non-blocking.
func (c *Cage) Write(ctx context.Context, fd int32, b []byte) (int, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(e.desc)
	switch d := e.desc.(type) {
	case *fileDescription:
		if d.dir {
			return -1, microvisor.EISDIR
		}
		if d.statusFlags().AccessMode() == microvisor.O_RDONLY {
			return -1, microvisor.EBADF
		}
		d.mutex.Lock()
		defer d.mutex.Unlock()
		if d.statusFlags().Has(microvisor.O_APPEND) {
			st, errno := d.file.Stat()
			if errno != microvisor.ESUCCESS {
				return -1, errno
			}
			d.offset = st.Size
		}
		n, errno := d.file.WriteAt(b, d.offset)
		if n > 0 {
			d.offset += int64(n)
		}
		return n, errno

	case *pipeDescription:
		if d.end != pipe.WriteEnd {
			return -1, microvisor.EBADF
		}
		ctx, cancel := c.context(ctx)
		defer cancel()
		return d.pipe.Write(ctx, b, d.nonblock())

	case *socketDescription:
		return c.send(ctx, d, b, 0)

	default:
		return -1, microvisor.EINVAL
	}
}

func (c *Cage) file(fd int32) (*fileDescription, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	f, ok := e.desc.(*fileDescription)
	if !ok {
		c.put(e.desc)
		return nil, microvisor.ESPIPE
	}
	return f, microvisor.ESUCCESS
}

// Pread reads from the file open at fd at the given offset, without moving
// the file offset.
func (c *Cage) Pread(fd int32, b []byte, offset int64) (int, microvisor.Errno) {
	if offset < 0 {
		return -1, microvisor.EINVAL
	}
	f, errno := c.file(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(f)
	if f.dir {
		return -1, microvisor.EISDIR
	}
	if f.statusFlags().AccessMode() == microvisor.O_WRONLY {
		return -1, microvisor.EBADF
	}
	return f.file.ReadAt(b, offset)
}

// Pwrite writes to the file open at fd at the given offset, without moving
// the file offset.
func (c *Cage) Pwrite(fd int32, b []byte, offset int64) (int, microvisor.Errno) {
	if offset < 0 {
		return -1, microvisor.EINVAL
	}
	f, errno := c.file(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(f)
	if f.dir {
		return -1, microvisor.EISDIR
	}
	if f.statusFlags().AccessMode() == microvisor.O_RDONLY {
		return -1, microvisor.EBADF
	}
	return f.file.WriteAt(b, offset)
}

// Lseek moves the offset of the file open at fd. The offset of a directory
// counts the entries already returned by getdents.
func (c *Cage) Lseek(fd int32, offset int64, whence int32) (int64, microvisor.Errno) {
	f, errno := c.file(fd)
	if errno != microvisor.ESUCCESS {
		return -1, errno
	}
	defer c.put(f)
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var base int64
	switch whence {
	case SEEK_SET:
	case SEEK_CUR:
		base = f.offset
	case SEEK_END:
		if f.dir {
			return -1, microvisor.EINVAL
		}
		st, errno := f.file.Stat()
		if errno != microvisor.ESUCCESS {
			return -1, errno
		}
		base = st.Size
	default:
		return -1, microvisor.EINVAL
	}
	if base+offset < 0 {
		return -1, microvisor.EINVAL
	}
	f.offset = base + offset
	return f.offset, microvisor.ESUCCESS
}

// Stat returns the metadata of the file at p.
func (c *Cage) Stat(p string) (microvisor.StatData, microvisor.Errno) {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return microvisor.StatData{}, errno
	}
	return c.fs().Stat(p)
}

// Fstat returns the metadata of the resource open at fd. Pipes, sockets and
// epoll instances report synthesized metadata.
func (c *Cage) Fstat(fd int32) (microvisor.StatData, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return microvisor.StatData{}, errno
	}
	defer c.put(e.desc)
	st := microvisor.StatData{
		Nlink:   1,
		UID:     c.registry.config.UID,
		GID:     c.registry.config.GID,
		Blksize: pipe.PageSize,
	}
	switch d := e.desc.(type) {
	case *fileDescription:
		return d.file.Stat()
	case *pipeDescription:
		st.Mode = microvisor.S_IFIFO | 0o600
	case *socketDescription:
		st.Mode = microvisor.S_IFSOCK | 0o777
	default:
		st.Mode = 0o600
	}
	return st, microvisor.ESUCCESS
}

// Statfs returns the metadata of the file system holding the file at p.
func (c *Cage) Statfs(p string) (microvisor.FSData, microvisor.Errno) {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return microvisor.FSData{}, errno
	}
	return c.fs().Statfs(p)
}

// Fstatfs returns the metadata of the file system holding the resource open
// at fd.
func (c *Cage) Fstatfs(fd int32) (microvisor.FSData, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return microvisor.FSData{}, errno
	}
	defer c.put(e.desc)
	fs := microvisor.FSData{Bsize: pipe.PageSize, Namelen: 255, Frsize: pipe.PageSize}
	switch d := e.desc.(type) {
	case *fileDescription:
		return c.fs().Statfs(d.path)
	case *socketDescription:
		fs.Type = SOCKFS_MAGIC
	default:
		fs.Type = PIPEFS_MAGIC
	}
	return fs, microvisor.ESUCCESS
}

// Access checks the accessibility of the file at p.
func (c *Cage) Access(p string, mode uint32) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	return c.fs().Access(p, mode)
}

// Mkdir creates a directory.
func (c *Cage) Mkdir(p string, mode uint32) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	if p == "/" {
		return microvisor.EEXIST
	}
	return c.fs().Mkdir(p, mode)
}

// Rmdir removes an empty directory. The root and the working directory of
// the cage cannot be removed.
func (c *Cage) Rmdir(p string) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	c.cwdMutex.RLock()
	cwd := c.cwd
	c.cwdMutex.RUnlock()
	if p == "/" || p == cwd {
		return microvisor.EBUSY
	}
	return c.fs().Rmdir(p)
}

// Unlink removes a name of a file.
func (c *Cage) Unlink(p string) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	return c.fs().Unlink(p)
}

// Link creates newPath as a new name of the file at oldPath.
func (c *Cage) Link(oldPath, newPath string) microvisor.Errno {
	oldPath, errno := c.resolve(oldPath)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	newPath, errno = c.resolve(newPath)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	return c.fs().Link(oldPath, newPath)
}

// Rename moves the file at oldPath to newPath.
func (c *Cage) Rename(oldPath, newPath string) microvisor.Errno {
	oldPath, errno := c.resolve(oldPath)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	newPath, errno = c.resolve(newPath)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	if oldPath == "/" || newPath == "/" {
		return microvisor.EBUSY
	}
	return c.fs().Rename(oldPath, newPath)
}

// Chmod changes the permission bits of the file at p.
func (c *Cage) Chmod(p string, mode uint32) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	return c.fs().Chmod(p, mode&0o7777)
}

// Chdir changes the working directory of the cage.
func (c *Cage) Chdir(p string) microvisor.Errno {
	p, errno := c.resolve(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	st, errno := c.fs().Stat(p)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	if !st.IsDir() {
		return microvisor.ENOTDIR
	}
	c.cwdMutex.Lock()
	c.cwd = p
	c.cwdMutex.Unlock()
	return microvisor.ESUCCESS
}

// Getcwd returns the working directory, which must fit with its null
// terminator in size bytes.
func (c *Cage) Getcwd(size int) (string, microvisor.Errno) {
	c.cwdMutex.RLock()
	cwd := c.cwd
	c.cwdMutex.RUnlock()
	if size <= 0 {
		return "", microvisor.EINVAL
	}
	if len(cwd)+1 > size {
		return "", microvisor.ERANGE
	}
	return cwd, microvisor.ESUCCESS
}

// direntHeader is the fixed part of struct linux_dirent64.
type direntHeader struct {
	Ino    uint64 `struc:"uint64,little"`
	Off    int64  `struc:"int64,little"`
	Reclen uint16 `struc:"uint16,little"`
	Type   uint8  `struc:"uint8"`
}

const sizeofDirentHeader = 19

// Getdents returns the next entries of the directory open at fd, encoded as
// linux_dirent64 records filling at most size bytes. An empty result means
// the end of the directory was reached.
func (c *Cage) Getdents(fd int32, size int) ([]byte, microvisor.Errno) {
	e, errno := c.lookup(fd)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	defer c.put(e.desc)
	d, ok := e.desc.(*fileDescription)
	if !ok || !d.dir {
		return nil, microvisor.ENOTDIR
	}
	entries, errno := d.file.ReadDir()
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf := new(bytes.Buffer)
	next := d.offset
	for ; next < int64(len(entries)); next++ {
		ent := entries[next]
		reclen := (sizeofDirentHeader + len(ent.Name) + 1 + 7) &^ 7
		if buf.Len()+reclen > size {
			break
		}
		hdr := &direntHeader{
			Ino:    ent.Ino,
			Off:    next + 1,
			Reclen: uint16(reclen),
			Type:   ent.Type,
		}
		if err := struc.Pack(buf, hdr); err != nil {
			return nil, microvisor.EIO
		}
		buf.WriteString(ent.Name)
		buf.Write(make([]byte, reclen-sizeofDirentHeader-len(ent.Name)))
	}
	if next < int64(len(entries)) && buf.Len() == 0 {
		return nil, microvisor.EINVAL
	}
	d.offset = next
	return buf.Bytes(), microvisor.ESUCCESS
}
