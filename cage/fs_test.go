package cage_test

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
)

func TestWorkingDirectory(t *testing.T) {
	c := newRegistry(t).NewCage()

	if cwd, errno := c.Getcwd(64); errno != microvisor.ESUCCESS || cwd != "/" {
		t.Fatalf("wrong initial working directory: %q (%v)", cwd, errno)
	}
	assertErrno(t, microvisor.ESUCCESS, c.Mkdir("a", 0o755))
	assertErrno(t, microvisor.ESUCCESS, c.Mkdir("/a/b", 0o755))
	assertErrno(t, microvisor.EEXIST, c.Mkdir("a", 0o755))
	assertErrno(t, microvisor.EEXIST, c.Mkdir("/", 0o755))

	assertErrno(t, microvisor.ESUCCESS, c.Chdir("a/b"))
	if cwd, _ := c.Getcwd(64); cwd != "/a/b" {
		t.Errorf("wrong working directory: want=/a/b got=%q", cwd)
	}
	_, errno := c.Getcwd(4)
	assertErrno(t, microvisor.ERANGE, errno)
	_, errno = c.Getcwd(0)
	assertErrno(t, microvisor.EINVAL, errno)

	assertErrno(t, microvisor.ESUCCESS, c.Chdir(".."))
	if cwd, _ := c.Getcwd(64); cwd != "/a" {
		t.Errorf("wrong working directory: want=/a got=%q", cwd)
	}

	child, _ := c.Fork(0)
	if cwd, _ := child.Getcwd(64); cwd != "/a" {
		t.Errorf("working directory not inherited: %q", cwd)
	}

	assertErrno(t, microvisor.EBUSY, c.Rmdir("."))
	assertErrno(t, microvisor.EBUSY, c.Rmdir("/"))
	assertErrno(t, microvisor.ESUCCESS, c.Rmdir("b"))
	assertErrno(t, microvisor.ENOENT, c.Chdir("b"))

	fd, errno := c.Open("file", microvisor.O_CREAT|microvisor.O_WRONLY, 0o644)
	assertErrno(t, microvisor.ESUCCESS, errno)
	c.Close(fd)
	assertErrno(t, microvisor.ENOTDIR, c.Chdir("/a/file"))
	assertErrno(t, microvisor.ENOENT, c.Chdir(""))
	assertErrno(t, microvisor.ENAMETOOLONG, c.Chdir(strings.Repeat("x", cage.PathMax)))
}

func TestFileReadWriteSeek(t *testing.T) {
	ctx := context.Background()
	c := newRegistry(t).NewCage()

	fd, errno := c.Open("/data", microvisor.O_CREAT|microvisor.O_RDWR, 0o644)
	assertErrno(t, microvisor.ESUCCESS, errno)

	if n, errno := c.Write(ctx, fd, []byte("hello world")); errno != microvisor.ESUCCESS || n != 11 {
		t.Fatalf("write: n=%d errno=%v", n, errno)
	}
	if off, errno := c.Lseek(fd, 6, cage.SEEK_SET); errno != microvisor.ESUCCESS || off != 6 {
		t.Fatalf("seek: off=%d errno=%v", off, errno)
	}
	buf := make([]byte, 16)
	if n, _ := c.Read(ctx, fd, buf); string(buf[:n]) != "world" {
		t.Errorf("wrong data: want=world got=%q", buf[:n])
	}
	if n, _ := c.Read(ctx, fd, buf); n != 0 {
		t.Errorf("read past the end of the file: n=%d", n)
	}

	if n, errno := c.Pwrite(fd, []byte("J"), 0); errno != microvisor.ESUCCESS || n != 1 {
		t.Fatalf("pwrite: n=%d errno=%v", n, errno)
	}
	if n, _ := c.Pread(fd, buf[:5], 0); string(buf[:n]) != "Jello" {
		t.Errorf("wrong data: want=Jello got=%q", buf[:n])
	}
	if off, _ := c.Lseek(fd, 0, cage.SEEK_CUR); off != 11 {
		t.Errorf("positional io moved the offset: want=11 got=%d", off)
	}
	if off, _ := c.Lseek(fd, -1, cage.SEEK_END); off != 10 {
		t.Errorf("wrong offset from the end: want=10 got=%d", off)
	}
	_, errno = c.Lseek(fd, -20, cage.SEEK_CUR)
	assertErrno(t, microvisor.EINVAL, errno)
	_, errno = c.Pread(fd, buf, -1)
	assertErrno(t, microvisor.EINVAL, errno)

	st, errno := c.Fstat(fd)
	assertErrno(t, microvisor.ESUCCESS, errno)
	if st.Size != 11 || st.Mode&microvisor.S_IFMT != microvisor.S_IFREG {
		t.Errorf("wrong file metadata: size=%d mode=%o", st.Size, st.Mode)
	}
	if st2, _ := c.Stat("data"); st2.Ino != st.Ino {
		t.Errorf("stat and fstat disagree: %d != %d", st2.Ino, st.Ino)
	}
	assertErrno(t, microvisor.ESUCCESS, c.Close(fd))

	fd, errno = c.Open("/data", microvisor.O_WRONLY|microvisor.O_APPEND, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	c.Write(ctx, fd, []byte("!"))
	_, errno = c.Read(ctx, fd, buf)
	assertErrno(t, microvisor.EBADF, errno)
	c.Close(fd)

	fd, _ = c.Open("/data", microvisor.O_RDONLY, 0)
	if n, _ := c.Read(ctx, fd, buf); string(buf[:n]) != "Jello world!" {
		t.Errorf("wrong data after append: %q", buf[:n])
	}
	_, errno = c.Write(ctx, fd, []byte("x"))
	assertErrno(t, microvisor.EBADF, errno)
}

func TestOpenErrors(t *testing.T) {
	c := newRegistry(t).NewCage()

	_, errno := c.Open("/missing", microvisor.O_RDONLY, 0)
	assertErrno(t, microvisor.ENOENT, errno)

	fd, errno := c.Open("/f", microvisor.O_CREAT|microvisor.O_EXCL|microvisor.O_WRONLY, 0o600)
	assertErrno(t, microvisor.ESUCCESS, errno)
	c.Close(fd)
	_, errno = c.Open("/f", microvisor.O_CREAT|microvisor.O_EXCL|microvisor.O_WRONLY, 0o600)
	assertErrno(t, microvisor.EEXIST, errno)
	_, errno = c.Open("/f", microvisor.O_RDONLY|microvisor.O_DIRECTORY, 0)
	assertErrno(t, microvisor.ENOTDIR, errno)

	c.Mkdir("/d", 0o755)
	_, errno = c.Open("/d", microvisor.O_WRONLY, 0)
	assertErrno(t, microvisor.EISDIR, errno)

	fd, errno = c.Open("/d", microvisor.O_RDONLY|microvisor.O_DIRECTORY, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)
	_, errno = c.Read(context.Background(), fd, make([]byte, 1))
	assertErrno(t, microvisor.EISDIR, errno)
}

func TestLinkRenameUnlink(t *testing.T) {
	c := newRegistry(t).NewCage()

	fd, _ := c.Open("/a", microvisor.O_CREAT|microvisor.O_WRONLY, 0o644)
	c.Close(fd)

	assertErrno(t, microvisor.ESUCCESS, c.Link("/a", "/b"))
	if st, _ := c.Stat("/a"); st.Nlink != 2 {
		t.Errorf("wrong link count: want=2 got=%d", st.Nlink)
	}
	assertErrno(t, microvisor.ESUCCESS, c.Rename("/b", "/c"))
	assertErrno(t, microvisor.ENOENT, c.Access("/b", 0))
	assertErrno(t, microvisor.ESUCCESS, c.Access("/c", 0))
	assertErrno(t, microvisor.EBUSY, c.Rename("/", "/x"))

	assertErrno(t, microvisor.ESUCCESS, c.Chmod("/c", 0o600))
	if st, _ := c.Stat("/a"); st.Mode&0o777 != 0o600 {
		t.Errorf("wrong permissions: want=600 got=%o", st.Mode&0o777)
	}
	assertErrno(t, microvisor.ESUCCESS, c.Unlink("/a"))
	assertErrno(t, microvisor.ESUCCESS, c.Unlink("/c"))
	assertErrno(t, microvisor.ENOENT, c.Unlink("/c"))
}

func TestGetdents(t *testing.T) {
	c := newRegistry(t).NewCage()

	c.Mkdir("/dir", 0o755)
	c.Mkdir("/dir/sub", 0o755)
	for _, name := range []string{"one", "two"} {
		fd, _ := c.Open("/dir/"+name, microvisor.O_CREAT|microvisor.O_WRONLY, 0o644)
		c.Close(fd)
	}

	fd, errno := c.Open("/dir", microvisor.O_RDONLY|microvisor.O_DIRECTORY, 0)
	assertErrno(t, microvisor.ESUCCESS, errno)

	_, errno = c.Getdents(fd, 8)
	assertErrno(t, microvisor.EINVAL, errno)

	type dirent struct {
		Name string
		Type uint8
	}
	var entries []dirent
	for {
		// Small buffers force the listing across several calls.
		b, errno := c.Getdents(fd, 64)
		assertErrno(t, microvisor.ESUCCESS, errno)
		if len(b) == 0 {
			break
		}
		for len(b) > 0 {
			reclen := int(binary.LittleEndian.Uint16(b[16:]))
			if reclen%8 != 0 {
				t.Fatalf("record length not aligned: %d", reclen)
			}
			name := b[19:reclen]
			name = name[:strings.IndexByte(string(name), 0)]
			entries = append(entries, dirent{Name: string(name), Type: b[18]})
			b = b[reclen:]
		}
	}

	want := []dirent{
		{Name: ".", Type: microvisor.DT_DIR},
		{Name: "..", Type: microvisor.DT_DIR},
		{Name: "one", Type: microvisor.DT_REG},
		{Name: "sub", Type: microvisor.DT_DIR},
		{Name: "two", Type: microvisor.DT_REG},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Error(diff)
	}

	// Rewinding restarts the listing.
	c.Lseek(fd, 0, cage.SEEK_SET)
	if b, _ := c.Getdents(fd, 4096); len(b) == 0 {
		t.Error("no entries after rewinding the directory")
	}

	file, _ := c.Open("/dir/one", microvisor.O_RDONLY, 0)
	_, errno = c.Getdents(file, 4096)
	assertErrno(t, microvisor.ENOTDIR, errno)
}

func TestPipeMetadata(t *testing.T) {
	c := newRegistry(t).NewCage()
	fds, _ := c.Pipe()

	st, errno := c.Fstat(fds[0])
	assertErrno(t, microvisor.ESUCCESS, errno)
	if st.Mode&microvisor.S_IFMT != microvisor.S_IFIFO {
		t.Errorf("pipe is not reported as a fifo: mode=%o", st.Mode)
	}
	if fs, _ := c.Fstatfs(fds[1]); fs.Type != cage.PIPEFS_MAGIC {
		t.Errorf("wrong file system type: want=%#x got=%#x", cage.PIPEFS_MAGIC, fs.Type)
	}
	_, errno = c.Lseek(fds[0], 0, cage.SEEK_SET)
	assertErrno(t, microvisor.ESPIPE, errno)
	_, errno = c.Pread(fds[0], make([]byte, 1), 0)
	assertErrno(t, microvisor.ESPIPE, errno)
}
