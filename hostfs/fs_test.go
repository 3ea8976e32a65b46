package hostfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/hostfs"
)

func openFS(t *testing.T) (*hostfs.FS, string) {
	t.Helper()
	root := t.TempDir()
	fsys, err := hostfs.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys, root
}

func TestFileReadWrite(t *testing.T) {
	fsys, root := openFS(t)

	f, errno := fsys.Open("/hello", microvisor.O_CREAT|microvisor.O_RDWR, 0o644)
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	defer f.Close()

	if n, errno := f.WriteAt([]byte("hello world"), 0); errno != microvisor.ESUCCESS || n != 11 {
		t.Fatalf("write: n=%d errno=%v", n, errno)
	}
	buf := make([]byte, 5)
	if n, errno := f.ReadAt(buf, 6); errno != microvisor.ESUCCESS || string(buf[:n]) != "world" {
		t.Errorf("wrong read: want=world got=%q (%v)", buf[:n], errno)
	}
	if n, errno := f.ReadAt(buf, 11); errno != microvisor.ESUCCESS || n != 0 {
		t.Errorf("read past the end: n=%d errno=%v", n, errno)
	}

	st, errno := f.Stat()
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if st.Size != 11 || st.Mode&microvisor.S_IFMT != microvisor.S_IFREG {
		t.Errorf("wrong file metadata: size=%d mode=%o", st.Size, st.Mode)
	}

	b, err := os.ReadFile(filepath.Join(root, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello world" {
		t.Errorf("wrong host file content: %q", b)
	}

	if _, ok := f.(microvisor.HostFile); !ok {
		t.Error("host files do not expose their descriptor")
	}
}

func TestDirectories(t *testing.T) {
	fsys, _ := openFS(t)

	if errno := fsys.Mkdir("/dir", 0o755); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if errno := fsys.Mkdir("/dir", 0o755); errno != microvisor.EEXIST {
		t.Errorf("wrong error creating an existing directory: want=EEXIST got=%v", errno)
	}
	for _, name := range []string{"/dir/b", "/dir/a"} {
		f, errno := fsys.Open(name, microvisor.O_CREAT|microvisor.O_WRONLY, 0o600)
		if errno != microvisor.ESUCCESS {
			t.Fatal(errno)
		}
		f.Close()
	}
	if errno := fsys.Mkdir("/dir/c", 0o755); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}

	d, errno := fsys.Open("/dir", microvisor.O_RDONLY|microvisor.O_DIRECTORY, 0)
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	defer d.Close()

	entries, errno := d.ReadDir()
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	type entry struct {
		Name string
		Type uint8
	}
	var got []entry
	for _, e := range entries {
		got = append(got, entry{e.Name, e.Type})
	}
	want := []entry{
		{".", microvisor.DT_DIR},
		{"..", microvisor.DT_DIR},
		{"a", microvisor.DT_REG},
		{"b", microvisor.DT_REG},
		{"c", microvisor.DT_DIR},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong directory entries (-want +got):\n%s", diff)
	}

	if errno := fsys.Rmdir("/dir"); errno != microvisor.ENOTEMPTY {
		t.Errorf("wrong error removing a non-empty directory: want=ENOTEMPTY got=%v", errno)
	}
	if errno := fsys.Rename("/dir/a", "/dir/c/a"); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if _, errno := fsys.Stat("/dir/c/a"); errno != microvisor.ESUCCESS {
		t.Errorf("renamed file not found: %v", errno)
	}
	if errno := fsys.Link("/dir/b", "/dir/b2"); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if st, _ := fsys.Stat("/dir/b"); st.Nlink != 2 {
		t.Errorf("wrong link count: want=2 got=%d", st.Nlink)
	}
	for _, name := range []string{"/dir/b", "/dir/b2", "/dir/c/a"} {
		if errno := fsys.Unlink(name); errno != microvisor.ESUCCESS {
			t.Fatal(errno)
		}
	}
	if errno := fsys.Rmdir("/dir/c"); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if errno := fsys.Rmdir("/dir"); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if _, errno := fsys.Stat("/dir"); errno != microvisor.ENOENT {
		t.Errorf("wrong error for a removed directory: want=ENOENT got=%v", errno)
	}
}

func TestChmodAccess(t *testing.T) {
	fsys, _ := openFS(t)

	f, errno := fsys.Open("/file", microvisor.O_CREAT|microvisor.O_WRONLY, 0o644)
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	f.Close()

	if errno := fsys.Chmod("/file", 0o600); errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	st, errno := fsys.Stat("/file")
	if errno != microvisor.ESUCCESS {
		t.Fatal(errno)
	}
	if perm := st.Mode & 0o777; perm != 0o600 {
		t.Errorf("wrong permissions: want=600 got=%o", perm)
	}
	if errno := fsys.Access("/file", 0); errno != microvisor.ESUCCESS {
		t.Errorf("existing file not accessible: %v", errno)
	}
	if errno := fsys.Access("/missing", 0); errno != microvisor.ENOENT {
		t.Errorf("wrong error for a missing file: want=ENOENT got=%v", errno)
	}
}

func TestPathsStayBeneathRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fsys, err := hostfs.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer fsys.Close()

	if _, errno := fsys.Stat("/../secret"); errno != microvisor.ENOENT {
		t.Errorf("path escaped the root: want=ENOENT got=%v", errno)
	}
	if _, errno := fsys.Open("../../secret", microvisor.O_RDONLY, 0); errno != microvisor.ENOENT {
		t.Errorf("path escaped the root: want=ENOENT got=%v", errno)
	}
	st, errno := fsys.Stat("/")
	if errno != microvisor.ESUCCESS || !st.IsDir() {
		t.Errorf("root is not a directory: mode=%o errno=%v", st.Mode, errno)
	}
	if _, errno := fsys.Statfs("/"); errno != microvisor.ESUCCESS {
		t.Errorf("statfs of the root failed: %v", errno)
	}
}

func TestOpenMissingRoot(t *testing.T) {
	if _, err := hostfs.Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("opening a missing root succeeded")
	}
}
