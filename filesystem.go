package microvisor

// Filesystem is the metadata store and file backend consulted by cages for
// every path-based system call.
//
// Paths are absolute guest paths, already resolved against the working
// directory of the calling cage and cleaned.
type Filesystem interface {
	Stat(path string) (StatData, Errno)

	Open(path string, flags OpenFlags, mode uint32) (File, Errno)

	Mkdir(path string, mode uint32) Errno

	Unlink(path string) Errno

	Rmdir(path string) Errno

	Rename(oldPath, newPath string) Errno

	Link(oldPath, newPath string) Errno

	Access(path string, mode uint32) Errno

	Chmod(path string, mode uint32) Errno

	Statfs(path string) (FSData, Errno)
}

// File is an open file or directory returned by a Filesystem.
type File interface {
	ReadAt(b []byte, offset int64) (int, Errno)

	WriteAt(b []byte, offset int64) (int, Errno)

	Stat() (StatData, Errno)

	// ReadDir returns the entries of a directory, in a stable order.
	ReadDir() ([]Dirent, Errno)

	Close() Errno
}

// HostFile is implemented by files backed by a host descriptor, which lets
// select pass them to the host readiness primitive.
type HostFile interface {
	File
	Fd() int
}

// OpenFlags are the flags of the open system call.
type OpenFlags int32

const (
	O_RDONLY    OpenFlags = 0o0
	O_WRONLY    OpenFlags = 0o1
	O_RDWR      OpenFlags = 0o2
	O_ACCMODE   OpenFlags = 0o3
	O_CREAT     OpenFlags = 0o100
	O_EXCL      OpenFlags = 0o200
	O_NOCTTY    OpenFlags = 0o400
	O_TRUNC     OpenFlags = 0o1000
	O_APPEND    OpenFlags = 0o2000
	O_NONBLOCK  OpenFlags = 0o4000
	O_DIRECTORY OpenFlags = 0o200000
	O_CLOEXEC   OpenFlags = 0o2000000
)

// Has is true if the flag is set.
func (flags OpenFlags) Has(f OpenFlags) bool {
	return (flags & f) == f
}

// AccessMode returns the read/write access bits of flags.
func (flags OpenFlags) AccessMode() OpenFlags {
	return flags & O_ACCMODE
}

// File mode type bits.
const (
	S_IFMT   = 0o170000
	S_IFSOCK = 0o140000
	S_IFLNK  = 0o120000
	S_IFREG  = 0o100000
	S_IFDIR  = 0o040000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000
)

// StatData is the guest layout of the stat structure filled by stat and
// fstat.
type StatData struct {
	Dev     uint64 `struc:"uint64,little"`
	Ino     uint64 `struc:"uint64,little"`
	Mode    uint32 `struc:"uint32,little"`
	Nlink   uint32 `struc:"uint32,little"`
	UID     uint32 `struc:"uint32,little"`
	GID     uint32 `struc:"uint32,little"`
	Rdev    uint64 `struc:"uint64,little"`
	Size    int64  `struc:"int64,little"`
	Blksize int64  `struc:"int64,little"`
	Blocks  int64  `struc:"int64,little"`
	Atime   Timespec
	Mtime   Timespec
	Ctime   Timespec
}

// IsDir reports whether the mode describes a directory.
func (s StatData) IsDir() bool { return s.Mode&S_IFMT == S_IFDIR }

// Timespec is a time value split in seconds and nanoseconds.
type Timespec struct {
	Sec  int64 `struc:"int64,little"`
	Nsec int64 `struc:"int64,little"`
}

// FSData is the guest layout of the statfs structure.
type FSData struct {
	Type    uint64 `struc:"uint64,little"`
	Bsize   uint64 `struc:"uint64,little"`
	Blocks  uint64 `struc:"uint64,little"`
	Bfree   uint64 `struc:"uint64,little"`
	Bavail  uint64 `struc:"uint64,little"`
	Files   uint64 `struc:"uint64,little"`
	Ffree   uint64 `struc:"uint64,little"`
	Fsid    uint64 `struc:"uint64,little"`
	Namelen uint64 `struc:"uint64,little"`
	Frsize  uint64 `struc:"uint64,little"`
	Spare   [32]byte
}

// Dirent is a directory entry returned by File.ReadDir.
type Dirent struct {
	Ino  uint64
	Type uint8
	Name string
}

// Directory entry types.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
)
