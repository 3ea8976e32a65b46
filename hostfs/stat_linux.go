package hostfs

import (
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

func makeStatData(st *unix.Stat_t) microvisor.StatData {
	return microvisor.StatData{
		Dev:     st.Dev,
		Ino:     st.Ino,
		Mode:    st.Mode,
		Nlink:   uint32(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    st.Rdev,
		Size:    st.Size,
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Atime:   makeTimespec(st.Atim),
		Mtime:   makeTimespec(st.Mtim),
		Ctime:   makeTimespec(st.Ctim),
	}
}

func makeTimespec(ts unix.Timespec) microvisor.Timespec {
	return microvisor.Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}

func makeFSData(st *unix.Statfs_t) microvisor.FSData {
	return microvisor.FSData{
		Type:    uint64(st.Type),
		Bsize:   uint64(st.Bsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Fsid:    uint64(uint32(st.Fsid.Val[0])) | uint64(uint32(st.Fsid.Val[1]))<<32,
		Namelen: uint64(st.Namelen),
		Frsize:  uint64(st.Frsize),
	}
}
