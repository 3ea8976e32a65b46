package hostfs

import (
	"bytes"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

const sizeOfDirent = 19

type dirent struct {
	ino    uint64
	off    int64
	reclen uint16
	typ    uint8
}

const maxNameLen = 1024
const bufferSize = 4 * maxNameLen // must be greater than sizeOfDirent

type dirbuf struct {
	buffer *[bufferSize]byte
}

// readAll returns every entry of the directory open at fd, sorted by name
// so that successive calls list the entries in the same order.
func (d *dirbuf) readAll(fd int) ([]microvisor.Dirent, error) {
	if d.buffer == nil {
		d.buffer = new([bufferSize]byte)
	}
	if _, err := unix.Seek(fd, 0, unix.SEEK_SET); err != nil {
		return nil, err
	}

	var entries []microvisor.Dirent
	for {
		n, err := unix.Getdents(fd, d.buffer[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		for offset := 0; offset+sizeOfDirent <= n; {
			dirent := (*dirent)(unsafe.Pointer(&d.buffer[offset]))
			if dirent.reclen == 0 || offset+int(dirent.reclen) > n {
				break
			}
			if dirent.ino != 0 {
				i := offset + sizeOfDirent
				j := offset + int(dirent.reclen)
				name := d.buffer[i:j]
				if k := bytes.IndexByte(name, 0); k >= 0 {
					name = name[:k]
				}
				entries = append(entries, microvisor.Dirent{
					Ino:  dirent.ino,
					Type: direntType(dirent.typ),
					Name: string(name),
				})
			}
			offset += int(dirent.reclen)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func direntType(typ uint8) uint8 {
	switch typ {
	case unix.DT_DIR:
		return microvisor.DT_DIR
	case unix.DT_REG:
		return microvisor.DT_REG
	case unix.DT_LNK:
		return microvisor.DT_LNK
	case unix.DT_FIFO:
		return microvisor.DT_FIFO
	case unix.DT_CHR:
		return microvisor.DT_CHR
	case unix.DT_SOCK:
		return microvisor.DT_SOCK
	default:
		return microvisor.DT_UNKNOWN
	}
}
