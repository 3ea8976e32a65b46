package dispatch

import (
	"github.com/stealthrocket/microvisor"
)

// decoder extracts typed arguments of a system call. The first extraction
// failure is recorded and turns the following extractions into no-ops, so a
// handler can decode all its arguments before checking for errors once.
type decoder struct {
	mem   Memory
	args  microvisor.Args
	errno microvisor.Errno
}

func (d *decoder) fail(errno microvisor.Errno) {
	if d.errno == microvisor.ESUCCESS {
		d.errno = errno
	}
}

func (d *decoder) int32(i int) int32 {
	v, errno := Int32(d.args[i])
	d.fail(errno)
	return v
}

func (d *decoder) uint32(i int) uint32 {
	v, errno := Uint32(d.args[i])
	d.fail(errno)
	return v
}

func (d *decoder) int64(i int) int64 { return Int64(d.args[i]) }

func (d *decoder) uint64(i int) uint64 { return Uint64(d.args[i]) }

// isNull reports whether the pointer in slot i is null, for the arguments
// which are optional.
func (d *decoder) isNull(i int) bool { return d.args[i] == 0 }

func (d *decoder) cstring(i int) string {
	if d.errno != microvisor.ESUCCESS {
		return ""
	}
	s, errno := CString(d.mem, d.args[i])
	d.fail(errno)
	return s
}

// bytes returns the buffer at the pointer of slot i, with the length held
// in slot n.
func (d *decoder) bytes(i, n int) []byte {
	size := d.uint32(n)
	if d.errno != microvisor.ESUCCESS {
		return nil
	}
	b, errno := Bytes(d.mem, d.args[i], size)
	d.fail(errno)
	return b
}

func (d *decoder) load(i int, v any) {
	if d.errno == microvisor.ESUCCESS {
		d.fail(Load(d.mem, d.args[i], v))
	}
}

func (d *decoder) sockaddr(i, n int) microvisor.GenSockaddr {
	b := d.bytes(i, n)
	if d.errno != microvisor.ESUCCESS {
		return nil
	}
	addr, err := microvisor.UnmarshalSockaddr(b)
	if err != nil {
		if errno, ok := err.(microvisor.Errno); ok {
			d.fail(errno)
		} else {
			d.fail(microvisor.EINVAL)
		}
		return nil
	}
	return addr
}

func (d *decoder) store(i int, v any) microvisor.Errno {
	return Store(d.mem, d.args[i], v)
}

func (d *decoder) storeUint32(i int, v uint32) microvisor.Errno {
	ptr, errno := Pointer(d.args[i])
	if errno != microvisor.ESUCCESS {
		return errno
	}
	if !d.mem.WriteUint32Le(ptr, v) {
		return microvisor.EFAULT
	}
	return microvisor.ESUCCESS
}

// storeString writes s with its null terminator at the pointer of slot i.
func (d *decoder) storeString(i int, s string) microvisor.Errno {
	b, errno := Bytes(d.mem, d.args[i], uint32(len(s)+1))
	if errno != microvisor.ESUCCESS {
		return errno
	}
	copy(b, s)
	b[len(s)] = 0
	return microvisor.ESUCCESS
}

// storeSockaddr writes addr at the pointer of slot i, truncated to the
// capacity read from the length pointer of slot n, and stores the actual
// size of the address at the length pointer. A null address pointer skips
// the store.
func (d *decoder) storeSockaddr(i, n int, addr microvisor.GenSockaddr) microvisor.Errno {
	if d.isNull(i) || addr == nil {
		return microvisor.ESUCCESS
	}
	lenptr, errno := Pointer(d.args[n])
	if errno != microvisor.ESUCCESS {
		return errno
	}
	capacity, ok := d.mem.ReadUint32Le(lenptr)
	if !ok {
		return microvisor.EFAULT
	}
	b, err := microvisor.MarshalSockaddr(addr)
	if err != nil {
		return microvisor.EINVAL
	}
	size := uint32(len(b))
	if size > capacity {
		b = b[:capacity]
	}
	dst, errno := Bytes(d.mem, d.args[i], uint32(len(b)))
	if errno != microvisor.ESUCCESS {
		return errno
	}
	copy(dst, b)
	if !d.mem.WriteUint32Le(lenptr, size) {
		return microvisor.EFAULT
	}
	return microvisor.ESUCCESS
}
