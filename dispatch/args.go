package dispatch

import (
	"bytes"
	"unicode/utf8"

	"github.com/lunixbochs/struc"

	"github.com/stealthrocket/microvisor"
)

// Int32 returns the argument slot as a signed 32 bits integer. The upper
// half of the slot must either be zero, or hold the sign extension of a
// negative value.
func Int32(arg uint64) (int32, microvisor.Errno) {
	v := int32(uint32(arg))
	switch arg >> 32 {
	case 0:
		return v, microvisor.ESUCCESS
	case 0xFFFFFFFF:
		if v < 0 {
			return v, microvisor.ESUCCESS
		}
	}
	return 0, microvisor.EINVAL
}

// Uint32 returns the argument slot as an unsigned 32 bits integer. The upper
// half of the slot must be zero.
func Uint32(arg uint64) (uint32, microvisor.Errno) {
	if arg>>32 != 0 {
		return 0, microvisor.EINVAL
	}
	return uint32(arg), microvisor.ESUCCESS
}

// Int64 returns the argument slot as a signed 64 bits integer.
func Int64(arg uint64) int64 { return int64(arg) }

// Uint64 returns the argument slot as an unsigned 64 bits integer.
func Uint64(arg uint64) uint64 { return arg }

// Pointer returns the argument slot as a guest address. Null pointers and
// addresses beyond the 32 bits address space fail with EFAULT.
func Pointer(arg uint64) (uint32, microvisor.Errno) {
	if arg == 0 || arg>>32 != 0 {
		return 0, microvisor.EFAULT
	}
	return uint32(arg), microvisor.ESUCCESS
}

// Bytes returns a view of size bytes of guest memory at the address held in
// the argument slot. Writes to the view are visible to the guest.
func Bytes(mem Memory, arg uint64, size uint32) ([]byte, microvisor.Errno) {
	ptr, errno := Pointer(arg)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	b, ok := mem.Read(ptr, size)
	if !ok {
		return nil, microvisor.EFAULT
	}
	return b, microvisor.ESUCCESS
}

// CString returns the null terminated string at the address held in the
// argument slot. Strings which are not valid UTF-8 fail with EILSEQ.
func CString(mem Memory, arg uint64) (string, microvisor.Errno) {
	ptr, errno := Pointer(arg)
	if errno != microvisor.ESUCCESS {
		return "", errno
	}
	return cstring(mem, ptr)
}

func cstring(mem Memory, ptr uint32) (string, microvisor.Errno) {
	size := mem.Size()
	if ptr >= size {
		return "", microvisor.EFAULT
	}
	b, ok := mem.Read(ptr, size-ptr)
	if !ok {
		return "", microvisor.EFAULT
	}
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		return "", microvisor.EFAULT
	}
	if !utf8.Valid(b[:n]) {
		return "", microvisor.EILSEQ
	}
	return string(b[:n]), microvisor.ESUCCESS
}

// CStringArray returns the strings of the null terminated array of 32 bits
// string pointers at the address held in the argument slot. The first
// string which cannot be decoded fails the whole array.
func CStringArray(mem Memory, arg uint64) ([]string, microvisor.Errno) {
	ptr, errno := Pointer(arg)
	if errno != microvisor.ESUCCESS {
		return nil, errno
	}
	var strs []string
	for ; ; ptr += 4 {
		p, ok := mem.ReadUint32Le(ptr)
		if !ok {
			return nil, microvisor.EFAULT
		}
		if p == 0 {
			return strs, microvisor.ESUCCESS
		}
		s, errno := cstring(mem, p)
		if errno != microvisor.ESUCCESS {
			return nil, errno
		}
		strs = append(strs, s)
	}
}

// Load decodes the guest structure at the address held in the argument slot
// into v, which must be a pointer to a struct with struc tags.
func Load(mem Memory, arg uint64, v any) microvisor.Errno {
	size, err := struc.Sizeof(v)
	if err != nil {
		return microvisor.EINVAL
	}
	b, errno := Bytes(mem, arg, uint32(size))
	if errno != microvisor.ESUCCESS {
		return errno
	}
	if err := struc.Unpack(bytes.NewReader(b), v); err != nil {
		return microvisor.EINVAL
	}
	return microvisor.ESUCCESS
}

// Store encodes v in its guest layout at the address held in the argument
// slot.
func Store(mem Memory, arg uint64, v any) microvisor.Errno {
	ptr, errno := Pointer(arg)
	if errno != microvisor.ESUCCESS {
		return errno
	}
	buf := new(bytes.Buffer)
	if err := struc.Pack(buf, v); err != nil {
		return microvisor.EINVAL
	}
	if !mem.Write(ptr, buf.Bytes()) {
		return microvisor.EFAULT
	}
	return microvisor.ESUCCESS
}
