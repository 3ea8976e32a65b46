package microvisor

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// Sizes of the guest socket address structures.
const (
	SizeofSockaddrUnix  = 110
	SizeofSockaddrInet4 = 16
	SizeofSockaddrInet6 = 28
)

// SizeofSockaddr returns the wire size of the address variant of family.
func SizeofSockaddr(family AddressFamily) (int, bool) {
	switch family {
	case AF_UNIX:
		return SizeofSockaddrUnix, true
	case AF_INET:
		return SizeofSockaddrInet4, true
	case AF_INET6:
		return SizeofSockaddrInet6, true
	default:
		return 0, false
	}
}

// MarshalSockaddr encodes addr in its guest wire layout.
func MarshalSockaddr(addr GenSockaddr) ([]byte, error) {
	size, ok := SizeofSockaddr(addr.Family())
	if !ok {
		return nil, EAFNOSUPPORT
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := struc.Pack(buf, addr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalSockaddr decodes a guest socket address. The variant is selected
// by the family tag in the first two bytes; b must be at least as long as
// that variant's structure.
func UnmarshalSockaddr(b []byte) (GenSockaddr, error) {
	if len(b) < 2 {
		return nil, EINVAL
	}
	family := AddressFamily(binary.LittleEndian.Uint16(b))
	size, ok := SizeofSockaddr(family)
	if !ok {
		return nil, EAFNOSUPPORT
	}
	if len(b) < size {
		// Unix addresses are commonly passed with a length covering only
		// the bytes of the path that are in use.
		if family != AF_UNIX {
			return nil, EINVAL
		}
		b = append(b[:len(b):len(b)], make([]byte, size-len(b))...)
	}
	var addr GenSockaddr
	switch family {
	case AF_UNIX:
		addr = new(UnixAddr)
	case AF_INET:
		addr = new(V4Addr)
	case AF_INET6:
		addr = new(V6Addr)
	}
	if err := struc.Unpack(bytes.NewReader(b[:size]), addr); err != nil {
		return nil, err
	}
	return addr, nil
}
