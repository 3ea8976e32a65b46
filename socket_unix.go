package microvisor

import "golang.org/x/sys/unix"

// ToUnixSockaddr converts a guest socket address to the host representation.
func ToUnixSockaddr(addr GenSockaddr) (unix.Sockaddr, bool) {
	switch a := addr.(type) {
	case *V4Addr:
		return &unix.SockaddrInet4{Port: int(a.SinPort), Addr: a.SinAddr}, true
	case *V6Addr:
		return &unix.SockaddrInet6{Port: int(a.Sin6Port), ZoneId: a.Sin6ScopeID, Addr: a.Sin6Addr}, true
	case *UnixAddr:
		path, _ := a.Path()
		return &unix.SockaddrUnix{Name: path}, true
	default:
		return nil, false
	}
}

// FromUnixSockaddr converts a host socket address to the guest
// representation.
func FromUnixSockaddr(sa unix.Sockaddr) (GenSockaddr, bool) {
	switch t := sa.(type) {
	case *unix.SockaddrInet4:
		return NewV4Addr(t.Addr, uint16(t.Port)), true
	case *unix.SockaddrInet6:
		a := NewV6Addr(t.Addr, uint16(t.Port))
		a.Sin6ScopeID = t.ZoneId
		return a, true
	case *unix.SockaddrUnix:
		return NewUnixAddr(t.Name), true
	default:
		return nil, false
	}
}
