package microvisor

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddressFamily is the family tag stored at the head of every guest socket
// address.
type AddressFamily uint16

const (
	AF_UNSPEC AddressFamily = 0
	AF_UNIX   AddressFamily = 1
	AF_INET   AddressFamily = 2
	AF_INET6  AddressFamily = 10
)

func (af AddressFamily) String() string {
	switch af {
	case AF_UNSPEC:
		return "AF_UNSPEC"
	case AF_UNIX:
		return "AF_UNIX"
	case AF_INET:
		return "AF_INET"
	case AF_INET6:
		return "AF_INET6"
	default:
		return fmt.Sprintf("AddressFamily(%d)", af)
	}
}

// SocketType is the type argument of the socket system call.
type SocketType int32

const (
	SOCK_STREAM SocketType = 1
	SOCK_DGRAM  SocketType = 2

	SOCK_NONBLOCK SocketType = 0o4000
	SOCK_CLOEXEC  SocketType = 0o2000000
)

func (t SocketType) String() string {
	switch t &^ (SOCK_NONBLOCK | SOCK_CLOEXEC) {
	case SOCK_STREAM:
		return "SOCK_STREAM"
	case SOCK_DGRAM:
		return "SOCK_DGRAM"
	default:
		return fmt.Sprintf("SocketType(%d)", t)
	}
}

// Protocol is the protocol argument of the socket system call.
type Protocol int32

const (
	IPPROTO_IP  Protocol = 0
	IPPROTO_TCP Protocol = 6
	IPPROTO_UDP Protocol = 17
)

// GenSockaddr is a socket address of one of the Unix, IPv4 or IPv6 variants.
//
// Fields that only exist on one variant are reached through checked
// accessors which report false when called on another variant. The Must
// variants panic instead, for call sites where a mismatch is a bug.
type GenSockaddr interface {
	Family() AddressFamily
	Network() string
	String() string

	// Port returns the port in host byte order.
	Port() (uint16, bool)

	// Addr returns the IP address of an inet address.
	Addr() (GenIpaddr, bool)

	// Path returns the path of a Unix-domain address.
	Path() (string, bool)

	sockaddr()
}

// GenIpaddr is the IP address of an inet socket address. IPv4 addresses are
// held in their 4 bytes form, never mapped into IPv6.
type GenIpaddr = netip.Addr

// MustPort returns the port of addr, panicking if addr has no port.
func MustPort(addr GenSockaddr) uint16 {
	port, ok := addr.Port()
	if !ok {
		panic(fmt.Sprintf("BUG: port accessed on %s socket address", addr.Family()))
	}
	return port
}

// MustAddr returns the IP address of addr, panicking if addr has none.
func MustAddr(addr GenSockaddr) GenIpaddr {
	ip, ok := addr.Addr()
	if !ok {
		panic(fmt.Sprintf("BUG: ip address accessed on %s socket address", addr.Family()))
	}
	return ip
}

// MustPath returns the path of addr, panicking if addr is not a Unix address.
func MustPath(addr GenSockaddr) string {
	path, ok := addr.Path()
	if !ok {
		panic(fmt.Sprintf("BUG: path accessed on %s socket address", addr.Family()))
	}
	return path
}

// UnixAddr is the guest layout of a Unix-domain socket address.
type UnixAddr struct {
	SunFamily uint16 `struc:"uint16,little"`
	SunPath   [108]byte
}

// NewUnixAddr constructs a Unix-domain address. Paths which do not fit in
// the 108 byte field, including the null terminator, are truncated.
func NewUnixAddr(path string) *UnixAddr {
	a := &UnixAddr{SunFamily: uint16(AF_UNIX)}
	copy(a.SunPath[:len(a.SunPath)-1], path)
	return a
}

func (a *UnixAddr) sockaddr() {}

func (a *UnixAddr) Family() AddressFamily { return AF_UNIX }

func (a *UnixAddr) Network() string { return "unix" }

func (a *UnixAddr) String() string {
	path, _ := a.Path()
	return path
}

func (a *UnixAddr) Port() (uint16, bool) { return 0, false }

func (a *UnixAddr) Addr() (GenIpaddr, bool) { return GenIpaddr{}, false }

func (a *UnixAddr) Path() (string, bool) {
	path := a.SunPath[:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	return string(path), true
}

// V4Addr is the guest layout of an IPv4 socket address. The port is held in
// host byte order and encoded big-endian on the wire.
type V4Addr struct {
	SinFamily uint16 `struc:"uint16,little"`
	SinPort   uint16 `struc:"uint16,big"`
	SinAddr   [4]byte
	SinZero   [8]byte
}

// NewV4Addr constructs an IPv4 address.
func NewV4Addr(addr [4]byte, port uint16) *V4Addr {
	return &V4Addr{SinFamily: uint16(AF_INET), SinPort: port, SinAddr: addr}
}

func (a *V4Addr) sockaddr() {}

func (a *V4Addr) Family() AddressFamily { return AF_INET }

func (a *V4Addr) Network() string { return "ip4" }

func (a *V4Addr) String() string {
	return fmt.Sprintf(`%d.%d.%d.%d:%d`, a.SinAddr[0], a.SinAddr[1], a.SinAddr[2], a.SinAddr[3], a.SinPort)
}

func (a *V4Addr) Port() (uint16, bool) { return a.SinPort, true }

func (a *V4Addr) Addr() (GenIpaddr, bool) { return netip.AddrFrom4(a.SinAddr), true }

func (a *V4Addr) Path() (string, bool) { return "", false }

// V6Addr is the guest layout of an IPv6 socket address.
type V6Addr struct {
	Sin6Family   uint16 `struc:"uint16,little"`
	Sin6Port     uint16 `struc:"uint16,big"`
	Sin6Flowinfo uint32 `struc:"uint32,little"`
	Sin6Addr     [16]byte
	Sin6ScopeID  uint32 `struc:"uint32,little"`
}

// NewV6Addr constructs an IPv6 address.
func NewV6Addr(addr [16]byte, port uint16) *V6Addr {
	return &V6Addr{Sin6Family: uint16(AF_INET6), Sin6Port: port, Sin6Addr: addr}
}

func (a *V6Addr) sockaddr() {}

func (a *V6Addr) Family() AddressFamily { return AF_INET6 }

func (a *V6Addr) Network() string { return "ip6" }

func (a *V6Addr) String() string {
	return net.JoinHostPort(net.IP(a.Sin6Addr[:]).String(), strconv.Itoa(int(a.Sin6Port)))
}

func (a *V6Addr) Port() (uint16, bool) { return a.Sin6Port, true }

func (a *V6Addr) Addr() (GenIpaddr, bool) { return netip.AddrFrom16(a.Sin6Addr), true }

func (a *V6Addr) Path() (string, bool) { return "", false }

var (
	_ GenSockaddr = (*UnixAddr)(nil)
	_ GenSockaddr = (*V4Addr)(nil)
	_ GenSockaddr = (*V6Addr)(nil)
)

// SockaddrFromAddrPort builds the inet socket address matching ap.
func SockaddrFromAddrPort(ap netip.AddrPort) GenSockaddr {
	if ip := ap.Addr(); ip.Is4() {
		return NewV4Addr(ip.As4(), ap.Port())
	}
	return NewV6Addr(ap.Addr().As16(), ap.Port())
}
