package sockets

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

// Listen creates a socket listening on the specified address, given as
// [tcp|tcp4|tcp6|unix]://host:port?backlog=N&reuseaddr=0|1.
func Listen(rawAddr string, recvTimeout time.Duration) (*Socket, error) {
	u, addr, err := parseAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	opt := u.Query()
	s, errno := Open(int(addr.Family()), unix.SOCK_STREAM, 0, recvTimeout)
	if errno != microvisor.ESUCCESS {
		return nil, fmt.Errorf("socket for '%s': %w", rawAddr, errno)
	}
	if addr.Family() != microvisor.AF_UNIX {
		if errno := s.SetsockoptInt(unix.SOL_SOCKET, unix.SO_REUSEADDR, intopt(opt, "reuseaddr", 1)); errno != microvisor.ESUCCESS {
			s.DecRef()
			return nil, fmt.Errorf("setsockopt SO_REUSEADDR on '%s': %w", rawAddr, errno)
		}
	}
	if errno := s.Bind(addr); errno != microvisor.ESUCCESS {
		s.DecRef()
		return nil, fmt.Errorf("bind '%s': %w", rawAddr, errno)
	}
	if errno := s.Listen(intopt(opt, "backlog", 128)); errno != microvisor.ESUCCESS {
		s.DecRef()
		return nil, fmt.Errorf("listen '%s': %w", rawAddr, errno)
	}
	return s, nil
}

// Dial creates a socket connected to the specified address.
func Dial(rawAddr string, recvTimeout time.Duration) (*Socket, error) {
	u, addr, err := parseAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	s, errno := Open(int(addr.Family()), unix.SOCK_STREAM, 0, recvTimeout)
	if errno != microvisor.ESUCCESS {
		return nil, fmt.Errorf("socket for '%s': %w", rawAddr, errno)
	}
	if addr.Family() != microvisor.AF_UNIX {
		noDelay := intopt(u.Query(), "nodelay", 1)
		if errno := s.SetsockoptInt(unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay); errno != microvisor.ESUCCESS {
			s.DecRef()
			return nil, fmt.Errorf("setsockopt TCP_NODELAY on '%s': %w", rawAddr, errno)
		}
	}
	if errno := s.Connect(addr); errno != microvisor.ESUCCESS {
		s.DecRef()
		return nil, fmt.Errorf("connect '%s': %w", rawAddr, errno)
	}
	return s, nil
}

// ParseAddress parses an address in the format accepted by Listen and Dial.
func ParseAddress(rawAddr string) (microvisor.GenSockaddr, error) {
	_, addr, err := parseAddress(rawAddr)
	return addr, err
}

func parseAddress(rawAddr string) (*url.URL, microvisor.GenSockaddr, error) {
	if !strings.Contains(rawAddr, "://") {
		rawAddr = "tcp://" + rawAddr
	}
	u, err := url.Parse(rawAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("bad address '%s': %w", rawAddr, err)
	}
	addr, err := socketAddress(u)
	if err != nil {
		return nil, nil, err
	}
	return u, addr, nil
}

func socketAddress(u *url.URL) (microvisor.GenSockaddr, error) {
	network := u.Scheme
	switch network {
	case "unix":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if len(path) >= len(microvisor.UnixAddr{}.SunPath) {
			return nil, fmt.Errorf("unix socket path too long: %s", path)
		}
		return microvisor.NewUnixAddr(path), nil
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network: %v", network)
	}
	host, portstr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort(network, portstr)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	if host == "" && network == "tcp6" {
		ips = []net.IP{net.IPv6zero}
	} else if host == "" {
		ips = []net.IP{net.IPv4zero}
	} else {
		ips, err = net.LookupIP(host)
		if err != nil {
			return nil, err
		}
	}
	if network == "tcp" || network == "tcp4" {
		for _, ip := range ips {
			if ipv4 := ip.To4(); ipv4 != nil {
				return microvisor.NewV4Addr(([4]byte)(ipv4), uint16(port)), nil
			}
		}
	}
	if network == "tcp" || network == "tcp6" {
		for _, ip := range ips {
			if ip.To4() == nil {
				return microvisor.NewV6Addr(([16]byte)(ip.To16()), uint16(port)), nil
			}
		}
	}
	return nil, fmt.Errorf("no IPs for network %s and host: %s", network, u.Host)
}

func intopt(q url.Values, key string, defaultValue int) int {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return defaultValue
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return defaultValue
	}
	return n
}
