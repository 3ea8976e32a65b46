package fdset

import (
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/microvisor"
)

// Kind selects one of the three sets of a select call.
type Kind int

const (
	Read Kind = iota
	Write
	Except
)

// Pair associates a host descriptor with the guest descriptor it backs.
type Pair struct {
	Host  int
	Guest int32
}

// HostSelector collects host descriptors on behalf of guest descriptors and
// polls them with the host select primitive. Host descriptors too large for
// a select set are polled with the host poll primitive instead.
//
// The pair tables are built fresh for each guest call, since the mapping of
// guest descriptors to host descriptors may change between calls.
type HostSelector struct {
	sets  [3]unix.FdSet
	pairs [3][]Pair
	nfds  int

	// high holds the pairs of host descriptors not below Size.
	high [3][]Pair
}

// Events requested from poll for each kind of set, and events reported by
// poll which make a descriptor ready in each kind of set, matching the
// readiness rules of select.
var (
	pollEvents = [3]int16{
		Read:   unix.POLLIN,
		Write:  unix.POLLOUT,
		Except: unix.POLLPRI,
	}
	pollReady = [3]int16{
		Read:   unix.POLLIN | unix.POLLHUP | unix.POLLERR,
		Write:  unix.POLLOUT | unix.POLLERR,
		Except: unix.POLLPRI,
	}
)

// Reset clears the selector for reuse.
func (h *HostSelector) Reset() {
	for i := range h.sets {
		h.sets[i].Zero()
		h.pairs[i] = h.pairs[i][:0]
		h.high[i] = h.high[i][:0]
	}
	h.nfds = 0
}

// Add registers host descriptor host, backing guest descriptor guest, in the
// set of the given kind. It returns false if host is negative.
func (h *HostSelector) Add(kind Kind, host int, guest int32) bool {
	if host < 0 {
		return false
	}
	if host >= Size {
		h.high[kind] = append(h.high[kind], Pair{Host: host, Guest: guest})
		return true
	}
	h.sets[kind].Set(host)
	h.pairs[kind] = append(h.pairs[kind], Pair{Host: host, Guest: guest})
	if host >= h.nfds {
		h.nfds = host + 1
	}
	return true
}

// Len returns the number of registered descriptors.
func (h *HostSelector) Len() int {
	n := 0
	for kind := range h.pairs {
		n += len(h.pairs[kind]) + len(h.high[kind])
	}
	return n
}

// Poll queries the readiness of the registered descriptors without blocking,
// and sets the guest descriptors of those which are ready in the sets
// passed as arguments. Nil sets are skipped. The returned count is the
// number of bits set across all three sets.
func (h *HostSelector) Poll(readSet, writeSet, exceptSet *FdSet) (int, microvisor.Errno) {
	guestSets := [3]*FdSet{readSet, writeSet, exceptSet}
	count := 0
	if h.nfds > 0 {
		ready := h.sets
		n, err := unix.Select(h.nfds, &ready[Read], &ready[Write], &ready[Except], &unix.Timeval{})
		if err != nil {
			return 0, microvisor.MakeErrno(err)
		}
		if n > 0 {
			for kind, guestSet := range guestSets {
				if guestSet == nil {
					continue
				}
				for _, p := range h.pairs[kind] {
					if ready[kind].IsSet(p.Host) {
						guestSet.Set(p.Guest)
						count++
					}
				}
			}
		}
	}
	n, errno := h.pollHigh(guestSets)
	return count + n, errno
}

func (h *HostSelector) pollHigh(guestSets [3]*FdSet) (int, microvisor.Errno) {
	var fds []unix.PollFd
	index := make(map[int]int)
	for kind, pairs := range h.high {
		for _, p := range pairs {
			i, ok := index[p.Host]
			if !ok {
				i = len(fds)
				index[p.Host] = i
				fds = append(fds, unix.PollFd{Fd: int32(p.Host)})
			}
			fds[i].Events |= pollEvents[kind]
		}
	}
	if len(fds) == 0 {
		return 0, microvisor.ESUCCESS
	}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return 0, microvisor.MakeErrno(err)
	}
	if n == 0 {
		return 0, microvisor.ESUCCESS
	}
	count := 0
	for _, fd := range fds {
		if fd.Revents&unix.POLLNVAL != 0 {
			return 0, microvisor.EBADF
		}
	}
	for kind, guestSet := range guestSets {
		if guestSet == nil {
			continue
		}
		for _, p := range h.high[kind] {
			if fds[index[p.Host]].Revents&pollReady[kind] != 0 {
				guestSet.Set(p.Guest)
				count++
			}
		}
	}
	return count, microvisor.ESUCCESS
}
