// Package ports keeps track of the inet ports bound by cages and hands out
// ephemeral ports to sockets bound to port zero.
package ports

import (
	"sync"

	"github.com/google/btree"
)

// Range of the ephemeral ports, matching the Linux default of
// net.ipv4.ip_local_port_range.
const (
	FirstEphemeral uint16 = 32768
	LastEphemeral  uint16 = 60999
)

// Key identifies an independent port space.
type Key struct {
	Family   uint16
	Protocol int32
}

type space struct {
	reserved *btree.BTreeG[uint16]
	next     uint16
}

// Manager is a set of port reservations. It is safe for concurrent use.
type Manager struct {
	mutex  sync.Mutex
	spaces map[Key]*space
}

// NewManager returns a Manager with no reservations.
func NewManager() *Manager {
	return &Manager{spaces: make(map[Key]*space)}
}

func (m *Manager) space(key Key) *space {
	s := m.spaces[key]
	if s == nil {
		s = &space{
			reserved: btree.NewG(2, func(a, b uint16) bool { return a < b }),
			next:     LastEphemeral,
		}
		m.spaces[key] = s
	}
	return s
}

// Reserve marks port as used in the space of key. It returns false if the
// port was already reserved.
func (m *Manager) Reserve(key Key, port uint16) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.space(key)
	if s.reserved.Has(port) {
		return false
	}
	s.reserved.ReplaceOrInsert(port)
	return true
}

// ReserveEphemeral reserves a free port of the ephemeral range. Ports are
// handed out from the top of the range downwards, resuming below the last
// port allocated and wrapping around at the bottom of the range.
func (m *Manager) ReserveEphemeral(key Key) (uint16, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.space(key)

	port := s.next
	for i := 0; i <= int(LastEphemeral-FirstEphemeral); i++ {
		candidate := port
		if port == FirstEphemeral {
			port = LastEphemeral
		} else {
			port--
		}
		if !s.reserved.Has(candidate) {
			s.reserved.ReplaceOrInsert(candidate)
			s.next = port
			return candidate, true
		}
	}
	return 0, false
}

// Release removes the reservation of port in the space of key.
func (m *Manager) Release(key Key, port uint16) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s := m.spaces[key]; s != nil {
		s.reserved.Delete(port)
	}
}

// Reserved returns the ports reserved in the space of key, in ascending
// order.
func (m *Manager) Reserved(key Key) []uint16 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.spaces[key]
	if s == nil {
		return nil
	}
	ports := make([]uint16, 0, s.reserved.Len())
	s.reserved.Ascend(func(port uint16) bool {
		ports = append(ports, port)
		return true
	})
	return ports
}
