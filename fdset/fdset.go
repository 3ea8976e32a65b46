// Package fdset implements the descriptor bitmaps of select, and their
// translation to and from the host select primitive.
package fdset

import (
	"encoding/binary"
	"math/bits"
)

// Size is the number of descriptors a set can hold.
const Size = 1024

// SizeofFdSet is the size of a set in guest memory.
const SizeofFdSet = Size / 8

// FdSet is a fixed-size bitmap indexed by descriptor number.
type FdSet [Size / 64]uint64

func valid(fd int32) bool { return fd >= 0 && fd < Size }

// Set adds fd to the set. Descriptors out of range are ignored.
func (s *FdSet) Set(fd int32) {
	if valid(fd) {
		s[fd/64] |= 1 << (uint(fd) % 64)
	}
}

// Clear removes fd from the set.
func (s *FdSet) Clear(fd int32) {
	if valid(fd) {
		s[fd/64] &^= 1 << (uint(fd) % 64)
	}
}

// IsSet reports whether fd is in the set.
func (s *FdSet) IsSet(fd int32) bool {
	return valid(fd) && s[fd/64]&(1<<(uint(fd)%64)) != 0
}

// Copy overwrites s with the content of src.
func (s *FdSet) Copy(src *FdSet) { *s = *src }

// Zero clears every descriptor of the set.
func (s *FdSet) Zero() { *s = FdSet{} }

// IsEmpty reports whether no descriptors are in the set.
func (s *FdSet) IsEmpty() bool {
	for _, w := range s {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of descriptors in the set.
func (s *FdSet) Count() (n int) {
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// Range calls f for each descriptor lower than nfds in the set, in
// ascending order.
func (s *FdSet) Range(nfds int32, f func(fd int32) bool) {
	if nfds > Size {
		nfds = Size
	}
	for i, w := range s {
		for w != 0 {
			j := bits.TrailingZeros64(w)
			w &^= 1 << j
			fd := int32(i*64 + j)
			if fd >= nfds {
				return
			}
			if !f(fd) {
				return
			}
		}
	}
}

// Load reads the set from its guest memory representation. b may be shorter
// than SizeofFdSet when the guest only passed the words covering nfds.
func (s *FdSet) Load(b []byte) {
	s.Zero()
	for i := range s {
		if len(b) < 8 {
			var word [8]byte
			copy(word[:], b)
			s[i] = binary.LittleEndian.Uint64(word[:])
			return
		}
		s[i] = binary.LittleEndian.Uint64(b)
		b = b[8:]
	}
}

// Store writes the set in its guest memory representation.
func (s *FdSet) Store(b []byte) {
	for i := range s {
		if len(b) < 8 {
			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], s[i])
			copy(b, word[:])
			return
		}
		binary.LittleEndian.PutUint64(b, s[i])
		b = b[8:]
	}
}
