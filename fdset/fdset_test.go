package fdset_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stealthrocket/microvisor/fdset"
	"golang.org/x/sys/unix"
)

func TestFdSet(t *testing.T) {
	var set fdset.FdSet
	if !set.IsEmpty() {
		t.Fatal("new set is not empty")
	}

	for _, fd := range []int32{0, 63, 64, 1023} {
		set.Set(fd)

		var copied fdset.FdSet
		copied.Copy(&set)
		if !copied.IsSet(fd) {
			t.Errorf("descriptor %d not set in the copy", fd)
		}

		set.Clear(fd)
		if set.IsSet(fd) {
			t.Errorf("descriptor %d set after being cleared", fd)
		}
		if !set.IsEmpty() {
			t.Errorf("set not empty after clearing %d", fd)
		}
	}

	set.Set(-1)
	set.Set(fdset.Size)
	if !set.IsEmpty() {
		t.Error("out of range descriptors were added to the set")
	}
}

func TestFdSetRange(t *testing.T) {
	var set fdset.FdSet
	for _, fd := range []int32{3, 7, 100, 500} {
		set.Set(fd)
	}
	if n := set.Count(); n != 4 {
		t.Errorf("wrong count: want=4 got=%d", n)
	}

	var got []int32
	set.Range(101, func(fd int32) bool {
		got = append(got, fd)
		return true
	})
	if diff := cmp.Diff([]int32{3, 7, 100}, got); diff != "" {
		t.Errorf("wrong descriptors (-want +got):\n%s", diff)
	}
}

func TestFdSetLoadStore(t *testing.T) {
	b := make([]byte, fdset.SizeofFdSet)
	b[0] = 0b1001 // 0 and 3
	b[8] = 0b10   // 65
	b[127] = 0x80 // 1023

	var set fdset.FdSet
	set.Load(b)
	for _, fd := range []int32{0, 3, 65, 1023} {
		if !set.IsSet(fd) {
			t.Errorf("descriptor %d not loaded", fd)
		}
	}
	if n := set.Count(); n != 4 {
		t.Errorf("wrong count: want=4 got=%d", n)
	}

	out := make([]byte, fdset.SizeofFdSet)
	set.Store(out)
	if diff := cmp.Diff(b, out); diff != "" {
		t.Errorf("stored set differs (-want +got):\n%s", diff)
	}

	// Short guest sets only cover the first descriptors.
	set.Load([]byte{0xff, 0x01})
	if n := set.Count(); n != 9 {
		t.Errorf("wrong count of short set: want=9 got=%d", n)
	}
	short := make([]byte, 2)
	set.Store(short)
	if short[0] != 0xff || short[1] != 0x01 {
		t.Errorf("wrong short set: %x", short)
	}
}

func TestHostSelector(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var h fdset.HostSelector
	h.Add(fdset.Read, fds[0], 10)
	h.Add(fdset.Write, fds[1], 11)

	var r, w fdset.FdSet
	n, errno := h.Poll(&r, &w, nil)
	if errno != 0 {
		t.Fatal(errno)
	}
	if n != 1 || !w.IsSet(11) || r.IsSet(10) {
		t.Errorf("wrong readiness of an empty pipe: n=%d read=%t write=%t", n, r.IsSet(10), w.IsSet(11))
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}
	r.Zero()
	w.Zero()
	n, _ = h.Poll(&r, &w, nil)
	if n != 2 || !r.IsSet(10) || !w.IsSet(11) {
		t.Errorf("wrong readiness after write: n=%d read=%t write=%t", n, r.IsSet(10), w.IsSet(11))
	}

	h.Reset()
	if h.Len() != 0 {
		t.Errorf("selector not empty after reset: %d", h.Len())
	}
	if h.Add(fdset.Read, -1, 1) {
		t.Error("negative host descriptor accepted")
	}
}

func TestHostSelectorLargeDescriptors(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	// Move the pipe beyond the range of a select set.
	high := [2]int{fdset.Size + 500, fdset.Size + 501}
	for i := range fds {
		if err := unix.Dup2(fds[i], high[i]); err != nil {
			t.Skipf("cannot allocate host descriptor %d: %v", high[i], err)
		}
		defer unix.Close(high[i])
	}

	var h fdset.HostSelector
	if !h.Add(fdset.Read, high[0], 3) || !h.Add(fdset.Write, high[1], 4) {
		t.Fatal("large host descriptors refused")
	}
	h.Add(fdset.Read, fds[0], 5)

	var r, w fdset.FdSet
	n, errno := h.Poll(&r, &w, nil)
	if errno != 0 {
		t.Fatal(errno)
	}
	if n != 1 || r.IsSet(3) || r.IsSet(5) || !w.IsSet(4) {
		t.Errorf("wrong readiness of an empty pipe: n=%d read=%t write=%t", n, r.IsSet(3), w.IsSet(4))
	}

	if _, err := unix.Write(high[1], []byte("x")); err != nil {
		t.Fatal(err)
	}
	r.Zero()
	w.Zero()
	n, _ = h.Poll(&r, &w, nil)
	if n != 3 || !r.IsSet(3) || !r.IsSet(5) || !w.IsSet(4) {
		t.Errorf("wrong readiness after write: n=%d read=%t/%t write=%t", n, r.IsSet(3), r.IsSet(5), w.IsSet(4))
	}
}
