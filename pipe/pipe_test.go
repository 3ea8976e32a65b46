package pipe_test

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/pipe"
	"golang.org/x/sync/errgroup"
)

func TestPipeRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(64)

	for _, size := range []int{1, 10, 63, 64} {
		data := make([]byte, size)
		rand.Read(data)

		n, errno := p.Write(ctx, data, false)
		if errno != microvisor.ESUCCESS || n != size {
			t.Fatalf("write failed: want=%d got=%d (%s)", size, n, errno)
		}
		got := make([]byte, size)
		n, errno = p.Read(ctx, got, false)
		if errno != microvisor.ESUCCESS || n != size {
			t.Fatalf("read failed: want=%d got=%d (%s)", size, n, errno)
		}
		if !bytes.Equal(data, got) {
			t.Errorf("wrong bytes read back: want=%x got=%x", data, got)
		}
	}
}

func TestPipeWrapAround(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(8)

	p.Write(ctx, []byte("abcdef"), false)
	buf := make([]byte, 4)
	p.Read(ctx, buf, false)
	p.Write(ctx, []byte("ghijkl"), false)

	got := make([]byte, 16)
	n, _ := p.Read(ctx, got, false)
	if s := string(got[:n]); s != "efghijkl" {
		t.Errorf("wrong bytes across the buffer boundary: want=efghijkl got=%s", s)
	}
}

func TestPipeEOF(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(64)
	p.Write(ctx, []byte("hello"), false)

	if n := p.DecrRef(pipe.WriteEnd); n != 0 {
		t.Fatalf("wrong write end count: want=0 got=%d", n)
	}
	if !p.EOF() || !p.ReadReady() {
		t.Error("pipe is not at end of file after closing its writer")
	}

	buf := make([]byte, 3)
	for _, want := range []string{"hel", "lo", ""} {
		n, errno := p.Read(ctx, buf, false)
		if errno != microvisor.ESUCCESS {
			t.Fatalf("read failed: %s", errno)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("wrong bytes read: want=%q got=%q", want, got)
		}
	}
}

func TestPipeBrokenPipe(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(4)
	p.DecrRef(pipe.ReadEnd)

	if _, errno := p.Write(ctx, []byte("x"), false); errno != microvisor.EPIPE {
		t.Errorf("wrong error writing without readers: want=%s got=%s", microvisor.EPIPE, errno)
	}
}

func TestPipeBrokenPipeWakesWriters(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(4)

	done := make(chan microvisor.Errno)
	go func() {
		_, errno := p.Write(ctx, []byte("0123456789"), false)
		done <- errno
	}()

	for p.Len() < 4 {
		time.Sleep(time.Millisecond)
	}
	p.DecrRef(pipe.ReadEnd)

	select {
	case errno := <-done:
		if errno != microvisor.EPIPE {
			t.Errorf("wrong error on blocked writer: want=%s got=%s", microvisor.EPIPE, errno)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked writer not woken up when the reader went away")
	}
}

func TestPipeNonBlocking(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(4)

	if _, errno := p.Read(ctx, make([]byte, 1), true); errno != microvisor.EAGAIN {
		t.Errorf("wrong error reading an empty pipe: want=%s got=%s", microvisor.EAGAIN, errno)
	}
	n, errno := p.Write(ctx, []byte("abcdef"), true)
	if errno != microvisor.ESUCCESS || n != 4 {
		t.Errorf("wrong partial write: want=4 got=%d (%s)", n, errno)
	}
	if _, errno := p.Write(ctx, []byte("g"), true); errno != microvisor.EAGAIN {
		t.Errorf("wrong error writing a full pipe: want=%s got=%s", microvisor.EAGAIN, errno)
	}
	if p.WriteReady() {
		t.Error("full pipe reported writable")
	}
}

func TestPipeReadCheckpoint(t *testing.T) {
	p := pipe.New(4, pipe.WithCheckInterval(10*time.Millisecond))

	start := time.Now()
	if _, errno := p.Read(context.Background(), make([]byte, 1), false); errno != microvisor.EAGAIN {
		t.Errorf("wrong error at cancellation checkpoint: want=%s got=%s", microvisor.EAGAIN, errno)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("blocking read returned early: %s", elapsed)
	}
}

func TestPipeReadCanceled(t *testing.T) {
	p := pipe.New(4, pipe.WithCheckInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, errno := p.Read(ctx, make([]byte, 1), false); errno != microvisor.EAGAIN {
		t.Errorf("wrong error on canceled read: want=%s got=%s", microvisor.EAGAIN, errno)
	}
}

func TestPipeConcurrentTransfer(t *testing.T) {
	ctx := context.Background()
	p := pipe.New(4096)

	data := make([]byte, 5000)
	rand.Read(data)
	got := make([]byte, 0, len(data))

	var group errgroup.Group
	group.Go(func() error {
		defer p.DecrRef(pipe.WriteEnd)
		_, errno := p.Write(ctx, data, false)
		if errno != microvisor.ESUCCESS {
			return errno
		}
		return nil
	})
	group.Go(func() error {
		buf := make([]byte, 1000)
		for {
			n, errno := p.Read(ctx, buf, false)
			switch {
			case errno == microvisor.EAGAIN:
				continue
			case errno != microvisor.ESUCCESS:
				return errno
			case n == 0:
				return nil
			}
			got = append(got, buf[:n]...)
		}
	})
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, got) {
		t.Errorf("bytes were lost or reordered: want %d bytes, got %d", len(data), len(got))
	}
}

func TestPipeRefCountUnderflow(t *testing.T) {
	p := pipe.New(4)
	p.DecrRef(pipe.ReadEnd)

	defer func() {
		if recover() == nil {
			t.Error("reference count underflow did not panic")
		}
	}()
	p.DecrRef(pipe.ReadEnd)
}
