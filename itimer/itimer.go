// Package itimer implements the real-time interval timer of cages, which
// backs setitimer(ITIMER_REAL) and alarm.
package itimer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultGranularity is the period at which a ticking timer checks whether
// it expired.
const DefaultGranularity = 5 * time.Millisecond

// Option configures an IntervalTimer.
type Option func(*IntervalTimer)

// WithClock sets the time source of the timer.
func WithClock(c clock.Clock) Option {
	return func(t *IntervalTimer) { t.clock = c }
}

// WithGranularity sets the period at which a ticking timer checks whether it
// expired. Non-positive values are ignored.
func WithGranularity(d time.Duration) Option {
	return func(t *IntervalTimer) {
		if d > 0 {
			t.granularity = d
		}
	}
}

// IntervalTimer is a one-shot countdown, optionally reloaded with an
// interval, which calls a delivery function when it expires.
//
// While armed, the timer is driven by a single background goroutine. The
// goroutine is started on the first arming and exits when the timer expires
// without an interval, is disarmed, or is stopped. Re-arming a ticking timer
// reuses its goroutine.
type IntervalTimer struct {
	clock       clock.Clock
	granularity time.Duration
	deliver     func()

	mutex    sync.Mutex
	start    time.Time
	duration time.Duration
	interval time.Duration
	ticking  bool
	stopped  bool

	stop  chan struct{}
	group sync.WaitGroup
}

// New creates an idle timer which calls deliver every time it expires.
func New(deliver func(), options ...Option) *IntervalTimer {
	t := &IntervalTimer{
		clock:       clock.New(),
		granularity: DefaultGranularity,
		deliver:     deliver,
		stop:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Arm starts the countdown from now with the given value, reloading it with
// interval each time it expires. A zero value disarms the timer. Arm returns
// the time that remained and the interval of the previous setting.
func (t *IntervalTimer) Arm(value, interval time.Duration) (prevValue, prevInterval time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.clock.Now()
	prevValue, prevInterval = t.remaining(now), t.interval

	if value <= 0 || t.stopped {
		t.duration, t.interval = 0, 0
		return prevValue, prevInterval
	}

	t.start, t.duration, t.interval = now, value, interval
	if !t.ticking {
		t.ticking = true
		// The ticker is created before the goroutine starts so that no
		// tick can be missed by a clock advancing in between.
		ticker := t.clock.Ticker(t.granularity)
		t.group.Add(1)
		go t.run(ticker)
	}
	return prevValue, prevInterval
}

// Alarm arms the timer for the given number of seconds, without interval,
// and returns the whole number of seconds that remained on the previous
// setting.
func (t *IntervalTimer) Alarm(seconds uint32) uint32 {
	prev, _ := t.Arm(time.Duration(seconds)*time.Second, 0)
	return uint32(prev / time.Second)
}

// Get returns the remaining time and the interval of the timer.
func (t *IntervalTimer) Get() (value, interval time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.remaining(t.clock.Now()), t.interval
}

// Ticking reports whether a background goroutine is driving the timer.
func (t *IntervalTimer) Ticking() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.ticking
}

// Stop disarms the timer for good and waits for its goroutine to exit.
func (t *IntervalTimer) Stop() {
	t.mutex.Lock()
	if !t.stopped {
		t.stopped = true
		t.duration, t.interval = 0, 0
		close(t.stop)
	}
	t.mutex.Unlock()
	t.group.Wait()
}

func (t *IntervalTimer) remaining(now time.Time) time.Duration {
	if t.duration == 0 {
		return 0
	}
	if d := t.start.Add(t.duration).Sub(now); d > 0 {
		return d
	}
	return 0
}

func (t *IntervalTimer) run(ticker *clock.Ticker) {
	defer t.group.Done()
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			t.mutex.Lock()
			t.ticking = false
			t.mutex.Unlock()
			return
		case <-ticker.C:
		}

		t.mutex.Lock()
		if t.duration == 0 {
			t.ticking = false
			t.mutex.Unlock()
			return
		}
		now := t.clock.Now()
		if t.remaining(now) > 0 {
			t.mutex.Unlock()
			continue
		}
		if t.interval > 0 {
			t.start, t.duration = now, t.interval
		} else {
			t.duration = 0
			t.ticking = false
		}
		ticking := t.ticking
		t.mutex.Unlock()

		t.deliver()
		if !ticking {
			return
		}
	}
}
