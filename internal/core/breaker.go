package core

import (
	"sync"
	"time"
)

// Clock abstracts time for the breaker cool-down.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// breaker is a process-wide failure budget. Reaching threshold consecutive
// failures opens it for cooldown; each cool-down timer carries the
// generation it was armed for, so a timer from an earlier opening never
// closes a breaker that tripped again.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	clock     Clock
	failures  int
	open      bool
	gen       uint64
	timer     Timer
	onChange  func(open bool)
}

func newBreaker(threshold int, cooldown time.Duration, clock Clock, onChange func(bool)) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &breaker{threshold: threshold, cooldown: cooldown, clock: clock, onChange: onChange}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) status() (failures int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.open
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// failure records one failure and reports whether it opened a closed
// breaker. A failure while already open only re-arms the cool-down.
func (b *breaker) failure() bool {
	b.mu.Lock()
	b.failures++
	if b.failures < b.threshold {
		b.mu.Unlock()
		return false
	}
	opened := !b.open
	b.open = true
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
	}
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.cooldown, func() { b.expire(gen) })
	b.mu.Unlock()
	if opened {
		b.onChange(true)
	}
	return opened
}

func (b *breaker) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || !b.open {
		b.mu.Unlock()
		return
	}
	b.open = false
	b.failures = 0
	b.timer = nil
	b.mu.Unlock()
	b.onChange(false)
}

// reset closes the breaker and clears the failure count.
func (b *breaker) reset() {
	b.mu.Lock()
	wasOpen := b.open
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.open = false
	b.failures = 0
	b.mu.Unlock()
	if wasOpen {
		b.onChange(false)
	}
}
