package ratelimit

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid successive values, emitting only the most recent
// one after a quiescence interval. Intermediate values are discarded.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	emit     func(string)
	timer    *time.Timer
	pending  string
	has      bool
	stopped  bool
}

// NewDebouncer constructs a debouncer that calls emit with the latest value
// once interval has elapsed without a newer Set. A non-positive interval
// emits synchronously.
func NewDebouncer(interval time.Duration, emit func(string)) *Debouncer {
	return &Debouncer{
		interval: interval,
		emit:     emit,
	}
}

// Set records value as the latest candidate and restarts the quiet timer.
func (d *Debouncer) Set(value string) {
	if d.interval <= 0 {
		d.emit(value)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = value
	d.has = true

	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.fire)
		return
	}
	d.timer.Reset(d.interval)
}

// Flush emits any pending value immediately.
func (d *Debouncer) Flush() {
	d.fire()
}

// Stop cancels the timer and discards any pending value.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.has = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.has || d.stopped {
		d.mu.Unlock()
		return
	}
	value := d.pending
	d.has = false
	d.mu.Unlock()

	d.emit(value)
}
