// Package debounce coalesces bursts of triggers per key into one call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delays a callback per key. Each Trigger for a key restarts that
// key's timer, so only the last trigger within the window fires. Keys are
// independent: firing or resetting one never blocks another.
type Debouncer struct {
	delay time.Duration
	fire  func(key string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// New returns a Debouncer that calls fire(key) delay after the last Trigger
// for key. fire runs on its own goroutine.
func New(delay time.Duration, fire func(key string)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		fire:    fire,
		pending: make(map[string]*time.Timer),
	}
}

// Trigger schedules key, replacing any timer already pending for it.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if timer, ok := d.pending[key]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A newer Trigger may have replaced this timer after it expired but
		// before we got the lock.
		if d.stopped || d.pending[key] != timer {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()

		d.fire(key)
	})
	d.pending[key] = timer
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
	}
}
