package asr

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultQuietWindow = 2000 * time.Millisecond
	DefaultCooldown    = 2000 * time.Millisecond
)

// StabilityDetector declares a transcript final once it stops changing for the quiet window.
//
// Every changed update restarts the clock. An update repeating the pending snapshot
// leaves the running clock alone. When the window elapses the live transcript must
// still equal the snapshot, the snapshot must be non-empty, and no submission may be
// in flight; the in-flight guard clears after the cool-down.
type StabilityDetector struct {
	quiet    time.Duration
	cooldown time.Duration
	live     func() string
	onFinal  func(string)

	mu       sync.Mutex
	timer    *time.Timer
	snapshot string
	seq      uint64
	stopped  bool

	inflight atomic.Bool
}

// NewStabilityDetector builds a detector reading the live transcript through live.
func NewStabilityDetector(quiet time.Duration, cooldown time.Duration, live func() string, onFinal func(string)) *StabilityDetector {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &StabilityDetector{quiet: quiet, cooldown: cooldown, live: live, onFinal: onFinal}
}

// Observe snapshots text and (re)starts the quiet timer.
func (d *StabilityDetector) Observe(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil && text == d.snapshot {
		return
	}

	d.snapshot = text
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(seq) })
}

// Stop cancels any pending timer; later observations are ignored.
func (d *StabilityDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// InFlight reports whether a submission is inside its cool-down.
func (d *StabilityDetector) InFlight() bool {
	return d.inflight.Load()
}

func (d *StabilityDetector) fire(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.seq {
		d.mu.Unlock()
		return
	}
	snapshot := d.snapshot
	d.timer = nil
	d.mu.Unlock()

	if snapshot == "" {
		return
	}
	if d.live != nil && d.live() != snapshot {
		return
	}
	if !d.inflight.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(d.cooldown, func() { d.inflight.Store(false) })

	if d.onFinal != nil {
		d.onFinal(snapshot)
	}
}
