package reachability

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"homereach/metrics"
)

// Trigger sources.
const (
	SourceNetwork    = "network"
	SourceForeground = "foreground"
	SourcePeriodic   = "periodic"
	SourceDiscovery  = "discovery"
	SourceStartup    = "startup"
)

// triggerSet is the set of sources that fired during one quiet period.
type triggerSet map[string]struct{}

// needsFullReload reports whether any source asks for a directory fetch.
// Discovery changes alone only need the known paths re-probed.
func (t triggerSet) needsFullReload() bool {
	for source := range t {
		if source != SourceDiscovery {
			return true
		}
	}
	return false
}

// debouncer coalesces triggers and fires once after a quiet period.
type debouncer struct {
	clock    clock.Clock
	interval time.Duration
	fire     func(triggerSet)

	mu      sync.Mutex
	pending triggerSet
	timer   *clock.Timer
	stopped bool
}

func newDebouncer(c clock.Clock, interval time.Duration, fire func(triggerSet)) *debouncer {
	return &debouncer{clock: c, interval: interval, fire: fire, pending: make(triggerSet)}
}

func (d *debouncer) trigger(source string) {
	metrics.RecordTrigger(source)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[source] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.interval, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	fired := d.pending
	d.pending = make(triggerSet)
	d.timer = nil
	d.mu.Unlock()

	d.fire(fired)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
