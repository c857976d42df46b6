// Package coalesce collapses bursts of activity into bounded work.
//
// Debouncer runs a function once per key after a quiet period. Throttler
// admits at most one call per key per fixed window and drops the rest.
package coalesce

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hpungsan/codestream/internal/metrics"
)

// DefaultDelay is the default quiet period before a debounced key fires.
const DefaultDelay = 2 * time.Second

// task is one scheduled firing. A task fires only while it is still the
// current task for its key.
type task struct {
	timer *time.Timer
}

// Debouncer schedules fn(key) to run delay after the last Trigger for key.
// A Trigger before the delay elapses cancels the pending task and starts a
// new one. fn runs on its own goroutine.
type Debouncer struct {
	delay   time.Duration
	fn      func(key string)
	tasks   *xsync.MapOf[string, *task]
	stopped atomic.Bool
}

// NewDebouncer returns a debouncer. delay <= 0 uses DefaultDelay.
func NewDebouncer(delay time.Duration, fn func(key string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{
		delay: delay,
		fn:    fn,
		tasks: xsync.NewMapOf[string, *task](),
	}
}

// Trigger (re)starts the quiet period for key.
func (d *Debouncer) Trigger(key string) {
	if d.stopped.Load() {
		return
	}
	d.tasks.Compute(key, func(old *task, loaded bool) (*task, bool) {
		if loaded {
			old.timer.Stop()
		}
		t := &task{}
		t.timer = time.AfterFunc(d.delay, func() { d.fire(key, t) })
		return t, false
	})
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	var had bool
	d.tasks.Compute(key, func(old *task, loaded bool) (*task, bool) {
		if loaded {
			old.timer.Stop()
			had = true
		}
		return nil, true
	})
	return had
}

// Pending reports whether key has a scheduled task.
func (d *Debouncer) Pending(key string) bool {
	_, ok := d.tasks.Load(key)
	return ok
}

// Len returns the number of scheduled tasks.
func (d *Debouncer) Len() int {
	return d.tasks.Size()
}

// Flush runs every pending task now, on the calling goroutine.
func (d *Debouncer) Flush() {
	var keys []string
	d.tasks.Range(func(k string, _ *task) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		if t, ok := d.tasks.Load(k); ok {
			t.timer.Stop()
			d.fire(k, t)
		}
	}
}

// Stop cancels every pending task. Triggers after Stop are ignored.
func (d *Debouncer) Stop() {
	d.stopped.Store(true)
	d.tasks.Range(func(k string, t *task) bool {
		t.timer.Stop()
		d.tasks.Delete(k)
		return true
	})
}

func (d *Debouncer) fire(key string, t *task) {
	current := false
	d.tasks.Compute(key, func(old *task, loaded bool) (*task, bool) {
		if loaded && old == t {
			current = true
			return nil, true
		}
		return old, !loaded
	})
	if !current {
		return
	}
	metrics.DebounceFires.Inc()
	d.fn(key)
}
