package coalesce

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/hpungsan/codestream/internal/metrics"
)

// DefaultWindow is the default throttle window.
const DefaultWindow = time.Second

// Throttler admits the first call per key in each fixed window. Calls inside
// the window are dropped, not queued.
type Throttler struct {
	window time.Duration
	seen   *ttlcache.Cache[string, struct{}]
}

// NewThrottler returns a running throttler. window <= 0 uses DefaultWindow.
// Call Stop to release its cleanup goroutine.
func NewThrottler(window time.Duration) *Throttler {
	if window <= 0 {
		window = DefaultWindow
	}
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](window),
		// hits must not extend the window
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()
	return &Throttler{window: window, seen: seen}
}

// Window returns the throttle window.
func (t *Throttler) Window() time.Duration {
	return t.window
}

// Allow reports whether a call for key may proceed now.
func (t *Throttler) Allow(key string) bool {
	_, loaded := t.seen.GetOrSet(key, struct{}{})
	if loaded {
		metrics.ThrottleDropped.Inc()
		return false
	}
	return true
}

// Do runs fn if Allow(key) admits it. ran is false when the call was dropped.
func (t *Throttler) Do(key string, fn func() error) (ran bool, err error) {
	if !t.Allow(key) {
		return false, nil
	}
	return true, fn()
}

// Reset forgets key so the next call is admitted immediately.
func (t *Throttler) Reset(key string) {
	t.seen.Delete(key)
}

// Stop halts the cleanup goroutine.
func (t *Throttler) Stop() {
	t.seen.Stop()
}
