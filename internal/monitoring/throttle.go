package monitoring

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/vio.frontend/internal/timeutil"
)

// ThrottleConfig controls how often one kind of diagnostic may be logged.
// Zero values select defaults.
type ThrottleConfig struct {
	Interval time.Duration // sustained spacing between lines per key, default 1s
	Burst    int           // lines allowed back to back per key, default 5
	Clock    timeutil.Clock
}

// Throttle rate-limits log lines per key. Lines over the limit are counted
// and the count is appended to the next line that gets through.
type Throttle struct {
	logf     func(format string, v ...interface{})
	clock    timeutil.Clock
	interval time.Duration
	burst    int

	mu   sync.Mutex
	keys map[string]*throttled
}

type throttled struct {
	limiter    *rate.Limiter
	suppressed int
}

// NewThrottle returns a Throttle writing through logf.
func NewThrottle(logf func(format string, v ...interface{}), cfg ThrottleConfig) *Throttle {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Throttle{
		logf:     logf,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		burst:    cfg.Burst,
		keys:     make(map[string]*throttled),
	}
}

// Logf logs the line unless key is over its rate. It reports whether the
// line was written.
func (t *Throttle) Logf(key, format string, v ...interface{}) bool {
	t.mu.Lock()
	k, ok := t.keys[key]
	if !ok {
		k = &throttled{limiter: rate.NewLimiter(rate.Every(t.interval), t.burst)}
		t.keys[key] = k
	}
	if !k.limiter.AllowN(t.clock.Now(), 1) {
		k.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := k.suppressed
	k.suppressed = 0
	t.mu.Unlock()

	msg := fmt.Sprintf(format, v...)
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, suppressed)
	}
	t.logf("%s", msg)
	return true
}

// Suppressed returns how many lines for key are waiting to be reported.
func (t *Throttle) Suppressed(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.keys[key]; ok {
		return k.suppressed
	}
	return 0
}
