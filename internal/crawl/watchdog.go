package crawl

import (
	"sync/atomic"
	"time"
)

// Watchdog is a per-attempt wall-clock ceiling. The page-processing
// steps have no cooperative cancellation of their own, so a hard
// deadline is the only backstop against a wedged step holding the crawl
// forever. It fires at most once; Stop on every normal exit path keeps
// a false abort from racing a legitimate completion.
type Watchdog struct {
	timer *time.Timer
	fired atomic.Bool
}

// ArmWatchdog starts the deadline. onFire runs in the timer goroutine
// and should only cancel the attempt's context; the runner applies the
// forced-abort mutation itself after the attempt unwinds, keeping all
// task mutations on one goroutine.
func ArmWatchdog(d time.Duration, onFire func()) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(d, func() {
		w.fired.Store(true)
		onFire()
	})
	return w
}

// Stop cancels the deadline. Safe after firing.
func (w *Watchdog) Stop() {
	w.timer.Stop()
}

// Fired reports whether the deadline elapsed before Stop.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}
