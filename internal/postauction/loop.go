package postauction

import (
	"math"
	"sync/atomic"
	"time"
)

// loopMonitor measures the share of wall time the loop spends handling
// events and sweeps. It is written by the loop goroutine only; Load is
// safe from anywhere.
type loopMonitor struct {
	window      time.Duration
	windowStart time.Time
	busy        time.Duration
	load        atomic.Uint64
}

func newLoopMonitor(window time.Duration) *loopMonitor {
	return &loopMonitor{window: window}
}

// record adds one unit of work. It returns the new load and true each
// time a window closes.
func (l *loopMonitor) record(start, end time.Time) (float64, bool) {
	if l.windowStart.IsZero() {
		l.windowStart = start
	}
	l.busy += end.Sub(start)

	elapsed := end.Sub(l.windowStart)
	if elapsed < l.window {
		return 0, false
	}
	load := float64(l.busy) / float64(elapsed)
	if load > 1 {
		load = 1
	}
	l.load.Store(math.Float64bits(load))
	l.windowStart = end
	l.busy = 0
	return load, true
}

// Load returns the load of the last closed window, between 0 and 1
func (l *loopMonitor) Load() float64 {
	return math.Float64frombits(l.load.Load())
}
