package log

import (
	"sync"
	"time"
)

// EveryN throttles a repeated log statement to at most once per period,
// mirroring YB_LOG_EVERY_N_SECS in the teacher's defensive poll loops.
type EveryN struct {
	period time.Duration

	mu   sync.Mutex
	last time.Time
}

// Every constructs an EveryN that allows one log line per d.
func Every(d time.Duration) *EveryN {
	return &EveryN{period: d}
}

// ShouldLog reports whether enough time has passed since the last call that
// returned true.
func (e *EveryN) ShouldLog() bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.last) < e.period {
		return false
	}
	e.last = now
	return true
}
