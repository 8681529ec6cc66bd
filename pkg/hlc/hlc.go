// Package hlc provides the hybrid logical clock used to order operations,
// grounded on the teacher's pkg/util/hlc (hlc.Timestamp, hlc.Clock.Update)
// as imported throughout pkg/kv/kvserver.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a hybrid logical/physical timestamp: a physical wall-clock
// reading in microseconds, disambiguated by a logical counter for events
// that share the same physical tick.
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// Max is the largest representable Timestamp, used as an "never applies"
// sentinel analogous to HybridTime::kMax.
var Max = Timestamp{WallTime: int64(^uint64(0) >> 1)}

// IsEmpty reports whether ts is the zero value, i.e. unset.
func (ts Timestamp) IsEmpty() bool {
	return ts == Timestamp{}
}

// Less reports whether ts happened before other.
func (ts Timestamp) Less(other Timestamp) bool {
	return ts.WallTime < other.WallTime ||
		(ts.WallTime == other.WallTime && ts.Logical < other.Logical)
}

// Compare returns -1, 0, or 1 as ts is less than, equal to, or greater than
// other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.Less(other):
		return -1
	case other.Less(ts):
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%04d", ts.WallTime, ts.Logical)
}

// Clock produces monotonically increasing Timestamps and folds in
// externally observed timestamps, the way a Raft follower must advance its
// local clock to at least the leader's replicate-message timestamp before
// applying it.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	now  func() time.Time
}

// NewClock constructs a Clock whose physical component is driven by
// time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithNowFunc constructs a Clock with an injected time source, for
// deterministic tests.
func NewClockWithNowFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now advances the clock and returns a Timestamp strictly greater than any
// previously returned or Updated value.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	physical := c.now().UnixMicro()
	if physical > c.last.WallTime {
		c.last = Timestamp{WallTime: physical}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update folds an externally observed Timestamp into the clock so that
// subsequent Now() calls stay at or ahead of it.
func (c *Clock) Update(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Less(ts) {
		c.last = ts
	}
}

// MaxTimestamp returns the larger of two Timestamps.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}
