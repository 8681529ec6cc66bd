package tablet

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/syncutil"
)

// OperationTracker keeps the set of drivers currently in flight for one
// tablet: the minimum admission control a peer needs (reject new
// submissions once a memory ceiling is hit) and the drain barrier shutdown
// waits on (spec.md §4.2).
type OperationTracker struct {
	ambient   string // tablet id, for log lines
	maxMemory int64  // 0 disables the ceiling

	metrics *trackerMetrics

	mu struct {
		syncutil.Mutex
		ops       map[*OperationDriver]struct{}
		memUsed   int64
		allFinished chan struct{} // closed when ops becomes empty, replaced when it next becomes non-empty
	}
}

type trackerMetrics struct {
	numOps   prometheus.Gauge
	memUsed  prometheus.Gauge
}

// NewOperationTracker constructs an empty tracker. maxMemory of 0 means no
// ceiling is enforced.
func NewOperationTracker(tabletID string, maxMemory int64, registry prometheus.Registerer) *OperationTracker {
	t := &OperationTracker{ambient: tabletID, maxMemory: maxMemory}
	t.mu.ops = make(map[*OperationDriver]struct{})
	t.mu.allFinished = make(chan struct{})
	close(t.mu.allFinished) // starts empty, so "already finished"

	t.metrics = &trackerMetrics{
		numOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "op_tracker_num_ops",
			Help:        "Number of operations currently tracked for this tablet.",
			ConstLabels: prometheus.Labels{"tablet_id": tabletID},
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "op_tracker_mem_bytes",
			Help:        "Approximate memory held by tracked operations.",
			ConstLabels: prometheus.Labels{"tablet_id": tabletID},
		}),
	}
	if registry != nil {
		registry.MustRegister(t.metrics.numOps, t.metrics.memUsed)
	}
	return t
}

// ErrOperationTrackerFull is returned by Add when maxMemory is set and
// admitting the driver would push tracked memory past it.
var ErrOperationTrackerFull = errors.New("operation tracker is over its memory limit")

// spaceUsed estimates a driver's footprint: the request payload plus a
// fixed per-operation overhead, mirroring the teacher's SpaceUsed.
func spaceUsed(d *OperationDriver) int64 {
	const overhead = 1024
	if st := d.State(); st != nil {
		return int64(len(st.Request())) + overhead
	}
	return overhead
}

// Add admits a driver, rejecting it if doing so would push tracked memory
// past maxMemory.
func (t *OperationTracker) Add(d *OperationDriver) error {
	size := spaceUsed(d)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxMemory > 0 && t.mu.memUsed+size > t.maxMemory {
		return errors.Wrapf(ErrOperationTrackerFull, "tablet %s: %d + %d > %d", t.ambient, t.mu.memUsed, size, t.maxMemory)
	}
	if len(t.mu.ops) == 0 {
		t.mu.allFinished = make(chan struct{})
	}
	t.mu.ops[d] = struct{}{}
	t.mu.memUsed += size
	t.metrics.numOps.Set(float64(len(t.mu.ops)))
	t.metrics.memUsed.Set(float64(t.mu.memUsed))
	return nil
}

// Release removes a finished driver and, for a real (non-nil-operation)
// driver, invokes its completion callback. appliedOpIDs is accepted for
// symmetry with the teacher's signature and is not otherwise used; this
// module has no separate bookkeeping keyed on it. completionErr is
// delivered verbatim to the operation's completion callback: nil on a
// successful apply, the triggering error on an abort.
func (t *OperationTracker) Release(d *OperationDriver, completionErr error, appliedOpIDs []consensus.OpId) {
	size := spaceUsed(d)

	t.mu.Lock()
	if _, ok := t.mu.ops[d]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.mu.ops, d)
	t.mu.memUsed -= size
	if len(t.mu.ops) == 0 {
		close(t.mu.allFinished)
	}
	t.metrics.numOps.Set(float64(len(t.mu.ops)))
	t.metrics.memUsed.Set(float64(t.mu.memUsed))
	t.mu.Unlock()

	if d.operation != nil {
		if st := d.operation.State(); st != nil {
			st.complete(completionErr)
		}
	}
}

// GetPendingOperations returns a snapshot of the currently tracked drivers.
func (t *OperationTracker) GetPendingOperations() []*OperationDriver {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*OperationDriver, 0, len(t.mu.ops))
	for d := range t.mu.ops {
		out = append(out, d)
	}
	return out
}

// NumPending reports how many drivers are currently tracked.
func (t *OperationTracker) NumPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.ops)
}

// WaitForAllToFinish blocks until the tracker is empty, ctx is done, or
// timeout elapses, whichever comes first. A non-positive timeout waits
// indefinitely (bounded only by ctx).
func (t *OperationTracker) WaitForAllToFinish(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	ch := t.mu.allFinished
	t.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Newf("timed out waiting for %d operations to finish on tablet %s", t.NumPending(), t.ambient)
	}
}
