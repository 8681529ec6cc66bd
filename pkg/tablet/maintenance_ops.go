package tablet

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/coredb/tablet/pkg/log"
	"github.com/coredb/tablet/pkg/stop"
)

// logGCInterval is how often the LogGCOp runs GetEarliestNeededLogIndex and
// garbage-collects the write-ahead log, grounded on the cadence
// raft_log_truncator.go polls at.
const logGCInterval = 10 * time.Second

// LogGCOp is a TabletPeer.MaintenanceOp that periodically computes
// GetEarliestNeededLogIndex and garbage-collects the WAL below it
// (spec.md §4.4). Registered on the peer and driven by its own stopper-
// tracked loop, the way raft_log_truncator.go runs its own async task
// rather than being polled by a central scheduler.
type LogGCOp struct {
	peer *TabletPeer
}

// NewLogGCOp constructs a LogGCOp for peer.
func NewLogGCOp(peer *TabletPeer) *LogGCOp {
	return &LogGCOp{peer: peer}
}

// Name identifies this op among a peer's registered maintenance ops.
func (op *LogGCOp) Name() string { return "LogGC" }

// Run computes the earliest needed index and garbage-collects everything
// below it.
func (op *LogGCOp) Run(ctx context.Context) error {
	minIndex, err := op.peer.GetEarliestNeededLogIndex(ctx)
	if err != nil {
		return errors.Wrap(err, "computing earliest needed log index")
	}
	removed, err := op.peer.wal.GC(minIndex)
	if err != nil {
		return errors.Wrap(err, "garbage collecting write-ahead log")
	}
	if removed > 0 {
		log.Infof(op.peer.ambient.AnnotateCtx(ctx), "log GC removed %d segments below index %d", removed, minIndex)
	}
	return nil
}

// StartLogGCLoop registers op with peer and runs it on logGCInterval ticks
// until peer's stopper quiesces.
func StartLogGCLoop(ctx context.Context, peer *TabletPeer, stopper *stop.Stopper) {
	op := NewLogGCOp(peer)
	peer.RegisterMaintenanceOps(op)

	_ = stopper.RunAsyncTask(ctx, "log-gc", func(ctx context.Context) {
		ticker := time.NewTicker(logGCInterval)
		defer ticker.Stop()
		defer peer.UnregisterMaintenanceOps(op.Name())

		for {
			select {
			case <-stopper.ShouldQuiesce():
				return
			case <-ticker.C:
				if err := op.Run(ctx); err != nil {
					log.Errorf(peer.ambient.AnnotateCtx(ctx), "log GC failed: %v", err)
				}
			}
		}
	})
}
