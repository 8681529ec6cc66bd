package tablet

import (
	"github.com/coredb/tablet/pkg/consensus"
)

// WriteOperation carries a document-level write (insert/update/delete
// batch) through prepare and replication. MonotonicCounterDelta is carried
// in the replicate message's MonotonicCounter field; neither the operation
// nor its driver applies it to the tablet's monotonic counter.
type WriteOperation struct {
	hookOperation
	MonotonicCounterDelta uint64
}

// NewWriteOperation constructs a write operation. prepare acquires
// whatever document-level locks the batch needs; apply performs the actual
// mutation against the tablet's storage engine.
func NewWriteOperation(
	state *OperationState, monotonicCounterDelta uint64, prepare PrepareFunc, apply ApplyFunc, abort AbortFunc,
) *WriteOperation {
	return &WriteOperation{
		hookOperation:         newHookOperation(state, consensus.Write, "WRITE", prepare, apply, abort),
		MonotonicCounterDelta: monotonicCounterDelta,
	}
}

// NewReplicateMsg builds the leader-side replicate message: the request
// payload verbatim, stamped with the state's hybrid-time at the moment the
// message is built (leader-mode Init, before Prepare runs) and this write's
// monotonic counter delta.
func (w *WriteOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:           consensus.Write,
		HybridTime:       w.state.HybridTime(),
		MonotonicCounter: w.MonotonicCounterDelta,
		Payload:          w.state.Request(),
	}
}
