package tablet

import "github.com/coredb/tablet/pkg/consensus"

// TruncateOperation clears every row from the tablet without dropping it —
// the operation DELETE-all-rows style DDL reduces to.
type TruncateOperation struct {
	hookOperation
}

// NewTruncateOperation constructs a truncate operation.
func NewTruncateOperation(
	state *OperationState, prepare PrepareFunc, apply ApplyFunc, abort AbortFunc,
) *TruncateOperation {
	return &TruncateOperation{
		hookOperation: newHookOperation(state, consensus.Truncate, "TRUNCATE", prepare, apply, abort),
	}
}

// NewReplicateMsg builds the leader-side replicate message.
func (t *TruncateOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:     consensus.Truncate,
		HybridTime: t.state.HybridTime(),
		Payload:    t.state.Request(),
	}
}
