package tablet

import "github.com/coredb/tablet/pkg/consensus"

// SnapshotOperation creates or restores a point-in-time snapshot of the
// tablet's on-disk state, identified by SnapshotID.
type SnapshotOperation struct {
	hookOperation
	SnapshotID string
	Restore    bool
}

// NewSnapshotOperation constructs a snapshot operation. restore selects
// between creating a new snapshot and restoring an existing one.
func NewSnapshotOperation(
	state *OperationState, snapshotID string, restore bool, prepare PrepareFunc, apply ApplyFunc, abort AbortFunc,
) *SnapshotOperation {
	return &SnapshotOperation{
		hookOperation: newHookOperation(state, consensus.Snapshot, "SNAPSHOT", prepare, apply, abort),
		SnapshotID:    snapshotID,
		Restore:       restore,
	}
}

// NewReplicateMsg builds the leader-side replicate message.
func (s *SnapshotOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:     consensus.Snapshot,
		HybridTime: s.state.HybridTime(),
		Payload:    s.state.Request(),
	}
}
