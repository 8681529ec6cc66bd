package tablet

import "github.com/coredb/tablet/pkg/consensus"

// AlterSchemaOperation applies a schema version bump to the tablet. Schema
// changes replicate exactly like writes but apply runs against the
// tablet's metadata rather than its row data.
type AlterSchemaOperation struct {
	hookOperation
	SchemaVersion uint32
}

// NewAlterSchemaOperation constructs an alter-schema operation targeting
// SchemaVersion.
func NewAlterSchemaOperation(
	state *OperationState, schemaVersion uint32, prepare PrepareFunc, apply ApplyFunc, abort AbortFunc,
) *AlterSchemaOperation {
	return &AlterSchemaOperation{
		hookOperation: newHookOperation(state, consensus.AlterSchema, "ALTER_SCHEMA", prepare, apply, abort),
		SchemaVersion: schemaVersion,
	}
}

// NewReplicateMsg builds the leader-side replicate message.
func (a *AlterSchemaOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:     consensus.AlterSchema,
		HybridTime: a.state.HybridTime(),
		Payload:    a.state.Request(),
	}
}
