package tablet

import "github.com/coredb/tablet/pkg/consensus"

// UpdateTransactionOperation updates a transaction's status (PENDING,
// COMMITTED, APPLIED, ABORTED) in the transaction-status table. Runs
// through the same driver as any other operation; SubmitUpdateTransaction
// is the only submission entrypoint that targets it.
type UpdateTransactionOperation struct {
	hookOperation
	TransactionID [16]byte
}

// NewUpdateTransactionOperation constructs an update-transaction operation
// for the given transaction.
func NewUpdateTransactionOperation(
	state *OperationState, txnID [16]byte, prepare PrepareFunc, apply ApplyFunc, abort AbortFunc,
) *UpdateTransactionOperation {
	return &UpdateTransactionOperation{
		hookOperation: newHookOperation(state, consensus.UpdateTransaction, "UPDATE_TRANSACTION", prepare, apply, abort),
		TransactionID: txnID,
	}
}

// NewReplicateMsg builds the leader-side replicate message.
func (u *UpdateTransactionOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:     consensus.UpdateTransaction,
		HybridTime: u.state.HybridTime(),
		Payload:    u.state.Request(),
	}
}
