package tablet

import (
	"context"

	"github.com/coredb/tablet/pkg/consensus"
)

// PrepareFunc runs an operation's pre-replication side effects.
type PrepareFunc func(ctx context.Context) error

// ApplyFunc runs an operation's durable-apply side effects once both axes
// of the driver have completed.
type ApplyFunc func(ctx context.Context, leaderTerm int64) error

// AbortFunc runs when an operation will never apply.
type AbortFunc func(ctx context.Context, err error)

// hookOperation is the common machinery every Operation variant in this
// package is built from: the shared OperationState plus three injectable
// hooks, so tests can exercise the driver state machine without a real
// document-locking or storage layer underneath. Grounded on
// tablet.cc/operations' pattern of a thin subclass over a common base that
// mostly just forwards to its *State.
type hookOperation struct {
	state   *OperationState
	opType  consensus.OperationType
	prepare PrepareFunc
	apply   ApplyFunc
	abort   AbortFunc
	name    string
}

func newHookOperation(
	state *OperationState,
	opType consensus.OperationType,
	name string,
	prepare PrepareFunc,
	apply ApplyFunc,
	abort AbortFunc,
) hookOperation {
	if prepare == nil {
		prepare = func(ctx context.Context) error { return nil }
	}
	if apply == nil {
		apply = func(ctx context.Context, leaderTerm int64) error { return nil }
	}
	if abort == nil {
		abort = func(ctx context.Context, err error) {}
	}
	return hookOperation{state: state, opType: opType, name: name, prepare: prepare, apply: apply, abort: abort}
}

func (h *hookOperation) State() *OperationState                { return h.state }
func (h *hookOperation) OperationType() consensus.OperationType { return h.opType }
func (h *hookOperation) Prepare(ctx context.Context) error      { return h.prepare(ctx) }
func (h *hookOperation) Replicated(ctx context.Context, leaderTerm int64) error {
	return h.apply(ctx, leaderTerm)
}
func (h *hookOperation) Aborted(ctx context.Context, err error) { h.abort(ctx, err) }
func (h *hookOperation) SubmittedToPreparer()                   {}
func (h *hookOperation) String() string {
	return h.name + " " + h.state.OpId().String()
}
