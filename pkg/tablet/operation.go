package tablet

import (
	"context"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
)

// CompletionCallback is invoked exactly once per operation with its
// terminal status: nil on success, non-nil once Aborted.
type CompletionCallback func(err error)

// Operation is the polymorphic unit of work the driver pushes through the
// two-axis state machine. Variants — Write, AlterSchema, UpdateTransaction,
// Truncate, Snapshot — implement this over the capability set
// {NewReplicateMsg, Prepare, Replicated, Aborted} (spec.md §9). There is no
// Empty variant: the "safe-time only" case is a driver with a nil Operation
// (see OperationDriver.StartOperation), not a sentinel implementation — a
// deliberate resolution of the open question in spec.md §9.
type Operation interface {
	// State returns the mutable per-operation record backing this
	// operation.
	State() *OperationState
	// OperationType reports which wire-representable variant this is.
	OperationType() consensus.OperationType
	// NewReplicateMsg builds the message a leader-side driver proposes to
	// consensus. Only called in leader mode.
	NewReplicateMsg() *consensus.ReplicateMsg
	// Prepare runs pre-replication side effects (e.g. acquiring
	// document-level locks). May fail.
	Prepare(ctx context.Context) error
	// Replicated runs once both axes have completed; it is the only method
	// permitted to mutate durable state.
	Replicated(ctx context.Context, leaderTerm int64) error
	// Aborted runs when the operation will never apply; status explains why.
	Aborted(ctx context.Context, err error)
	// SubmittedToPreparer is a hook fired once the driver has handed this
	// operation to the Preparer, regardless of whether submission
	// succeeded.
	SubmittedToPreparer()
	// String renders a short human-readable description for status and log
	// lines.
	String() string
}

// OperationState is the per-operation mutable record shared between an
// Operation and its OperationDriver: assigned op-id, hybrid-time, the bound
// consensus round, and the completion callback. Invariants (spec.md §3):
// op_id is set before any follower apply; hybrid_time is set before
// replication begins.
type OperationState struct {
	tablet *TabletPeer
	// request is the original request payload, kept verbatim so a replica
	// driver can propagate it into the consensus round's ReplicateMsg.
	request []byte

	opID       consensus.OpId
	hybridTime hlc.Timestamp
	round      consensus.Round
	completion CompletionCallback
}

// NewOperationState constructs a state bound to the given tablet peer and
// request payload. completion may be nil only for internally generated
// operations (none of the current variants do this; external submissions
// always supply one).
func NewOperationState(tablet *TabletPeer, request []byte, completion CompletionCallback) *OperationState {
	return &OperationState{tablet: tablet, request: request, completion: completion}
}

// Tablet returns the owning peer.
func (s *OperationState) Tablet() *TabletPeer { return s.tablet }

// Request returns the original request payload.
func (s *OperationState) Request() []byte { return s.request }

// OpId returns the assigned op-id, or the zero value if unassigned.
func (s *OperationState) OpId() consensus.OpId { return s.opID }

// SetOpId assigns the op-id. Called once, before any follower apply.
func (s *OperationState) SetOpId(id consensus.OpId) { s.opID = id }

// HybridTime returns the op's assigned hybrid-time.
func (s *OperationState) HybridTime() hlc.Timestamp { return s.hybridTime }

// HasHybridTime reports whether HybridTime has been assigned yet.
func (s *OperationState) HasHybridTime() bool { return !s.hybridTime.IsEmpty() }

// SetHybridTime assigns the op's hybrid-time. Must happen before
// replication begins.
func (s *OperationState) SetHybridTime(ts hlc.Timestamp) { s.hybridTime = ts }

// ConsensusRound returns the bound round, or nil if none has been bound
// yet (follower ops that haven't arrived, or tests without consensus).
func (s *OperationState) ConsensusRound() consensus.Round { return s.round }

// SetConsensusRound binds the round carrying this operation's replicate
// message.
func (s *OperationState) SetConsensusRound(r consensus.Round) { s.round = r }

// CompletionCallback returns the callback to invoke with the terminal
// status.
func (s *OperationState) CompletionCallback() CompletionCallback { return s.completion }

// AddedToFollower records that this operation's op-id arrived already
// assigned, off the wire.
func (s *OperationState) AddedToFollower() {}

// AddedToLeader records that consensus has appended this operation's round
// to the local log, with opID now assigned and committedOpID observed at
// append time.
func (s *OperationState) AddedToLeader(opID, committedOpID consensus.OpId) {
	s.opID = opID
}

// complete invokes the completion callback exactly once. Callers must not
// invoke it more than once per operation.
func (s *OperationState) complete(err error) {
	if s.completion != nil {
		s.completion(err)
	}
}
