// Package consensus specifies, as interfaces only, the contract this module
// depends on from a Raft consensus engine. The engine itself — leader
// election, log replication, quorum tracking — is explicitly out of scope
// (spec.md §1); callers only ever see this package's types.
package consensus

import (
	"time"

	"github.com/coredb/tablet/pkg/hlc"
)

// DriverType selects whether an OperationDriver is being constructed on the
// leader (it must create a new round) or on a follower/replica (the round
// already exists, handed down from the wire).
type DriverType int

const (
	// Leader drivers build a new consensus round from the operation.
	Leader DriverType = iota
	// Replica drivers are bound to a round that already exists.
	Replica
)

// OperationType enumerates the operation variants that can cross the wire.
// Empty is a local-only sentinel (safe-time propagation) and deliberately
// has no consensus wire representation.
type OperationType int

const (
	Write OperationType = iota
	AlterSchema
	UpdateTransaction
	Truncate
	Snapshot
	Empty
)

func (t OperationType) String() string {
	switch t {
	case Write:
		return "WRITE"
	case AlterSchema:
		return "ALTER_SCHEMA"
	case UpdateTransaction:
		return "UPDATE_TRANSACTION"
	case Truncate:
		return "TRUNCATE"
	case Snapshot:
		return "SNAPSHOT"
	case Empty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// ReplicateMsg is the payload handed to consensus for a leader-side round:
// the operation's serialized request plus the metadata consensus needs to
// order and replay it.
type ReplicateMsg struct {
	OpType           OperationType
	HybridTime       hlc.Timestamp
	MonotonicCounter uint64
	Payload          []byte
}

// AppendCallback is notified once a leader-side round has been appended to
// the local log (but not yet necessarily committed). Invoked at most once
// per round — a second call is a driver bug and the driver asserts against
// it.
type AppendCallback interface {
	HandleConsensusAppend(opID, committedOpID OpId)
}

// ReplicatedCallback is notified exactly once per round, when it either
// commits or irrecoverably fails to. appliedOpIDs is non-nil only on
// success.
type ReplicatedCallback func(err error, leaderTerm int64, appliedOpIDs []OpId)

// Round is a handle to a single pending or in-flight Raft log entry.
type Round interface {
	// BindToTerm fixes the term this round is proposed under.
	BindToTerm(term int64)
	// SetAppendCallback installs the callback fired when the entry reaches
	// the local log.
	SetAppendCallback(cb AppendCallback)
	// SetConsensusReplicatedCallback installs (or, on a replica, re-installs
	// against a driver newly constructed for an inbound round) the callback
	// fired when replication concludes.
	SetConsensusReplicatedCallback(fn func(err error))
	// ReplicateMsg returns the message bound to this round.
	ReplicateMsg() *ReplicateMsg
}

// LeaderStatus describes a peer's belief about its own leadership.
type LeaderStatus int

const (
	NotLeader LeaderStatus = iota
	LeaderLeaseExpired
	LeaderAndReady
)

// Consensus is the contract this module depends on from the Raft engine.
type Consensus interface {
	// NewRound creates a pending round carrying msg, to be driven to
	// completion by onReplicationFinished.
	NewRound(msg *ReplicateMsg, onReplicationFinished ReplicatedCallback) (Round, error)
	// Start begins accepting and driving rounds.
	Start() error
	// Shutdown stops accepting new rounds and aborts any pending ones with
	// an error delivered to their ReplicatedCallback.
	Shutdown()
	// GetLastOpId returns the OpId of the given class currently known to
	// this peer.
	GetLastOpId(t OpIdType) (OpId, error)
	// MajorityReplicatedHtLeaseExpiration returns the microsecond bound up
	// to which a majority of peers have acknowledged a hybrid-time lease,
	// or 0 if no lease is held. minAllowed/deadline bound how long the
	// caller is willing to wait for the bound to advance.
	MajorityReplicatedHtLeaseExpiration(minAllowed int64, deadline time.Time) int64
	// SetPropagatedSafeTimeProvider registers the function consensus polls
	// to learn the current propagated safe time, for inclusion in its own
	// heartbeats.
	SetPropagatedSafeTimeProvider(fn func() hlc.Timestamp)
	// SetMajorityReplicatedListener registers a callback fired whenever the
	// majority-replicated index advances.
	SetMajorityReplicatedListener(fn func())
	// LeaderStatus reports this peer's current leadership belief.
	LeaderStatus() LeaderStatus
	// CurrentTerm returns the term this peer currently believes is active.
	CurrentTerm() int64
	// OnDiskSize reports consensus metadata's on-disk footprint.
	OnDiskSize() uint64
	// TabletID and PeerUUID identify this consensus instance for logging.
	TabletID() string
	PeerUUID() string
}
