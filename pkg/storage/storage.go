// Package storage specifies, as interfaces, the contract this module
// depends on from the tablet's storage/MVCC engine. The engine itself —
// document storage, memtables, on-disk format — is explicitly out of scope
// (spec.md §1).
package storage

import (
	"time"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
)

// TableType distinguishes the transaction-status table from regular tables,
// which GetEarliestNeededLogIndex treats differently (spec.md §4.4).
type TableType int

const (
	RegularTableType TableType = iota
	TransactionStatusTableType
)

// PersistentOpId reports the highest OpId durably applied to regular
// storage vs. to the separate intents store.
type PersistentOpId struct {
	Regular consensus.OpId
	Intents consensus.OpId
}

// MVCCManager is the subset of the storage engine's safe-time machinery
// this module needs to drive.
type MVCCManager interface {
	// SetPropagatedSafeTimeOnFollower pushes a safe-time bound received from
	// the leader (via a replicated Empty operation or a real operation's
	// StartOperation) into the follower's read path.
	SetPropagatedSafeTimeOnFollower(ts hlc.Timestamp)
	// UpdatePropagatedSafeTimeOnLeader pushes a safe-time bound derived from
	// the leader's own majority-replicated HT lease.
	UpdatePropagatedSafeTimeOnLeader(ts hlc.Timestamp)
	// SafeTime returns the current safe-time bound, given an HT lease
	// expiration the caller has already obtained.
	SafeTime(htLease hlc.Timestamp) hlc.Timestamp
	// LastReplicatedHybridTime returns the hybrid-time of the last entry
	// applied on this peer.
	LastReplicatedHybridTime() hlc.Timestamp
}

// TransactionCoordinator is the subset of the transaction-status-table
// machinery GetEarliestNeededLogIndex depends on. Present only on
// transaction-status tablets.
type TransactionCoordinator interface {
	// PrepareGC returns the lowest log index the coordinator still needs
	// for pending transaction bookkeeping.
	PrepareGC() int64
	// Start begins background processing. Called once at InitTabletPeer.
	Start()
}

// FlushFilter decides whether a memtable holding entries up to
// largestAppliedIndex may be flushed yet: only once every operation it
// holds has also reached the WAL.
type FlushFilter func(largestAppliedIndex int64) (bool, error)

// HtLeaseProvider resolves the current majority-replicated hybrid-time
// lease expiration, waiting up to deadline for it to advance past
// minAllowed. Returns the zero Timestamp if no lease is held.
type HtLeaseProvider func(minAllowed int64, deadline time.Time) hlc.Timestamp

// Tablet is the contract TabletPeer depends on from the storage engine.
type Tablet interface {
	TabletID() string
	TableType() TableType
	MVCCManager() MVCCManager
	// TransactionCoordinator returns nil on tables that don't run one.
	TransactionCoordinator() TransactionCoordinator

	// SetShutdownRequestedFlag marks the tablet so that new operation
	// acquisitions (e.g. document lock grabs in Prepare) start failing.
	SetShutdownRequestedFlag()
	// Shutdown releases the tablet's in-memory and on-disk resources. Only
	// valid once the operation tracker has drained.
	Shutdown()

	// MaxPersistentOpId reports the highest OpId durably applied.
	MaxPersistentOpId() (PersistentOpId, error)
	// LastCommittedWriteIndex reports the highest index known committed by
	// a write, for the "uncommitted writes past persistence" GC check.
	LastCommittedWriteIndex() int64
	// UpdateMonotonicCounter advances the tablet's monotonic counter to at
	// least n.
	UpdateMonotonicCounter(n uint64)

	// GetTotalSSTFileSizes reports on-disk footprint for OnDiskSize.
	GetTotalSSTFileSizes() uint64

	// SetMemTableFlushFilterFactory installs the factory TabletPeer uses to
	// gate memtable flushes on WAL durability (SPEC_FULL.md §4.3).
	SetMemTableFlushFilterFactory(factory func() FlushFilter)
	// SetHybridTimeLeaseProvider installs the provider TabletPeer derives
	// from consensus's majority-replicated HT lease.
	SetHybridTimeLeaseProvider(fn HtLeaseProvider)
}
