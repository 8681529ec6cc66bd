// Package tablet implements the per-tablet operation driver and tablet-peer
// orchestrator: the machinery that pushes a write, schema change, or other
// operation through prepare and Raft replication to durable apply, and the
// peer-level lifecycle and log-GC bookkeeping built on top of it.
package tablet

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
	"github.com/coredb/tablet/pkg/log"
	"github.com/coredb/tablet/pkg/stop"
	"github.com/coredb/tablet/pkg/storage"
	"github.com/coredb/tablet/pkg/syncutil"
	"github.com/coredb/tablet/pkg/walog"
)

// PeerState is the TabletPeer lifecycle state machine (spec.md §4.3).
type PeerState int32

const (
	NotStarted PeerState = iota
	Bootstrapping
	Running
	Quiescing
	Shutdown
	Failed
)

func (s PeerState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Bootstrapping:
		return "BOOTSTRAPPING"
	case Running:
		return "RUNNING"
	case Quiescing:
		return "QUIESCING"
	case Shutdown:
		return "SHUTDOWN"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalState marks every lifecycle-violation error this package
// returns (wrong PeerState for the requested transition or submission), so
// callers can distinguish "you called this out of order" from any other
// failure with a single errors.Is check instead of parsing message text.
var ErrIllegalState = errors.New("tablet peer is in an illegal state for this operation")

// MaintenanceOp is registered with a TabletPeer so Shutdown can unregister
// it and an external scheduler can discover it; the scheduling loop itself
// lives in maintenance_ops.go.
type MaintenanceOp interface {
	Name() string
	Run(ctx context.Context) error
}

// TabletPeer orchestrates one tablet replica: submission entrypoints for
// every operation variant, the lifecycle state machine, and the
// GetEarliestNeededLogIndex computation log GC depends on (spec.md §4.3,
// §4.4).
type TabletPeer struct {
	tabletID string
	peerUUID string
	ambient  log.AmbientContext
	config   Config

	consensus consensus.Consensus
	wal       walog.Log
	tablet    storage.Tablet
	clock     *hlc.Clock
	stopper   *stop.Stopper

	tracker  *OperationTracker
	preparer *Preparer

	statePacked atomic.Int32 // PeerState

	mu struct {
		syncutil.Mutex
		failedErr      error // non-nil only once statePacked == Failed
		maintenanceOps map[string]MaintenanceOp
	}
}

// NewTabletPeer constructs a peer in NotStarted state. InitTabletPeer must
// be called before Start.
func NewTabletPeer(tabletID, peerUUID string, config Config) *TabletPeer {
	p := &TabletPeer{
		tabletID: tabletID,
		peerUUID: peerUUID,
		ambient:  log.MakeAmbientContext().AddTag("tablet", tabletID).AddTag("peer", peerUUID),
		config:   config,
	}
	p.statePacked.Store(int32(NotStarted))
	p.mu.maintenanceOps = make(map[string]MaintenanceOp)
	return p
}

// InitTabletPeer wires the peer to its consensus, WAL, and storage
// dependencies, registers the hybrid-time lease provider and memtable
// flush filter factory consensus and storage need from each other, and
// moves the peer to Bootstrapping. Grounded on tablet_peer.cc's
// InitTabletPeer.
func (p *TabletPeer) InitTabletPeer(
	ctx context.Context,
	cons consensus.Consensus,
	wal walog.Log,
	tab storage.Tablet,
	clock *hlc.Clock,
	stopper *stop.Stopper,
	registry prometheus.Registerer,
) error {
	if p.state() != NotStarted {
		return errors.Wrapf(ErrIllegalState, "InitTabletPeer called in state %s", p.state())
	}
	p.consensus = cons
	p.wal = wal
	p.tablet = tab
	p.clock = clock
	p.stopper = stopper

	p.tracker = NewOperationTracker(p.tabletID, p.config.OperationTrackerMaxMemoryBytes, registry)
	metrics := NewPreparerMetrics(p.tabletID, registry)
	p.preparer = NewPreparer(ctx, p.tabletID, stopper, metrics)

	htLeaseProvider := func(minAllowed int64, deadline time.Time) hlc.Timestamp {
		expiration := cons.MajorityReplicatedHtLeaseExpiration(minAllowed, deadline)
		return hlc.Timestamp{WallTime: expiration}
	}
	tab.SetHybridTimeLeaseProvider(htLeaseProvider)
	tab.SetMemTableFlushFilterFactory(func() storage.FlushFilter {
		latestWAL := wal.GetLatestEntryOpId()
		return func(largestAppliedIndex int64) (bool, error) {
			return largestAppliedIndex <= latestWAL.Index, nil
		}
	})
	cons.SetPropagatedSafeTimeProvider(func() hlc.Timestamp {
		htLease := htLeaseProvider(0, time.Time{})
		if htLease.IsEmpty() {
			return hlc.Timestamp{}
		}
		if mvcc := tab.MVCCManager(); mvcc != nil {
			return mvcc.SafeTime(htLease)
		}
		return hlc.Timestamp{}
	})
	cons.SetMajorityReplicatedListener(func() {
		p.onMajorityReplicated(ctx)
	})

	if tc := tab.TransactionCoordinator(); tc != nil {
		tc.Start()
	}

	p.setState(Bootstrapping)
	return nil
}

func (p *TabletPeer) onMajorityReplicated(ctx context.Context) {
	mvcc := p.tablet.MVCCManager()
	if mvcc == nil {
		return
	}
	expiration := p.consensus.MajorityReplicatedHtLeaseExpiration(0, time.Time{})
	if expiration == 0 {
		return
	}
	safe := mvcc.SafeTime(hlc.Timestamp{WallTime: expiration})
	mvcc.UpdatePropagatedSafeTimeOnLeader(safe)
}

func (p *TabletPeer) state() PeerState {
	return PeerState(p.statePacked.Load())
}

func (p *TabletPeer) setState(s PeerState) {
	p.statePacked.Store(int32(s))
}

// Start moves the peer from Bootstrapping to Running and starts consensus.
func (p *TabletPeer) Start(ctx context.Context) error {
	if p.state() != Bootstrapping {
		return errors.Wrapf(ErrIllegalState, "Start called in state %s", p.state())
	}
	if err := p.consensus.Start(); err != nil {
		p.SetFailed(err)
		return err
	}
	p.setState(Running)
	log.Infof(p.ambient.AnnotateCtx(ctx), "tablet peer started")
	return nil
}

// SetFailed moves the peer to Failed and records err for HumanReadableState.
// Once Failed, Submit (and the typed helpers built on it) and
// StartReplicaOperation reject new operations; SetPropagatedSafeTime does
// not check the peer state.
func (p *TabletPeer) SetFailed(err error) {
	p.mu.Lock()
	p.mu.failedErr = err
	p.mu.Unlock()
	p.setState(Failed)
}

// LeaderStatus reports this peer's consensus leadership belief.
func (p *TabletPeer) LeaderStatus() consensus.LeaderStatus {
	return p.consensus.LeaderStatus()
}

// HumanReadableState renders the peer's state for status pages, including
// the failure reason once Failed.
func (p *TabletPeer) HumanReadableState() string {
	s := p.state()
	if s != Failed {
		return s.String()
	}
	p.mu.Lock()
	err := p.mu.failedErr
	p.mu.Unlock()
	if err == nil {
		return s.String()
	}
	return s.String() + ": " + err.Error()
}

// newDriver constructs a driver bound to this peer's tracker, consensus,
// WAL, and preparer.
func (p *TabletPeer) newDriver(ctx context.Context) *OperationDriver {
	d := NewOperationDriver(ctx, p.tracker, p.consensus, p.wal, p.preparer, p.tablet.TableType())
	d.executeAsyncDelay = p.config.ExecuteAsyncDelay
	return d
}

// Submit is the common entrypoint every typed submission helper below
// funnels through: construct a driver, Init it in leader mode at the
// consensus-reported current term, and kick off ExecuteAsync.
func (p *TabletPeer) Submit(ctx context.Context, op Operation) (*OperationDriver, error) {
	if s := p.state(); s != Running {
		return nil, errors.Wrapf(ErrIllegalState, "cannot submit operation: tablet peer is %s", s)
	}
	term := int64(0)
	if p.consensus != nil {
		term = p.consensus.CurrentTerm()
	}
	d := p.newDriver(ctx)
	if err := d.Init(ctx, op, term); err != nil {
		return nil, err
	}
	d.ExecuteAsync(ctx)
	return d, nil
}

// WriteAsync submits a write operation.
func (p *TabletPeer) WriteAsync(ctx context.Context, op *WriteOperation) (*OperationDriver, error) {
	return p.Submit(ctx, op)
}

// SubmitUpdateTransaction submits an update-transaction operation — the
// transaction-status-table analogue of WriteAsync.
func (p *TabletPeer) SubmitUpdateTransaction(ctx context.Context, op *UpdateTransactionOperation) (*OperationDriver, error) {
	return p.Submit(ctx, op)
}

// StartExecution submits an arbitrary Operation, the general entrypoint
// WriteAsync/SubmitUpdateTransaction specialize.
func (p *TabletPeer) StartExecution(ctx context.Context, op Operation) (*OperationDriver, error) {
	return p.Submit(ctx, op)
}

// StartReplicaOperation binds a driver to an already-existing consensus
// round (the round arrived off the wire on a follower) rather than creating
// a new one, then starts it. Grounded on tablet_peer.cc's
// StartReplicaOperation.
func (p *TabletPeer) StartReplicaOperation(ctx context.Context, op Operation, round consensus.Round) (*OperationDriver, error) {
	if s := p.state(); s != Running && s != Bootstrapping {
		return nil, errors.Wrapf(ErrIllegalState, "cannot start replica operation: tablet peer is %s", s)
	}
	op.State().SetConsensusRound(round)
	if msg := round.ReplicateMsg(); msg != nil && p.clock != nil {
		p.clock.Update(msg.HybridTime)
	}
	d := p.newDriver(ctx)
	if err := d.Init(ctx, op, consensus.UnknownTerm); err != nil {
		return nil, err
	}
	round.SetConsensusReplicatedCallback(func(err error) {
		d.ReplicationFinished(ctx, err, 0, nil)
	})
	d.ExecuteAsync(ctx)
	return d, nil
}

// SetPropagatedSafeTime submits a nil-operation driver whose sole purpose
// is to push ts into mvcc once it reaches its turn in the prepare/replicate
// pipeline — the "Empty" case resolved in operation.go's doc comment.
func (p *TabletPeer) SetPropagatedSafeTime(ctx context.Context, ts hlc.Timestamp, round consensus.Round) (*OperationDriver, error) {
	d := p.newDriver(ctx)
	d.SetPropagatedSafeTime(ts, p.tablet.MVCCManager())
	if err := d.Init(ctx, nil, consensus.UnknownTerm); err != nil {
		return nil, err
	}
	if round != nil {
		round.SetConsensusReplicatedCallback(func(err error) {
			d.ReplicationFinished(ctx, err, 0, nil)
		})
	}
	d.ExecuteAsync(ctx)
	return d, nil
}

// InFlightOperationStatus is a point-in-time status snapshot of one
// in-flight driver, matching tablet_peer.cc's OperationStatusPB.
type InFlightOperationStatus struct {
	OpId             consensus.OpId
	OperationType    consensus.OperationType
	Description      string
	RunningForMicros int64
	// TraceBuffer is populated only when GetInFlightOperations is asked to
	// include it, since a full trace dump can be large.
	TraceBuffer string
}

// GetInFlightOperations snapshots the tracker and reports each live
// driver's status, skipping the Empty-sentinel safe-time-propagation
// drivers and any driver whose operation state isn't available yet
// (spec.md §4.4). includeTrace gates the (potentially large) per-operation
// trace dump, mirroring tablet_peer.cc's TraceType parameter.
func (p *TabletPeer) GetInFlightOperations(includeTrace bool) []InFlightOperationStatus {
	drivers := p.tracker.GetPendingOperations()
	out := make([]InFlightOperationStatus, 0, len(drivers))
	for _, d := range drivers {
		if d.State() == nil {
			continue
		}
		if d.OperationType() == consensus.Empty {
			continue
		}
		status := InFlightOperationStatus{
			OpId:             d.GetOpId(),
			OperationType:    d.OperationType(),
			Description:      d.String(),
			RunningForMicros: time.Since(d.StartTime()).Microseconds(),
		}
		if includeTrace {
			if span := d.Trace(); span != nil {
				status.TraceBuffer = fmt.Sprintf("%+v", span)
			}
		}
		out = append(out, status)
	}
	return out
}

// OnDiskSize sums the tablet's and WAL's on-disk footprint plus consensus
// metadata, matching tablet_peer.cc's OnDiskSize.
func (p *TabletPeer) OnDiskSize() uint64 {
	var total uint64
	if p.tablet != nil {
		total += p.tablet.GetTotalSSTFileSizes()
	}
	if p.wal != nil {
		total += p.wal.OnDiskSize()
	}
	if p.consensus != nil {
		total += p.consensus.OnDiskSize()
	}
	return total
}

// RegisterMaintenanceOps adds op to the set a background scheduler (see
// maintenance_ops.go) discovers via MaintenanceOps.
func (p *TabletPeer) RegisterMaintenanceOps(op MaintenanceOp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.maintenanceOps[op.Name()] = op
}

// UnregisterMaintenanceOps removes a previously registered op by name.
func (p *TabletPeer) UnregisterMaintenanceOps(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mu.maintenanceOps, name)
}

// MaintenanceOps returns the currently registered maintenance ops.
func (p *TabletPeer) MaintenanceOps() []MaintenanceOp {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MaintenanceOp, 0, len(p.mu.maintenanceOps))
	for _, op := range p.mu.maintenanceOps {
		out = append(out, op)
	}
	return out
}

// GetEarliestNeededLogIndex computes the lowest WAL index still needed by
// any in-flight operation, durability requirement, or subsystem, and is the
// sole input to the log-GC maintenance op (spec.md §4.4). Grounded 1:1 on
// tablet_peer.cc's GetEarliestNeededLogIndex.
func (p *TabletPeer) GetEarliestNeededLogIndex(ctx context.Context) (int64, error) {
	latest := p.wal.GetLatestEntryOpId()
	minIndex := latest.Index

	for _, d := range p.tracker.GetPendingOperations() {
		if id := d.GetOpId(); id.Valid() && id.Index < minIndex {
			minIndex = id.Index
		}
	}

	persistent, err := p.tablet.MaxPersistentOpId()
	if err != nil {
		return 0, errors.Wrap(err, "getting max persistent op id")
	}
	if persistent.Regular.Valid() && persistent.Regular.Index < minIndex {
		minIndex = persistent.Regular.Index
	}
	if persistent.Intents.Valid() && persistent.Intents.Index < minIndex {
		minIndex = persistent.Intents.Index
	}

	// Regular tables must additionally retain everything back to the last
	// index a write committed at, even if it has since been persisted, so a
	// crash recovery that replays from disk can still observe it.
	if p.tablet.TableType() == storage.RegularTableType {
		if lastWrite := p.tablet.LastCommittedWriteIndex(); lastWrite > 0 && lastWrite < minIndex {
			minIndex = lastWrite
		}
	}

	if tc := p.tablet.TransactionCoordinator(); tc != nil {
		if gcIndex := tc.PrepareGC(); gcIndex > 0 && gcIndex < minIndex {
			minIndex = gcIndex
		}
	}

	if p.consensus != nil {
		committed, err := p.consensus.GetLastOpId(consensus.CommittedOpId)
		if err == nil && committed.Valid() && committed.Index < minIndex {
			minIndex = committed.Index
		}
	}

	if minIndex < 0 {
		minIndex = 0
	}
	return minIndex, nil
}

// StartShutdown marks the peer Quiescing: new Submit calls are rejected,
// but operations already in flight may continue.
func (p *TabletPeer) StartShutdown() {
	if p.state() == Running {
		p.setState(Quiescing)
	}
	if p.tablet != nil {
		p.tablet.SetShutdownRequestedFlag()
	}
}

// CompleteShutdown unregisters maintenance ops, shuts down consensus,
// drains in-flight operations, then stops the preparer, closes the WAL, and
// shuts down the tablet — strictly in that order (spec.md §4.4). Consensus
// must go first so a pending round's ReplicatedCallback fires (with an
// error) before the tracker drain blocks on it, or the drain wait can hang
// forever (spec.md §8 scenario 6). The preparer must stop strictly before
// the log closes, since a preparer worker still draining its queue can call
// into a driver that touches the WAL.
func (p *TabletPeer) CompleteShutdown(ctx context.Context) error {
	for _, op := range p.MaintenanceOps() {
		p.UnregisterMaintenanceOps(op.Name())
	}

	if p.consensus != nil {
		p.consensus.Shutdown()
	}

	if p.tracker != nil {
		if err := p.tracker.WaitForAllToFinish(ctx, 0); err != nil {
			return errors.Wrap(err, "waiting for operations to finish during shutdown")
		}
	}

	if p.stopper != nil {
		p.stopper.Stop(ctx)
	}

	if p.wal != nil {
		if err := p.wal.Close(); err != nil {
			return errors.Wrap(err, "closing write-ahead log")
		}
	}

	if p.tablet != nil {
		p.tablet.Shutdown()
	}
	p.setState(Shutdown)
	return nil
}

// Shutdown is StartShutdown followed immediately by CompleteShutdown, for
// callers that don't need the two-phase quiesce window.
func (p *TabletPeer) Shutdown(ctx context.Context) error {
	p.StartShutdown()
	return p.CompleteShutdown(ctx)
}

// WaitUntilShutdown blocks until the peer reaches the Shutdown state or ctx
// is done.
func (p *TabletPeer) WaitUntilShutdown(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.state() == Shutdown {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TabletID returns the tablet this peer serves.
func (p *TabletPeer) TabletID() string { return p.tabletID }

// PeerUUID returns this replica's identity.
func (p *TabletPeer) PeerUUID() string { return p.peerUUID }

// AmbientContext exposes the peer's logging context so Operation
// implementations can derive annotated contexts of their own.
func (p *TabletPeer) AmbientContext() log.AmbientContext { return p.ambient }

// Clock returns the peer's hybrid logical clock.
func (p *TabletPeer) Clock() *hlc.Clock { return p.clock }
