package tablet

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	opentracing "github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
	"github.com/coredb/tablet/pkg/log"
	"github.com/coredb/tablet/pkg/storage"
	"github.com/coredb/tablet/pkg/syncutil"
)

// ReplicationState is the replicate-axis of the driver's two-axis state
// machine (spec.md §3).
type ReplicationState int32

const (
	NotReplicating ReplicationState = iota
	Replicating
	Replicated
	ReplicationFailed
)

func (s ReplicationState) shortString() string {
	switch s {
	case NotReplicating:
		return "NR"
	case Replicating:
		return "R"
	case Replicated:
		return "RD"
	case ReplicationFailed:
		return "RF"
	default:
		return "?"
	}
}

// PrepareState is the prepare-axis of the driver's two-axis state machine.
type PrepareState int32

const (
	NotPrepared PrepareState = iota
	Prepared
)

func (s PrepareState) shortString() string {
	if s == Prepared {
		return "P"
	}
	return "NP"
}

// prepareWaitPollInterval is how often ReplicationFinished polls for
// prepare_state to reach Prepared when replication finishes before prepare
// has — a path spec.md §4.1/§9 documents as never reachable in correct
// operation, but defends against anyway.
const prepareWaitPollInterval = time.Millisecond

var prepareWaitWarnEvery = log.Every(time.Second)

// OperationDriver coordinates one operation through prepare and replicate
// to apply, exactly as described in spec.md §4.1. It implements
// consensus.AppendCallback so it can be registered directly as a round's
// append callback.
type OperationDriver struct {
	tracker   *OperationTracker
	consensus consensus.Consensus // nil in tests that don't exercise leader rounds
	wal       walLatestIndexer
	preparer  *Preparer
	tableType storage.TableType

	startTime time.Time
	span      opentracing.Span

	// operation is nil for the "Empty" safe-time-only driver (spec.md §9
	// open question, resolved as an explicit nil rather than a sentinel
	// operation type).
	operation Operation
	mvcc      storage.MVCCManager

	opIDCopy             atomic.Value // consensus.OpId
	prepareStartedMicros atomic.Int64

	// executeAsyncDelay, when non-zero, is slept at the top of ExecuteAsync.
	// Test-only injection point replacing the teacher's
	// delay_execute_async_ms process-wide flag (spec.md §9, Config in
	// config.go).
	executeAsyncDelay time.Duration

	mu struct {
		syncutil.Mutex
		replicationState   ReplicationState
		prepareState        PrepareState
		propagatedSafeTime hlc.Timestamp
	}
}

// walLatestIndexer is the sliver of walog.Log the driver itself needs; kept
// narrow so tests can fake it without building a full Log.
type walLatestIndexer interface {
	GetLatestEntryOpId() consensus.OpId
}

// NewOperationDriver constructs a driver in its initial NotReplicating /
// NotPrepared state, with a trace span adopted from ctx.
func NewOperationDriver(
	ctx context.Context,
	tracker *OperationTracker,
	cons consensus.Consensus,
	wal walLatestIndexer,
	preparer *Preparer,
	tableType storage.TableType,
) *OperationDriver {
	span, _ := opentracing.StartSpanFromContext(ctx, "operation")
	d := &OperationDriver{
		tracker:   tracker,
		consensus: cons,
		wal:       wal,
		preparer:  preparer,
		tableType: tableType,
		startTime: time.Now(),
		span:      span,
	}
	return d
}

// StartTime returns when this driver was constructed, for "running for"
// reporting.
func (d *OperationDriver) StartTime() time.Time { return d.startTime }

// Trace returns the driver's diagnostic span.
func (d *OperationDriver) Trace() opentracing.Span { return d.span }

// Init binds operation to this driver and kicks off either the leader path
// (term != consensus.UnknownTerm: build a replicate message and a new
// consensus round) or the follower path (term == consensus.UnknownTerm: the
// op-id already arrived off the wire). operation may be nil only in
// follower mode, for the safe-time-propagation driver.
func (d *OperationDriver) Init(ctx context.Context, operation Operation, term int64) error {
	d.operation = operation

	if term == consensus.UnknownTerm {
		if operation != nil {
			d.publishOpID(operation.State().OpId())
		}
		d.mu.Lock()
		d.mu.replicationState = Replicating
		d.mu.Unlock()
	} else {
		if operation == nil {
			return errors.AssertionFailedf("leader-mode Init requires a non-nil operation")
		}
		if d.consensus != nil {
			msg := operation.NewReplicateMsg()
			round, err := d.consensus.NewRound(msg, d.replicationFinishedFromRound)
			if err != nil {
				return err
			}
			round.BindToTerm(term)
			round.SetAppendCallback(d)
			operation.State().SetConsensusRound(round)
		}
		// The replicate axis stays NotReplicating here: HandleConsensusAppend
		// only publishes the op-id and starts the operation, it never moves
		// this axis. The leader-mode commitment point is PrepareAndStart,
		// whichever of prepare/append finishes second.
	}

	if err := d.tracker.Add(d); err != nil {
		return err
	}

	if term == consensus.UnknownTerm && operation != nil {
		operation.State().AddedToFollower()
	}
	return nil
}

// replicationFinishedFromRound adapts consensus.ReplicatedCallback's
// richer signature to the driver's ReplicationFinished, for leader rounds
// created by Init.
func (d *OperationDriver) replicationFinishedFromRound(err error, leaderTerm int64, appliedOpIDs []consensus.OpId) {
	d.ReplicationFinished(context.Background(), err, leaderTerm, appliedOpIDs)
}

// GetOpId returns the driver's published op-id, readable without holding
// the driver lock, or consensus.Invalid before one has been assigned
// (spec.md §3 invariant 5).
func (d *OperationDriver) GetOpId() consensus.OpId {
	v := d.opIDCopy.Load()
	if v == nil {
		return consensus.Invalid
	}
	return v.(consensus.OpId)
}

func (d *OperationDriver) publishOpID(id consensus.OpId) {
	d.opIDCopy.Store(id)
}

// OperationType reports consensus.Empty for the nil-operation
// safe-time-only driver.
func (d *OperationDriver) OperationType() consensus.OperationType {
	if d.operation == nil {
		return consensus.Empty
	}
	return d.operation.OperationType()
}

// State returns the backing OperationState, or nil for the nil-operation
// driver.
func (d *OperationDriver) State() *OperationState {
	if d.operation == nil {
		return nil
	}
	return d.operation.State()
}

// SetPropagatedSafeTime attaches a safe-time bound to be pushed to mvcc
// when this operation starts. Used both by real operations that happen to
// also carry safe-time, and by the dedicated nil-operation driver
// TabletPeer.SetPropagatedSafeTime constructs.
func (d *OperationDriver) SetPropagatedSafeTime(ts hlc.Timestamp, mvcc storage.MVCCManager) {
	d.mu.Lock()
	d.mu.propagatedSafeTime = ts
	d.mvcc = mvcc
	d.mu.Unlock()
}

// ExecuteAsync hands the driver to the Preparer. Submission failures are
// routed through HandleFailure, same as any other pre-replication failure.
func (d *OperationDriver) ExecuteAsync(ctx context.Context) {
	if d.executeAsyncDelay > 0 {
		time.Sleep(d.executeAsyncDelay)
	}
	err := d.preparer.Submit(ctx, d)
	if d.operation != nil {
		d.operation.SubmittedToPreparer()
	}
	if err != nil {
		d.HandleFailure(ctx, err)
	}
}

// HandleConsensusAppend implements consensus.AppendCallback. It is invoked
// by consensus on the leader once the round has been appended to the local
// log. Called at most once per round — a second call is a driver bug.
func (d *OperationDriver) HandleConsensusAppend(opID, committedOpID consensus.OpId) {
	ctx := context.Background()
	if d.GetOpId().Valid() {
		log.Fatalf(ctx, "HandleConsensusAppend called twice for %s", d)
	}
	d.publishOpID(opID)
	d.operation.State().AddedToLeader(opID, committedOpID)
	d.StartOperation(ctx)
}

// StartOperation pushes any attached propagated safe-time to mvcc. Called
// as soon as the hybrid-time/op-id for this operation is known, which for a
// follower-arrived operation may be before Prepare has even run. It returns
// whether the driver has a real operation left to carry through
// prepare/apply: a nil-operation driver (the Empty safe-time-propagation
// case, which never has a consensus round bound to call ReplicationFinished
// on it) has nothing further to do once started, so it releases itself from
// the tracker here and reports false
// (original_source/operations/operation_driver.cc:205-214).
func (d *OperationDriver) StartOperation(ctx context.Context) bool {
	d.mu.Lock()
	ts := d.mu.propagatedSafeTime
	mvcc := d.mvcc
	d.mu.Unlock()

	if !ts.IsEmpty() && mvcc != nil {
		mvcc.SetPropagatedSafeTimeOnFollower(ts)
	}

	if d.operation == nil {
		d.tracker.Release(d, nil, nil)
		return false
	}
	return true
}

// PrepareAndStart is invoked by the Preparer's worker for this driver. It
// runs Prepare, takes a snapshot of replication_state under the lock, and
// — if that snapshot shows replication already under way (follower mode,
// where Init already set Replicating) — starts the operation immediately,
// since the hybrid-time/op-id are already assigned. It then republishes
// prepare_state and, for leader mode where prepare beat append, performs
// the Replicating transition itself (spec.md §4.1 step 5). Taking the lock
// only long enough to read/publish these two flags ensures exactly one of
// the prepare or replicate callbacks observes the pair (Prepared,
// Replicated) and triggers ApplyTask; if ReplicationFinished races ahead
// of this method regardless, it waits (see the poll loop below) for
// prepare_state to publish rather than applying early.
func (d *OperationDriver) PrepareAndStart(ctx context.Context) error {
	d.prepareStartedMicros.Store(time.Now().UnixMicro())

	if d.operation != nil {
		if err := d.operation.Prepare(ctx); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		log.Fatalf(ctx, "PrepareAndStart ran twice for %s", d)
	}
	replStateCopy := d.mu.replicationState
	d.mu.Unlock()

	if replStateCopy != NotReplicating {
		if !d.StartOperation(ctx) {
			// Nil-operation driver: StartOperation already released it from
			// the tracker, so there is nothing left to prepare or apply.
			return nil
		}
	}

	d.mu.Lock()
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		log.Fatalf(ctx, "prepare_state changed concurrently with PrepareAndStart for %s", d)
	}
	d.mu.prepareState = Prepared
	if d.mu.replicationState == NotReplicating {
		d.mu.replicationState = Replicating
	}
	d.mu.Unlock()

	return nil
}

// HandleFailure routes a failure depending on how far replication has
// gotten (spec.md §4.1, §7). Failures before replication begins abort the
// operation and release it; a failure once replication has begun or
// finished successfully is unrecoverable and fatal, since the system
// cannot "un-replicate" an op.
func (d *OperationDriver) HandleFailure(ctx context.Context, err error) {
	if err == nil {
		log.Fatalf(ctx, "HandleFailure called with a nil error for %s", d)
	}
	d.mu.Lock()
	replStateCopy := d.mu.replicationState
	d.mu.Unlock()

	switch replStateCopy {
	case NotReplicating, ReplicationFailed:
		if d.operation != nil {
			d.operation.Aborted(ctx, err)
		}
		d.tracker.Release(d, err, nil)
	case Replicating, Replicated:
		log.Fatalf(ctx, "cannot cancel operation that has already replicated: %v (%s)", err, d)
	default:
		log.Fatalf(ctx, "unexpected replication state %d for %s", replStateCopy, d)
	}
}

// ReplicationFinished is invoked by consensus exactly once per round, when
// it commits or irrecoverably fails. On success with prepare already done,
// it triggers ApplyTask; on failure, HandleFailure.
func (d *OperationDriver) ReplicationFinished(
	ctx context.Context, err error, leaderTerm int64, appliedOpIDs []consensus.OpId,
) {
	if err == nil && !d.GetOpId().Valid() {
		log.Errorf(ctx, "invalid op-id after successful replication for %s", d)
	}

	d.mu.Lock()
	if d.mu.replicationState == ReplicationFailed {
		d.mu.Unlock()
		if err == nil {
			log.Errorf(ctx, "successfully replicated an operation that had already failed: %s", d)
		}
		return
	}
	if d.mu.replicationState != Replicating {
		d.mu.Unlock()
		log.Fatalf(ctx, "ReplicationFinished called while in state %s for %s", d.mu.replicationState.shortString(), d)
	}
	if err == nil {
		d.mu.replicationState = Replicated
	} else {
		d.mu.replicationState = ReplicationFailed
	}
	prepareStateCopy := d.mu.prepareState
	d.mu.Unlock()

	if prepareStateCopy != Prepared {
		// This should never happen in correct operation (spec.md §4.1); we
		// survive it by waiting rather than applying an unprepared operation.
		log.Errorf(ctx, "replicating an operation that has not been prepared: %s", d)
		for {
			time.Sleep(prepareWaitPollInterval)
			d.mu.Lock()
			prepareStateCopy = d.mu.prepareState
			d.mu.Unlock()
			if prepareStateCopy == Prepared {
				break
			}
			if prepareWaitWarnEvery.ShouldLog() {
				log.Warningf(ctx, "still waiting for operation to be prepared: %s", d)
			}
		}
	}

	if err == nil {
		d.ApplyTask(ctx, leaderTerm, appliedOpIDs)
	} else {
		d.HandleFailure(ctx, err)
	}
}

// Abort is external cancellation. It is only effective while the replicate
// axis has not started; otherwise it is a no-op, since the operation will
// run to completion and its applied side effects stand (spec.md §4.1
// invariant 4, §8 property 6).
func (d *OperationDriver) Abort(ctx context.Context, err error) {
	if err == nil {
		log.Fatalf(ctx, "Abort called with a nil error for %s", d)
	}
	d.mu.Lock()
	replStateCopy := d.mu.replicationState
	d.mu.Unlock()

	if replStateCopy == NotReplicating {
		d.HandleFailure(ctx, err)
	}
}

// ApplyTask runs once both axes have completed. It is the sole path that
// may mutate durable state; a failure here is fatal to the process because
// durable state is now in doubt (spec.md §4.1, §7, §9).
func (d *OperationDriver) ApplyTask(ctx context.Context, leaderTerm int64, appliedOpIDs []consensus.OpId) {
	d.mu.Lock()
	replOK := d.mu.replicationState == Replicated
	prepOK := d.mu.prepareState == Prepared
	d.mu.Unlock()
	if !replOK || !prepOK {
		log.Fatalf(ctx, "ApplyTask invariant violated for %s", d)
	}

	if d.operation != nil {
		if err := d.operation.Replicated(ctx, leaderTerm); err != nil {
			var payload []byte
			if st := d.operation.State(); st != nil {
				payload = st.Request()
			}
			log.Fatalf(ctx, "apply failed, data may be corrupted: %v (%s) request=%s", err, d, log.RedactPayload(payload))
		}
	}
	d.tracker.Release(d, nil, appliedOpIDs)
}

// stateString renders the "NR-P" style two-character-prefix state summary
// used in LogPrefix.
func (d *OperationDriver) stateString() string {
	d.mu.Lock()
	repl, prep := d.mu.replicationState, d.mu.prepareState
	d.mu.Unlock()
	return repl.shortString() + "-" + prep.shortString()
}

// String implements fmt.Stringer.
func (d *OperationDriver) String() string {
	if d.operation != nil {
		return d.stateString() + " " + d.operation.String()
	}
	return d.stateString() + " [safe-time propagation]"
}

// LogPrefix renders "T <tablet> P <peer> S <state> Ts <hybrid-time>
// <op-type>:", matching spec.md §4.1.
func (d *OperationDriver) LogPrefix() string {
	tabletID, peerUUID := "(unknown)", "(unknown)"
	if d.consensus != nil {
		tabletID = d.consensus.TabletID()
		peerUUID = d.consensus.PeerUUID()
	}
	ts := "No hybrid_time"
	if st := d.State(); st != nil && st.HasHybridTime() {
		ts = st.HybridTime().String()
	}
	return "T " + tabletID + " P " + peerUUID + " S " + d.stateString() + " Ts " + ts + " " + d.OperationType().String() + ": "
}
