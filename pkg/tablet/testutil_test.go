package tablet

import (
	"sync"
	"time"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
	"github.com/coredb/tablet/pkg/storage"
	"github.com/coredb/tablet/pkg/walog"
)

// fakeRound is a minimal consensus.Round that records its bound term and
// callbacks, letting tests drive HandleConsensusAppend/ReplicationFinished
// by hand instead of running a real consensus engine.
type fakeRound struct {
	msg        *consensus.ReplicateMsg
	term       int64
	appendCB   consensus.AppendCallback
	replicated func(err error)
}

func (r *fakeRound) BindToTerm(term int64)                        { r.term = term }
func (r *fakeRound) SetAppendCallback(cb consensus.AppendCallback) { r.appendCB = cb }
func (r *fakeRound) SetConsensusReplicatedCallback(fn func(err error)) { r.replicated = fn }
func (r *fakeRound) ReplicateMsg() *consensus.ReplicateMsg         { return r.msg }

// fakeConsensus is a minimal consensus.Consensus: NewRound hands back a
// fakeRound and also remembers the onReplicationFinished callback so tests
// can simulate replication completing.
type fakeConsensus struct {
	mu struct {
		sync.Mutex
		rounds []*fakeRoundEntry
		term   int64
	}
	tabletID string
	peerUUID string
}

type fakeRoundEntry struct {
	round      *fakeRound
	onFinished consensus.ReplicatedCallback
}

func newFakeConsensus(tabletID, peerUUID string) *fakeConsensus {
	return &fakeConsensus{tabletID: tabletID, peerUUID: peerUUID}
}

func (c *fakeConsensus) NewRound(msg *consensus.ReplicateMsg, onReplicationFinished consensus.ReplicatedCallback) (consensus.Round, error) {
	r := &fakeRound{msg: msg}
	c.mu.Lock()
	c.mu.rounds = append(c.mu.rounds, &fakeRoundEntry{round: r, onFinished: onReplicationFinished})
	c.mu.Unlock()
	return r, nil
}

// finishLastRound simulates consensus appending then replicating the most
// recently created round: it invokes the bound append callback with opID,
// then the onReplicationFinished callback with err.
func (c *fakeConsensus) finishLastRound(opID consensus.OpId, err error) {
	c.mu.Lock()
	entry := c.mu.rounds[len(c.mu.rounds)-1]
	c.mu.Unlock()

	if entry.round.appendCB != nil {
		entry.round.appendCB.HandleConsensusAppend(opID, opID)
	}
	entry.onFinished(err, entry.round.term, []consensus.OpId{opID})
}

func (c *fakeConsensus) Start() error   { return nil }
func (c *fakeConsensus) Shutdown()      {}
func (c *fakeConsensus) GetLastOpId(t consensus.OpIdType) (consensus.OpId, error) {
	return consensus.Invalid, nil
}
func (c *fakeConsensus) MajorityReplicatedHtLeaseExpiration(minAllowed int64, deadline time.Time) int64 {
	return 0
}
func (c *fakeConsensus) SetPropagatedSafeTimeProvider(fn func() hlc.Timestamp) {}
func (c *fakeConsensus) SetMajorityReplicatedListener(fn func())              {}
func (c *fakeConsensus) LeaderStatus() consensus.LeaderStatus                 { return consensus.LeaderAndReady }
func (c *fakeConsensus) CurrentTerm() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.term
}
func (c *fakeConsensus) OnDiskSize() uint64 { return 0 }
func (c *fakeConsensus) TabletID() string   { return c.tabletID }
func (c *fakeConsensus) PeerUUID() string   { return c.peerUUID }

// fakeWAL is a minimal walog.Log backed by an in-memory latest-opid value.
type fakeWAL struct {
	mu struct {
		sync.Mutex
		latest consensus.OpId
	}
}

func (w *fakeWAL) setLatest(id consensus.OpId) {
	w.mu.Lock()
	w.mu.latest = id
	w.mu.Unlock()
}

func (w *fakeWAL) GetLatestEntryOpId() consensus.OpId {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.latest
}
func (w *fakeWAL) GC(minIndex int64) (int, error) { return 0, nil }
func (w *fakeWAL) GetMaxIndexesToSegmentSizeMap(minIndex int64) walog.MaxIdxToSegmentSizeMap {
	return nil
}
func (w *fakeWAL) GetGCableDataSize(minIndex int64) int64 { return 0 }
func (w *fakeWAL) OnDiskSize() uint64                     { return 0 }
func (w *fakeWAL) Close() error                           { return nil }

// fakeMVCC records every safe-time push so tests can assert on it.
type fakeMVCC struct {
	mu struct {
		sync.Mutex
		followerPushes []hlc.Timestamp
		leaderPushes   []hlc.Timestamp
		lastReplicated hlc.Timestamp
	}
}

func (m *fakeMVCC) SetPropagatedSafeTimeOnFollower(ts hlc.Timestamp) {
	m.mu.Lock()
	m.mu.followerPushes = append(m.mu.followerPushes, ts)
	m.mu.Unlock()
}
func (m *fakeMVCC) UpdatePropagatedSafeTimeOnLeader(ts hlc.Timestamp) {
	m.mu.Lock()
	m.mu.leaderPushes = append(m.mu.leaderPushes, ts)
	m.mu.Unlock()
}
func (m *fakeMVCC) SafeTime(htLease hlc.Timestamp) hlc.Timestamp { return htLease }
func (m *fakeMVCC) LastReplicatedHybridTime() hlc.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.lastReplicated
}

// fakeTablet is a minimal storage.Tablet.
type fakeTablet struct {
	tabletID  string
	tableType storage.TableType
	mvcc      *fakeMVCC
	coord     storage.TransactionCoordinator

	mu struct {
		sync.Mutex
		persistent       storage.PersistentOpId
		lastCommittedIdx int64
		counter          uint64
		shutdownReq      bool
	}
}

func newFakeTablet(tabletID string) *fakeTablet {
	return &fakeTablet{tabletID: tabletID, mvcc: &fakeMVCC{}}
}

func (t *fakeTablet) TabletID() string                          { return t.tabletID }
func (t *fakeTablet) TableType() storage.TableType              { return t.tableType }
func (t *fakeTablet) MVCCManager() storage.MVCCManager          { return t.mvcc }
func (t *fakeTablet) TransactionCoordinator() storage.TransactionCoordinator { return t.coord }
func (t *fakeTablet) SetShutdownRequestedFlag() {
	t.mu.Lock()
	t.mu.shutdownReq = true
	t.mu.Unlock()
}
func (t *fakeTablet) Shutdown()                      {}
func (t *fakeTablet) MaxPersistentOpId() (storage.PersistentOpId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.persistent, nil
}
func (t *fakeTablet) LastCommittedWriteIndex() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.lastCommittedIdx
}
func (t *fakeTablet) UpdateMonotonicCounter(n uint64) {
	t.mu.Lock()
	if n > t.mu.counter {
		t.mu.counter = n
	}
	t.mu.Unlock()
}
func (t *fakeTablet) GetTotalSSTFileSizes() uint64                          { return 0 }
func (t *fakeTablet) SetMemTableFlushFilterFactory(factory func() storage.FlushFilter) {}
func (t *fakeTablet) SetHybridTimeLeaseProvider(fn storage.HtLeaseProvider) {}
