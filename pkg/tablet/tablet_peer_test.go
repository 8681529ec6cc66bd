package tablet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/tablet/pkg/consensus"
	"github.com/coredb/tablet/pkg/hlc"
	"github.com/coredb/tablet/pkg/stop"
)

func newTestPeer(t *testing.T) (*TabletPeer, *fakeConsensus, *fakeWAL, *fakeTablet, *stop.Stopper) {
	t.Helper()
	peer := NewTabletPeer("t1", "p1", DefaultConfig())
	cons := newFakeConsensus("t1", "p1")
	wal := &fakeWAL{}
	tab := newFakeTablet("t1")
	clock := hlc.NewClock()
	stopper := stop.NewStopper()

	require.NoError(t, peer.InitTabletPeer(context.Background(), cons, wal, tab, clock, stopper, nil))
	require.NoError(t, peer.Start(context.Background()))
	return peer, cons, wal, tab, stopper
}

func TestTabletPeerWriteAsyncAppliesOnReplication(t *testing.T) {
	peer, cons, _, _, stopper := newTestPeer(t)
	defer func() { require.NoError(t, peer.Shutdown(context.Background())) }()
	defer stopper.Stop(context.Background())

	var applied bool
	state := NewOperationState(peer, []byte("payload"), nil)
	op := NewWriteOperation(state, 1, nil, func(ctx context.Context, term int64) error {
		applied = true
		return nil
	}, nil)

	_, err := peer.WriteAsync(context.Background(), op)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(peer.GetInFlightOperations(false)) == 1 }, time.Second, time.Millisecond)
	cons.finishLastRound(consensus.OpId{Term: 1, Index: 1}, nil)

	require.Eventually(t, func() bool { return applied }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(peer.GetInFlightOperations(false)) == 0 }, time.Second, time.Millisecond)
}

func TestTabletPeerRejectsSubmissionWhenNotRunning(t *testing.T) {
	peer := NewTabletPeer("t1", "p1", DefaultConfig())
	state := NewOperationState(peer, nil, nil)
	op := NewWriteOperation(state, 0, nil, nil, nil)
	_, err := peer.WriteAsync(context.Background(), op)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestTabletPeerGetEarliestNeededLogIndex(t *testing.T) {
	peer, _, wal, tab, stopper := newTestPeer(t)
	defer func() { require.NoError(t, peer.Shutdown(context.Background())) }()
	defer stopper.Stop(context.Background())

	wal.setLatest(consensus.OpId{Term: 2, Index: 100})
	tab.mu.Lock()
	tab.mu.persistent.Regular = consensus.OpId{Term: 2, Index: 40}
	tab.mu.Unlock()

	idx, err := peer.GetEarliestNeededLogIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40), idx)
}

func TestTabletPeerShutdownDrainsInFlightOperations(t *testing.T) {
	peer, cons, _, _, stopper := newTestPeer(t)
	defer stopper.Stop(context.Background())

	state := NewOperationState(peer, []byte("x"), nil)
	op := NewWriteOperation(state, 0, nil, nil, nil)
	_, err := peer.WriteAsync(context.Background(), op)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(peer.GetInFlightOperations(false)) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		cons.finishLastRound(consensus.OpId{Term: 1, Index: 1}, nil)
		close(done)
	}()

	require.NoError(t, peer.Shutdown(context.Background()))
	<-done
	assert.Equal(t, Shutdown, peer.state())
}

func TestTabletPeerSetPropagatedSafeTimeReleasesNilOperationDriver(t *testing.T) {
	peer, _, _, tab, stopper := newTestPeer(t)
	defer func() { require.NoError(t, peer.Shutdown(context.Background())) }()
	defer stopper.Stop(context.Background())

	ts := hlc.Timestamp{WallTime: 100}
	// No round is bound (as tablet_peer.cc's own call site does), so nothing
	// would ever call ReplicationFinished on this driver: it must release
	// itself from the tracker as soon as StartOperation runs, rather than
	// sitting in the tracker forever.
	_, err := peer.SetPropagatedSafeTime(context.Background(), ts, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return peer.tracker.NumPending() == 0 }, time.Second, time.Millisecond)

	tab.mvcc.mu.Lock()
	pushes := tab.mvcc.mu.followerPushes
	tab.mvcc.mu.Unlock()
	require.Len(t, pushes, 1)
	assert.Equal(t, ts, pushes[0])
}
