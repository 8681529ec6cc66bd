package tablet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationTrackerAddRelease(t *testing.T) {
	tracker := NewOperationTracker("t1", 0, nil)
	d := &OperationDriver{tracker: tracker}

	require.NoError(t, tracker.Add(d))
	assert.Equal(t, 1, tracker.NumPending())

	tracker.Release(d, nil, nil)
	assert.Equal(t, 0, tracker.NumPending())
}

func TestOperationTrackerRejectsOverMemoryLimit(t *testing.T) {
	tracker := NewOperationTracker("t1", 1500, nil)
	state := NewOperationState(nil, make([]byte, 2000), nil)
	op := NewWriteOperation(state, 0, nil, nil, nil)
	d := &OperationDriver{tracker: tracker, operation: op}

	err := tracker.Add(d)
	assert.ErrorIs(t, err, ErrOperationTrackerFull)
	assert.Equal(t, 0, tracker.NumPending())
}

func TestOperationTrackerWaitForAllToFinish(t *testing.T) {
	tracker := NewOperationTracker("t1", 0, nil)
	d := &OperationDriver{tracker: tracker}
	require.NoError(t, tracker.Add(d))

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Release(d, nil, nil)
		close(done)
	}()

	require.NoError(t, tracker.WaitForAllToFinish(context.Background(), time.Second))
	<-done
}

func TestOperationTrackerWaitForAllToFinishTimesOut(t *testing.T) {
	tracker := NewOperationTracker("t1", 0, nil)
	d := &OperationDriver{tracker: tracker}
	require.NoError(t, tracker.Add(d))
	defer tracker.Release(d, nil, nil)

	err := tracker.WaitForAllToFinish(context.Background(), 5*time.Millisecond)
	assert.Error(t, err)
}

func TestOperationTrackerDeliversCompletionError(t *testing.T) {
	tracker := NewOperationTracker("t1", 0, nil)
	var gotErr error
	state := NewOperationState(nil, nil, func(err error) { gotErr = err })
	op := NewWriteOperation(state, 0, nil, nil, nil)
	d := &OperationDriver{tracker: tracker, operation: op}

	require.NoError(t, tracker.Add(d))
	injected := errTestFailure{}
	tracker.Release(d, injected, nil)
	assert.Equal(t, injected, gotErr)
}
