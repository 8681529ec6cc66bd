// Package stop provides a Stopper grounded on the teacher's
// pkg/util/stop.Stopper, as used by raft_log_truncator.go: a registry of
// tracked async tasks plus a quiesce channel that closes once shutdown has
// begun, so long-running loops can select on it instead of polling.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrStopped is returned by RunAsyncTask once the Stopper has begun
// quiescing.
var ErrStopped = errors.New("stopper is quiescing")

// Stopper tracks outstanding goroutines so that Stop can block until they
// have all observed the quiesce signal and returned.
type Stopper struct {
	quiesce chan struct{}

	mu struct {
		sync.Mutex
		quiescing bool
		stopped   bool
	}
	wg sync.WaitGroup
}

// NewStopper constructs a running Stopper.
func NewStopper() *Stopper {
	return &Stopper{quiesce: make(chan struct{})}
}

// RunAsyncTask runs f in a new goroutine tracked by the Stopper, unless the
// Stopper is already quiescing, in which case it returns ErrStopped and does
// not run f. taskName is used only for documentation/debugging parity with
// the teacher's signature; it is not otherwise interpreted.
func (s *Stopper) RunAsyncTask(ctx context.Context, taskName string, f func(ctx context.Context)) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		f(ctx)
	}()
	return nil
}

// ShouldQuiesce returns a channel that is closed once Stop has been called.
// Long-running loops should select on this instead of polling a flag.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiesce
}

// Stop signals ShouldQuiesce and blocks until every RunAsyncTask goroutine
// has returned. It is idempotent.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.mu.quiescing = true
	close(s.quiesce)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.mu.stopped = true
	s.mu.Unlock()
}

// Stopped reports whether Stop has completed.
func (s *Stopper) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.stopped
}
