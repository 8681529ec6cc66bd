package tablet

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/coredb/tablet/pkg/log"
	"github.com/coredb/tablet/pkg/stop"
)

// preparerQueueDepth bounds how many submitted-but-not-yet-prepared drivers
// a Preparer will hold before rejecting new submissions, so a stuck Prepare
// cannot grow the queue without bound.
const preparerQueueDepth = 1000

// PreparerMetrics are the three histograms spec.md §6 names: queue length
// observed at enqueue time, time spent waiting in queue, and time spent
// actually running Prepare.
type PreparerMetrics struct {
	QueueLength prometheus.Histogram
	QueueTime   prometheus.Histogram
	RunTime     prometheus.Histogram
}

// NewPreparerMetrics constructs and, if registry is non-nil, registers the
// three histograms for one tablet.
func NewPreparerMetrics(tabletID string, registry prometheus.Registerer) *PreparerMetrics {
	m := &PreparerMetrics{
		QueueLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "op_prepare_queue_length",
			Help:        "Number of operations waiting in the prepare queue at enqueue time.",
			ConstLabels: prometheus.Labels{"tablet_id": tabletID},
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		QueueTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "op_prepare_queue_time",
			Help:        "Time operations spend waiting in the prepare queue, in seconds.",
			ConstLabels: prometheus.Labels{"tablet_id": tabletID},
			Buckets:     prometheus.DefBuckets,
		}),
		RunTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "op_prepare_run_time",
			Help:        "Time spent running PrepareAndStart, in seconds.",
			ConstLabels: prometheus.Labels{"tablet_id": tabletID},
			Buckets:     prometheus.DefBuckets,
		}),
	}
	if registry != nil {
		registry.MustRegister(m.QueueLength, m.QueueTime, m.RunTime)
	}
	return m
}

type preparerItem struct {
	driver   *OperationDriver
	enqueued time.Time
}

// Preparer is the single-tablet FIFO worker described in spec.md §4.2: one
// goroutine pulls drivers off a bounded queue in submission order and runs
// PrepareAndStart on each, so that prepare-ordering matches submission
// order even though replication itself is driven by consensus concurrently.
type Preparer struct {
	tabletID string
	metrics  *PreparerMetrics
	stopper  *stop.Stopper
	// sem bounds how many drivers may be queued-or-running at once; Submit
	// tries to acquire before enqueueing and process releases once
	// PrepareAndStart returns, so the weight in use at any instant is an
	// exact count of outstanding work, independent of the channel's own
	// buffer accounting.
	sem   *semaphore.Weighted
	queue chan preparerItem
}

// NewPreparer constructs a Preparer and starts its worker goroutine, tracked
// by stopper so Stop waits for the queue to drain.
func NewPreparer(ctx context.Context, tabletID string, stopper *stop.Stopper, metrics *PreparerMetrics) *Preparer {
	p := &Preparer{
		tabletID: tabletID,
		metrics:  metrics,
		stopper:  stopper,
		sem:      semaphore.NewWeighted(int64(preparerQueueDepth)),
		queue:    make(chan preparerItem, preparerQueueDepth),
	}
	_ = stopper.RunAsyncTask(ctx, "preparer", p.run)
	return p
}

// ErrPreparerQueueFull is returned by Submit when the queue is already at
// capacity.
var ErrPreparerQueueFull = errors.New("preparer queue is full")

// Submit enqueues a driver for PrepareAndStart. Returns ErrPreparerQueueFull
// if the queue is at capacity, or stop.ErrStopped if the Preparer has begun
// shutting down.
func (p *Preparer) Submit(ctx context.Context, d *OperationDriver) error {
	select {
	case <-p.stopper.ShouldQuiesce():
		return stop.ErrStopped
	default:
	}

	if !p.sem.TryAcquire(1) {
		return ErrPreparerQueueFull
	}

	item := preparerItem{driver: d, enqueued: time.Now()}
	if p.metrics != nil {
		p.metrics.QueueLength.Observe(float64(len(p.queue)))
	}
	select {
	case p.queue <- item:
		return nil
	default:
		p.sem.Release(1)
		return ErrPreparerQueueFull
	}
}

func (p *Preparer) run(ctx context.Context) {
	for {
		select {
		case <-p.stopper.ShouldQuiesce():
			p.drain(ctx)
			return
		case item := <-p.queue:
			p.process(ctx, item)
		}
	}
}

// drain runs every already-enqueued item to completion before returning, so
// a driver submitted just before shutdown still gets prepared rather than
// silently dropped.
func (p *Preparer) drain(ctx context.Context) {
	for {
		select {
		case item := <-p.queue:
			p.process(ctx, item)
		default:
			return
		}
	}
}

func (p *Preparer) process(ctx context.Context, item preparerItem) {
	defer p.sem.Release(1)
	if p.metrics != nil {
		p.metrics.QueueTime.Observe(time.Since(item.enqueued).Seconds())
	}

	start := time.Now()
	err := item.driver.PrepareAndStart(ctx)
	if p.metrics != nil {
		p.metrics.RunTime.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		item.driver.HandleFailure(ctx, err)
		return
	}

	d := item.driver
	d.mu.Lock()
	ready := d.mu.replicationState == Replicated
	d.mu.Unlock()
	if ready {
		log.VEventf(ctx, 2, "prepare finished after replication already completed for %s", d)
	}
}
