package cow

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// scheduler is the bounded worker pool that runs copy-on-write jobs on a
// fixed set of worker goroutines draining a buffered task queue. spec.md
// §5 requires the request mapper to never block: submit is a non-blocking
// channel send, so enqueue admission is entirely decoupled from the
// worker-concurrency bound (how many jobs copy at once, i.e. how many
// worker goroutines are running). The job pool (jobpool.go), not this
// queue, is the real backpressure point — route() already fails fast with
// KILL when the job pool itself is exhausted (spec.md §4.3 step 5), so the
// queue only needs capacity for jobs already admitted by the job pool.
// golang.org/x/sync/errgroup gives the fixed worker pool its drain-to-
// quiescence operation (Wait returns once every worker goroutine has
// returned), the same shape restic-restic and perkeep-perkeep use to bound
// and join a worker pool, without errgroup's Go blocking the caller the way
// a semaphore's Acquire would.
type scheduler struct {
	tasks  chan func()
	group  *errgroup.Group
	closed atomic.Bool
}

// newScheduler starts workers goroutines draining a queue of the given
// capacity. queueCapacity should be at least the job pool's capacity, since
// every submit() follows a successful job-pool acquire and must not be
// rejected by a queue smaller than the pool backing it.
func newScheduler(workers, queueCapacity int) *scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = workers
	}

	s := &scheduler{
		tasks: make(chan func(), queueCapacity),
		group: &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		s.group.Go(func() error {
			s.run()
			return nil
		})
	}
	return s
}

func (s *scheduler) run() {
	for fn := range s.tasks {
		fn()
	}
}

// submit enqueues fn to run on a worker goroutine. It never blocks: a
// closed scheduler or a full queue both fail immediately, since submit is
// called from route() while the bitmap's reader critical section is still
// held (mapper.go) and that section must complete in bounded, wait-free
// time. ctx is accepted for API symmetry with the rest of the package's
// blocking I/O calls but submit itself never waits on it.
func (s *scheduler) submit(ctx context.Context, fn func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.tasks <- fn:
		return nil
	default:
		return ErrSchedulerFull
	}
}

// drain stops accepting new work and blocks until every worker has drained
// the queue and exited. This is the first step of device teardown (spec.md's
// Design Notes): no new jobs may start once draining begins, and the bitmap
// can't be safely retired until the workers that might still be mutating it
// have all exited.
func (s *scheduler) drain(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.tasks)

	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
