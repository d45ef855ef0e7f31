package cow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsSubmittedWork(t *testing.T) {
	s := newScheduler(4, 10)
	var n atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := s.submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	if n.Load() != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", n.Load())
	}
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := newScheduler(2, 8)
	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		s.submit(context.Background(), func() {
			defer wg.Done()
			cur := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				m := maxSeen.Load()
				if cur <= m || maxSeen.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		})
	}
	wg.Wait()

	if maxSeen.Load() > 2 {
		t.Fatalf("expected concurrency bounded at 2, observed %d", maxSeen.Load())
	}
}

func TestSchedulerDrainBlocksNewSubmissions(t *testing.T) {
	s := newScheduler(2, 2)
	if err := s.drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	err := s.submit(context.Background(), func() {})
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestSchedulerDrainWaitsForOutstandingWork(t *testing.T) {
	s := newScheduler(1, 1)
	started := make(chan struct{})
	release := make(chan struct{})

	s.submit(context.Background(), func() {
		close(started)
		<-release
	})
	<-started

	drained := make(chan struct{})
	go func() {
		s.drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-drained
}

func TestSchedulerSubmitNeverBlocksWhenQueueFull(t *testing.T) {
	s := newScheduler(1, 1)
	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker so the queue (capacity 1) fills on the next
	// submit, then stays full for the one after that.
	if err := s.submit(context.Background(), func() { <-block }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.submit(context.Background(), func() {}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.submit(context.Background(), func() {}) }()

	select {
	case err := <-done:
		if err != ErrSchedulerFull {
			t.Fatalf("expected ErrSchedulerFull, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("submit blocked instead of failing fast on a full queue")
	}
}
