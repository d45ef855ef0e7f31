package cow

import "testing"

func TestJobPoolAcquireRelease(t *testing.T) {
	p := newJobPool(2)
	if p.capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", p.capacity())
	}

	j1, ok := p.acquire()
	if !ok {
		t.Fatal("expected to acquire a job from a fresh pool")
	}
	j2, ok := p.acquire()
	if !ok {
		t.Fatal("expected to acquire a second job")
	}
	if p.inUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", p.inUse())
	}

	if _, ok := p.acquire(); ok {
		t.Fatal("pool should be exhausted after acquiring its full capacity")
	}

	p.release(j1)
	if p.inUse() != 1 {
		t.Fatalf("expected 1 in use after release, got %d", p.inUse())
	}

	j3, ok := p.acquire()
	if !ok {
		t.Fatal("expected to reacquire the released job")
	}
	p.release(j2)
	p.release(j3)
}

func TestJobPoolResetsStateOnAcquire(t *testing.T) {
	p := newJobPool(1)
	j, _ := p.acquire()
	j.chunk = 42
	j.state = jobStateError
	j.err = ErrClosed
	p.release(j)

	j2, _ := p.acquire()
	if j2.chunk != 0 || j2.state != jobStateInitialized || j2.err != nil {
		t.Fatalf("expected a reused job to be reset, got %+v", j2)
	}
}
