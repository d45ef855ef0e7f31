package cow

// routeResult is the request mapper's verdict for one incoming request,
// following spec.md §4.3's REMAPPED/SUBMITTED/KILL contract.
type routeResult int

const (
	// routeRemapped means the request has already been redirected
	// in-place (sector rewritten, device chosen); the caller re-dispatches
	// it immediately.
	routeRemapped routeResult = iota

	// routeSubmitted means a CoW job has taken ownership of the request
	// and will complete it asynchronously.
	routeSubmitted

	// routeKill means the request is rejected outright.
	routeKill
)

// routeDecision is what the mapper hands back to the caller: where to
// dispatch a REMAPPED request, or the job a SUBMITTED one was handed to.
type routeDecision struct {
	result routeResult
	toCow  bool // valid when result == routeRemapped
	sector uint64
	job    *job // valid when result == routeSubmitted
	err    error
}

// direction distinguishes read and write requests for the mapper; reads to an
// untouched chunk are remapped straight to origin (no CoW job needed,
// spec.md §4.3 step 4), while writes to an untouched chunk trigger one.
type direction bool

const (
	dirRead  direction = false
	dirWrite direction = true
)

// route implements spec.md §4.3: given a starting sector and direction, it
// decides whether the request can be remapped directly or needs a CoW job,
// or must be killed outright. The reader critical section spans job
// allocation and enqueue (not just the bit test) so the target's worker
// pool and job pool can't be torn down while this call still holds a
// reference to them.
func (d *Device) route(startSector uint64, dir direction) routeDecision {
	c := chunkIndex(startSector)
	if c >= d.bitmap.NrChunks() {
		return routeDecision{result: routeKill, err: ErrChunkOutOfRange}
	}

	snap, guard := d.bitmap.ReadSnapshot()
	defer guard.Release()

	if snap.test(c) {
		return routeDecision{result: routeRemapped, toCow: true, sector: cowSector(startSector)}
	}

	if dir == dirRead {
		return routeDecision{result: routeRemapped, toCow: false, sector: startSector}
	}

	j, ok := d.jobPool.acquire()
	if !ok {
		d.metrics.recordJobPoolExhausted()
		d.logf("cow: job pool exhausted, killing write to chunk %d", c)
		return routeDecision{result: routeKill, err: ErrJobPoolExhausted}
	}
	j.chunk = c
	j.state = jobStateInitialized

	// submit is a non-blocking channel send (scheduler.go): the reader
	// critical section held above spans it, but never waits on it, keeping
	// this call wait-free per spec.md §4.3/§5.
	if err := d.scheduler.submit(d.ctx, func() { d.runJob(j) }); err != nil {
		d.jobPool.release(j)
		d.logf("cow: scheduler rejected job for chunk %d: %v", c, err)
		return routeDecision{result: routeKill, err: err}
	}

	return routeDecision{result: routeSubmitted, job: j}
}
