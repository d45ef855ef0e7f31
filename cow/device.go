package cow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ublkcow/ublkcow"
	"github.com/ublkcow/ublkcow/backend"
)

// Device is the Target context: the per-activation owner of the origin and
// cow device handles, the bitmap, the job pool, and the worker pool. It
// implements ublk.Backend so it can be handed to ublk.CreateAndServe (or
// driven directly in tests) exactly like backend.Memory or backend.File.
type Device struct {
	origin ublk.Backend
	cow    ublk.Backend

	bitmap    *Bitmap
	jobPool   *jobPool
	scheduler *scheduler
	metadata  *metadataStore
	metrics   *Metrics
	observer  ublk.Observer
	logger    ublk.Logger

	nrChunks      uint32
	targetSectors uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Activate parses exactly two activation arguments (origin path, cow path),
// opens both as file-backed devices, and brings up a Device over them.
// Non-file callers (tests, alternate backends) should use NewDevice
// directly instead.
func Activate(ctx context.Context, args []string, opts Options) (*Device, error) {
	if len(args) != 2 {
		return nil, ErrInvalidArgumentCount
	}

	origin, err := backend.NewFile(args[0], true)
	if err != nil {
		return nil, newChunkError("activate", -1, ErrCodeIOError, "opening origin device", err)
	}

	cowDev, err := backend.NewFile(args[1], false)
	if err != nil {
		origin.Close()
		return nil, newChunkError("activate", -1, ErrCodeIOError, "opening cow device", err)
	}

	dev, err := NewDevice(ctx, origin, cowDev, opts)
	if err != nil {
		cowDev.Close()
		origin.Close()
		return nil, err
	}
	return dev, nil
}

// NewDevice brings up a Device over already-opened origin and cow backends.
// Activation unwinds everything it allocated, in reverse order, if any step
// fails, per spec.md §4.6.
func NewDevice(ctx context.Context, origin, cowDev ublk.Backend, opts Options) (*Device, error) {
	opts = opts.withDefaults()

	targetSectors := uint64(origin.Size()) / SectorSize
	nrChunks := nrChunks(targetSectors)
	if nrChunks > MaxChunks {
		return nil, ErrTargetTooLarge
	}

	minCowSize := int64(MetadataSectors*SectorSize) + int64(nrChunks)*ChunkSize
	if cowDev.Size() < minCowSize {
		return nil, newError("activate", ErrCodeInvalidArgument, "cow device is smaller than the reserved region plus target capacity")
	}

	store := newMetadataStore(cowDev)
	bitmap, err := store.loadBitmap(nrChunks)
	if err != nil {
		return nil, err
	}

	deviceCtx, cancel := context.WithCancel(ctx)

	d := &Device{
		origin:        origin,
		cow:           cowDev,
		bitmap:        bitmap,
		jobPool:       newJobPool(opts.JobPoolCapacity),
		scheduler:     newScheduler(opts.WorkerCount, opts.JobPoolCapacity),
		metadata:      store,
		metrics:       NewMetrics(),
		observer:      opts.Observer,
		logger:        opts.Logger,
		nrChunks:      nrChunks,
		targetSectors: targetSectors,
		ctx:           deviceCtx,
		cancel:        cancel,
	}
	return d, nil
}

// Size implements ublk.Backend: the virtual device is exactly as large as
// the origin device.
func (d *Device) Size() int64 {
	return int64(d.targetSectors) * SectorSize
}

// ChunkBytes implements ublk.ChunkedBackend, declaring the single-chunk
// request ceiling invariant I3 requires (spec.md §3/§6: max_io_len = 8
// sectors). ublk.DefaultParams uses this to size the host runner's dispatch
// so no request crosses a chunk boundary, rather than relying solely on
// checkSingleChunk to catch it defensively after the fact.
func (d *Device) ChunkBytes() int {
	return ChunkSize
}

// RunnerOptions returns the ublk.Options that should drive the host
// runner for this Device, carrying the same Logger and Observer the Device
// itself was configured with (Options, see options.go) so callers don't
// have to specify them twice.
func (d *Device) RunnerOptions() *ublk.Options {
	return &ublk.Options{Logger: d.logger, Observer: d.observer}
}

// ReadAt implements ublk.Backend. Per invariant I3, the caller (the ublk
// runner, via max_io_len) guarantees p never spans more than one chunk;
// ReadAt defends the invariant rather than trusting it blindly.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	start := time.Now()
	n, err := d.readAt(p, off)
	d.observer.ObserveRead(uint64(len(p)), uint64(time.Since(start)), err == nil)
	return n, err
}

func (d *Device) readAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := d.checkSingleChunk(off, len(p)); err != nil {
		return 0, err
	}

	startSector := uint64(off) / SectorSize
	decision := d.route(startSector, dirRead)
	switch decision.result {
	case routeKill:
		return 0, decision.err
	case routeRemapped:
		if decision.toCow {
			return d.cow.ReadAt(p, int64(decision.sector)*SectorSize)
		}
		return d.origin.ReadAt(p, int64(decision.sector)*SectorSize)
	default:
		// Reads never produce SUBMITTED: §4.3 step 4 only remaps reads.
		return 0, newError("read", ErrCodeInvalidArgument, "unexpected route result for read")
	}
}

// WriteAt implements ublk.Backend. When the target chunk is untouched, this
// blocks the caller until the CoW job completes (copy, in-memory update,
// durable persist), then performs the caller's write against the cow
// device — preserving ublk.Backend's synchronous contract while still
// running the full asynchronous job state machine underneath, the way the
// external ublk runner's own handleIORequest blocks a queue goroutine on
// backend calls today.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	start := time.Now()
	n, err := d.writeAt(p, off)
	d.observer.ObserveWrite(uint64(len(p)), uint64(time.Since(start)), err == nil)
	return n, err
}

func (d *Device) writeAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := d.checkSingleChunk(off, len(p)); err != nil {
		return 0, err
	}

	startSector := uint64(off) / SectorSize
	decision := d.route(startSector, dirWrite)
	switch decision.result {
	case routeKill:
		return 0, decision.err
	case routeRemapped:
		// Already redirected to cow by an earlier job.
		return d.cow.WriteAt(p, int64(decision.sector)*SectorSize)
	case routeSubmitted:
		j := decision.job
		if err := j.wait(); err != nil {
			d.jobPool.release(j)
			return 0, err
		}
		d.jobPool.release(j)
		return d.cow.WriteAt(p, int64(cowSector(startSector))*SectorSize)
	default:
		return 0, newError("write", ErrCodeInvalidArgument, "unreachable route result")
	}
}

// checkSingleChunk enforces invariant I3: max_io_len is 8 sectors, so a
// request must never span a chunk boundary.
func (d *Device) checkSingleChunk(off int64, length int) error {
	if length == 0 {
		return nil
	}
	startSector := uint64(off) / SectorSize
	endSector := uint64(off+int64(length)-1) / SectorSize
	if chunkIndex(startSector) != chunkIndex(endSector) {
		return newError("io", ErrCodeOutOfBounds, "request spans more than one chunk")
	}
	return nil
}

// Flush implements ublk.Backend by flushing the cow device; the origin is
// never written after activation so it has nothing to flush.
func (d *Device) Flush() error {
	start := time.Now()
	err := d.cow.Flush()
	d.observer.ObserveFlush(uint64(time.Since(start)), err == nil)
	return err
}

// Metrics returns the device's CoW job lifecycle counters.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Debugf(format, args...)
	}
}

// Close tears the device down in the strict order spec.md's Design Notes
// require: drain workers (no new jobs can start; wait for outstanding ones
// to finish) → retire the bitmap (wait for any reader critical section that
// was already open to end) → release both device handles. The job pool and
// scheduler themselves don't need an explicit destroy step in Go: once no
// goroutine references them, they're reclaimed by the garbage collector.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.logf("cow: draining worker pool")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.scheduler.drain(drainCtx); err != nil {
		return wrapIOError("close", -1, err)
	}

	d.logf("cow: retiring bitmap")
	d.bitmap.Retire(drainCtx)

	cowErr := d.cow.Close()
	originErr := d.origin.Close()
	if cowErr != nil {
		return wrapIOError("close", -1, cowErr)
	}
	if originErr != nil {
		return wrapIOError("close", -1, originErr)
	}
	return nil
}

var (
	_ ublk.Backend        = (*Device)(nil)
	_ ublk.ChunkedBackend = (*Device)(nil)
)
