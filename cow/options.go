package cow

import "github.com/ublkcow/ublkcow"

// DefaultJobPoolCapacity is how many copy-on-write jobs can be in flight at
// once before WriteAt starts failing further first-writes (KILL).
const DefaultJobPoolCapacity = 256

// DefaultWorkerCount bounds how many jobs copy concurrently, independent of
// how many are queued in the job pool.
const DefaultWorkerCount = 16

// Options configures a Device, following the same plain-struct-plus-
// defaults-constructor shape as ublk.DeviceParams.
type Options struct {
	// JobPoolCapacity bounds how many copy-on-write jobs may be in flight
	// at once (default: DefaultJobPoolCapacity).
	JobPoolCapacity int

	// WorkerCount bounds how many jobs run concurrently (default:
	// DefaultWorkerCount).
	WorkerCount int

	// Logger receives diagnostic output; nil disables logging.
	Logger ublk.Logger

	// Observer receives per-operation metrics callbacks in addition to the
	// Device's own cow.Metrics; nil uses ublk.NoOpObserver.
	Observer ublk.Observer
}

// DefaultOptions returns the default Device configuration.
func DefaultOptions() Options {
	return Options{
		JobPoolCapacity: DefaultJobPoolCapacity,
		WorkerCount:     DefaultWorkerCount,
		Observer:        ublk.NoOpObserver{},
	}
}

func (o Options) withDefaults() Options {
	if o.JobPoolCapacity <= 0 {
		o.JobPoolCapacity = DefaultJobPoolCapacity
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = DefaultWorkerCount
	}
	if o.Observer == nil {
		o.Observer = ublk.NoOpObserver{}
	}
	return o
}
