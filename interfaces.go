package ublk

import "github.com/ublkcow/ublkcow/internal/interfaces"

// Backend defines the interface that all ublk backends must implement.
type Backend = interfaces.Backend

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend = interfaces.DiscardBackend

// Logger is the logging interface backends and the runner accept.
type Logger = interfaces.Logger

// Observer is declared in metrics.go (it's the metrics-collection
// interface, not a thin internal/interfaces wrapper like Backend/Logger).

// WriteZeroesBackend is an optional interface for backends that can zero a
// range without transferring zero bytes over the wire.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for backends with a distinct
// fsync/fdatasync step beyond Flush (e.g. a range-scoped sync).
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface for backends that expose
// implementation-specific statistics.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for backends that support growing
// or truncating the device backing them.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}
