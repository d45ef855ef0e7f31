package backend

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ublkcow/ublkcow"
)

// File is a real file- or block-device-backed Backend. Unlike Memory, its
// Flush is not a no-op: every byte written through it must reach durable
// storage before Flush returns, which is what the cow package's metadata
// persister and data copier rely on for write-through + force-unit-access
// semantics (spec-level durability, not just "eventually fsynced").
type File struct {
	f        *os.File
	size     int64
	readOnly bool
	mu       sync.RWMutex // guards closed against concurrent ReadAt/WriteAt/Close
	closed   bool
}

// NewFile opens path as a File backend. When readOnly is true, WriteAt
// always fails; this is how cow.Activate keeps the origin device untouched
// after activation without relying on callers to simply not write to it.
//
// The file is opened with O_DSYNC so every successful write is already
// durable by the time WriteAt returns, matching the write-through part of
// the durability contract; O_DIRECT is attempted to also bypass the page
// cache, but its absence (e.g. on filesystems or kernels that reject it for
// this file) is not fatal — O_DSYNC alone still satisfies write-through.
func NewFile(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := openWithDirectIfPossible(path, flag|unix.O_DSYNC)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		if sz, err := blockDeviceSize(f); err == nil && sz > 0 {
			size = sz
		}
	}

	return &File{f: f, size: size, readOnly: readOnly}, nil
}

// openWithDirectIfPossible tries O_DIRECT first and falls back to opening
// without it; some filesystems (tmpfs, overlayfs) reject O_DIRECT outright,
// and we'd rather run without it than fail activation entirely.
func openWithDirectIfPossible(path string, flag int) (*os.File, error) {
	if f, err := os.OpenFile(path, flag|unix.O_DIRECT, 0o644); err == nil {
		return f, nil
	}
	return os.OpenFile(path, flag, 0o644)
}

// blockDeviceSize asks the kernel for a block device's size via ioctl,
// since os.Stat reports 0 for block special files.
func blockDeviceSize(f *os.File) (int64, error) {
	sz, err := unix.IoctlGetUint64(int(f.Fd()), unix.BLKGETSIZE64)
	return int64(sz), err
}

// ReadAt implements ublk.Backend.
func (fb *File) ReadAt(p []byte, off int64) (int, error) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	if fb.closed {
		return 0, ublk.ErrDeviceNotFound
	}
	return fb.f.ReadAt(p, off)
}

// WriteAt implements ublk.Backend.
func (fb *File) WriteAt(p []byte, off int64) (int, error) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	if fb.closed {
		return 0, ublk.ErrDeviceNotFound
	}
	if fb.readOnly {
		return 0, ublk.NewError("WriteAt", ublk.ErrCodePermissionDenied, "file backend opened read-only")
	}
	return fb.f.WriteAt(p, off)
}

// Size implements ublk.Backend.
func (fb *File) Size() int64 {
	return fb.size
}

// Close implements ublk.Backend.
func (fb *File) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed {
		return nil
	}
	fb.closed = true
	return fb.f.Close()
}

// Flush implements ublk.Backend. O_DSYNC already makes every WriteAt
// durable, so Flush only needs to cover metadata (size, allocation) that
// O_DSYNC doesn't force for every write; Sync covers both.
func (fb *File) Flush() error {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	if fb.closed {
		return ublk.ErrDeviceNotFound
	}
	return fb.f.Sync()
}

// Sync implements ublk.SyncBackend.
func (fb *File) Sync() error {
	return fb.Flush()
}

// SyncRange implements ublk.SyncBackend. The underlying O_DSYNC file has no
// cheaper range-limited sync available through the standard library, so
// this is equivalent to a full Sync.
func (fb *File) SyncRange(offset, length int64) error {
	return fb.Flush()
}

var (
	_ ublk.Backend     = (*File)(nil)
	_ ublk.SyncBackend = (*File)(nil)
)
