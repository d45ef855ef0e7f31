package cow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// snapshot is an immutable view of the redirection bitmap: bit i set means
// chunk i currently lives on the cow device. Once published via Bitmap's
// atomic pointer, a snapshot is never mutated again — writers build a new
// one and swap it in, following the clone-and-publish discipline spec.md
// §9 calls out as the portable substitute for a kernel RCU primitive.
type snapshot struct {
	nrChunks uint32
	bits     *bitset.BitSet
	refs     atomic.Int64
}

func newEmptySnapshot(nrChunks uint32) *snapshot {
	s := &snapshot{nrChunks: nrChunks, bits: bitset.New(uint(nrChunks))}
	s.refs.Store(1) // baseline reference held by the publication slot itself
	return s
}

// clone returns a deep copy of s suitable for a writer to mutate before
// publication. The bitmap is at most 4KiB (512 uint64 words), so cloning
// on every mutation is cheap relative to the I/O that guards it.
func (s *snapshot) clone() *snapshot {
	c := &snapshot{nrChunks: s.nrChunks, bits: s.bits.Clone()}
	c.refs.Store(1)
	return c
}

func (s *snapshot) test(c uint32) bool {
	return s.bits.Test(uint(c))
}

// sectorBytes renders the 512-byte on-disk representation of metadata
// sector idx (one sector covers 4096 bits), for persisting or loading.
func (s *snapshot) sectorBytes(idx int) []byte {
	buf := make([]byte, SectorSize)
	words := s.bits.Bytes()
	start := idx * SectorSize
	if start >= len(words)*8 {
		return buf
	}
	wordBytes := bitsetBytesLE(words)
	copy(buf, wordBytes[start:])
	return buf
}

// bitsetBytesLE renders a bitset's uint64 words as little-endian bytes.
// bitset.BitSet.Bytes() returns the raw []uint64 backing words, which we
// need as a flat byte slice to slice out individual 512-byte sectors.
func bitsetBytesLE(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(w >> (8 * b))
		}
	}
	return out
}

func (s *snapshot) acquire() { s.refs.Add(1) }
func (s *snapshot) release() { s.refs.Add(-1) }

func (s *snapshot) quiescent() bool { return s.refs.Load() == 0 }

// Guard is returned by Bitmap.ReadSnapshot and must be released exactly
// once when the caller leaves its reader critical section.
type Guard struct{ snap *snapshot }

// Release ends the reader critical section.
func (g Guard) Release() {
	if g.snap != nil {
		g.snap.release()
	}
}

// Bitmap is the redirection bitmap: many lock-free readers, one writer at
// a time. Readers call ReadSnapshot/Test and never mutate. Writers call
// WithWriteLock, which serializes mutation through writeMu and publishes
// the result atomically so a reader never observes a partially-built
// bitmap.
type Bitmap struct {
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
}

// NewBitmap creates a bitmap of nrChunks bits, all clear (all chunks on
// origin).
func NewBitmap(nrChunks uint32) *Bitmap {
	bm := &Bitmap{}
	bm.current.Store(newEmptySnapshot(nrChunks))
	return bm
}

// ReadSnapshot enters a reader critical section: the returned snapshot is
// guaranteed not to be mutated out from under the caller, and its backing
// memory won't be reclaimed, until Guard.Release is called. The critical
// section must be short and non-blocking, per spec.md §4.3/§5.
func (bm *Bitmap) ReadSnapshot() (*snapshot, Guard) {
	snap := bm.current.Load()
	snap.acquire()
	return snap, Guard{snap: snap}
}

// Test is a convenience wrapper combining ReadSnapshot/Test/Release for
// callers that only need a single bit and don't need to hold the critical
// section open across other work (the request mapper holds it open
// explicitly instead, see mapper.go).
func (bm *Bitmap) Test(c uint32) bool {
	snap, guard := bm.ReadSnapshot()
	defer guard.Release()
	return snap.test(c)
}

// NrChunks returns the number of chunks the bitmap covers.
func (bm *Bitmap) NrChunks() uint32 {
	return bm.current.Load().nrChunks
}

// WithWriteLock serializes mutation against all other writers and
// publishes the result atomically. fn receives the currently-published
// snapshot (read-only — it must not mutate it) and returns the clone it
// wants published, or nil to abandon the mutation (e.g. because persisting
// it to disk failed and I2 must be preserved). WithWriteLock returns
// whatever error fn returns; on error, the previous snapshot remains
// published unchanged.
func (bm *Bitmap) WithWriteLock(fn func(current *snapshot) (publish *snapshot, err error)) error {
	bm.writeMu.Lock()
	defer bm.writeMu.Unlock()

	current := bm.current.Load()
	publish, err := fn(current)
	if err != nil {
		return err
	}
	if publish == nil {
		return nil
	}
	bm.current.Store(publish)
	current.release() // drop the publication-slot reference we inherited
	return nil
}

// Retire waits for the currently-published snapshot to become quiescent —
// i.e. for every reader critical section that had already entered to
// leave — before returning. It is meant to be called exactly once, during
// device teardown, after the scheduler has been drained so no new readers
// can start. It polls rather than blocking on a condition variable because
// reader critical sections are bounded and extremely short (spec.md §5);
// a tight poll converges quickly without needing a wakeup channel per
// mutation.
func (bm *Bitmap) Retire(ctx context.Context) {
	snap := bm.current.Load()
	snap.release() // the publication slot itself is being retired
	for !snap.quiescent() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}
