package cow

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/ublkcow/ublkcow"
)

// metadataStore persists the redirection bitmap to the cow device's
// reserved region (sectors 0..MetadataSectors-1) and loads it back on
// activation. Every write here is write-through and FUA: Flush is called
// before the write is considered durable, matching the data-before-
// metadata durability rule (I2) — the metadata write establishing a
// redirection must itself be durable before the job completes.
//
// loadBitmap performs an unconditional read of the reserved region,
// same as a bitmap that's all zero on a never-used cow device reads back
// as "every chunk still on origin." This only gives correct results if the
// cow device is guaranteed zeroed before first activation; distinguishing
// a fresh device from one previously used by a different target is left
// to the deployment contract rather than an on-disk marker, per the choice
// recorded in DESIGN.md.
type metadataStore struct {
	cow ublk.Backend
}

func newMetadataStore(cowDev ublk.Backend) *metadataStore {
	return &metadataStore{cow: cowDev}
}

// writeSectorDurable writes exactly one 512-byte sector at the given
// device-relative sector index and flushes before returning, so the write
// is on stable storage (write-through + FUA) by the time it returns nil.
func (m *metadataStore) writeSectorDurable(op string, sector int, data []byte) error {
	if len(data) != SectorSize {
		return newChunkError(op, -1, ErrCodeInvalidArgument, "metadata sector payload must be exactly one sector", nil)
	}
	if _, err := m.cow.WriteAt(data, int64(sector)*SectorSize); err != nil {
		return wrapIOError(op, -1, err)
	}
	if err := m.cow.Flush(); err != nil {
		return wrapIOError(op, -1, err)
	}
	return nil
}

func (m *metadataStore) readSector(op string, sector int) ([]byte, error) {
	buf := make([]byte, SectorSize)
	if _, err := m.cow.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		return nil, wrapIOError(op, -1, err)
	}
	return buf, nil
}

// loadBitmap reads the MetadataSectors reserved sectors from the cow device
// and builds the Bitmap they encode. A never-initialized (zeroed) cow
// device reads back as an all-clear bitmap, i.e. every chunk still lives on
// origin, matching spec.md §4.5's zero-fill-then-read behavior.
func (m *metadataStore) loadBitmap(nrChunks uint32) (*Bitmap, error) {
	bits := bitset.New(uint(nrChunks))
	for s := 0; s < MetadataSectors; s++ {
		raw, err := m.readSector("load-bitmap", s)
		if err != nil {
			return nil, err
		}
		applySectorBits(bits, s, raw, nrChunks)
	}

	snap := &snapshot{nrChunks: nrChunks, bits: bits}
	snap.refs.Store(1)
	bm := &Bitmap{}
	bm.current.Store(snap)
	return bm, nil
}

// applySectorBits sets bits in dst from the 512-byte raw sector sitting at
// bitmap sector index idx, ignoring any bits beyond nrChunks (the tail of
// the last sector when nrChunks isn't a multiple of a sector's bit width).
func applySectorBits(dst *bitset.BitSet, idx int, raw []byte, nrChunks uint32) {
	base := uint(idx) * bitsPerMetadataSector
	for byteIdx, b := range raw {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			c := base + uint(byteIdx)*8 + uint(bit)
			if c < uint(nrChunks) {
				dst.Set(c)
			}
		}
	}
}

// persistChunkBit persists the single metadata sector covering chunk c from
// snap, durably. This is step 4 of the copy-on-write job state machine:
// called while the bitmap's write lock is still held, so a concurrent
// mutation of the same sector can't interleave with this write.
func (m *metadataStore) persistChunkBit(snap *snapshot, c uint32) error {
	sector, ok := metadataSectorFor(c)
	if !ok {
		return newChunkError("persist", int64(c), ErrCodeOutOfBounds, "chunk index out of the bitmap's reserved region", nil)
	}
	return m.writeSectorDurable("persist", sector, snap.sectorBytes(sector))
}
