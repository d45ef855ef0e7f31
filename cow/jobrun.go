package cow

import "time"

// runJob drives one CoW job's state machine (spec.md §4.4) on a scheduler
// worker goroutine. It always terminates by signaling the job, waking
// whatever WriteAt call is blocked on it.
func (d *Device) runJob(j *job) {
	start := time.Now()
	d.metrics.recordJobStart()

	err := d.driveJob(j)

	d.metrics.recordJobDone(uint64(ChunkSize), uint64(time.Since(start)), err)
	j.signal(err)
}

// driveJob implements steps 1-4 of the worker algorithm. Step 5
// (re-dispatch to cow) is the caller's job: WriteAt performs the caller's
// actual write against the cow device once driveJob returns successfully,
// since this package's Backend contract has no separate re-submission path
// the way the kernel block layer does.
func (d *Device) driveJob(j *job) error {
	// Step 1: early short-circuit if another job already won this chunk.
	if d.bitmap.Test(j.chunk) {
		return nil
	}

	// Step 2: copy data (state COPYING).
	j.state = jobStateCopying
	var buf [ChunkSize]byte
	dataSector := chunkDataSector(j.chunk)
	if _, err := d.origin.ReadAt(buf[:], int64(j.chunk)*ChunkSize); err != nil {
		return wrapIOError("copy-read", int64(j.chunk), err)
	}
	if _, err := d.cow.WriteAt(buf[:], int64(dataSector)*SectorSize); err != nil {
		return wrapIOError("copy-write", int64(j.chunk), err)
	}
	if err := d.cow.Flush(); err != nil {
		return wrapIOError("copy-flush", int64(j.chunk), err)
	}

	// Steps 3-4: update in-memory bit and persist the covering metadata
	// sector, both under the bitmap's write lock so a concurrent persister
	// touching the same sector can't interleave.
	j.state = jobStateUpdating
	persistErr := d.bitmap.WithWriteLock(func(current *snapshot) (*snapshot, error) {
		if current.test(j.chunk) {
			// Concurrent winner already set and persisted this bit.
			return nil, nil
		}

		clone := current.clone()
		clone.bits.Set(uint(j.chunk))

		j.state = jobStatePersisting
		if err := d.metadata.persistChunkBit(clone, j.chunk); err != nil {
			// Rollback I2: abandon the clone, the bit stays clear.
			return nil, err
		}
		d.metrics.recordBitmapPersist()
		return clone, nil
	})
	if persistErr != nil {
		return persistErr
	}

	j.state = jobStateCompleting
	return nil
}
