package cow

const (
	// SectorSize is the fixed sector size in bytes, matching every real
	// block device's logical sector size this package is designed for.
	SectorSize = 512

	// SectorsPerChunk is the fixed chunk size: 8 sectors = 4KiB. The chunk
	// size is not configurable (spec-fixed), so it's a constant rather
	// than a Device field.
	SectorsPerChunk = 8

	// ChunkSize is the chunk size in bytes.
	ChunkSize = SectorsPerChunk * SectorSize

	// MetadataSectors is the number of sectors reserved for the bitmap at
	// the start of the cow device. Chunk data begins at sector
	// MetadataSectors.
	MetadataSectors = 8

	// MetadataBytes is MetadataSectors worth of bytes.
	MetadataBytes = MetadataSectors * SectorSize

	// bitsPerMetadataSector is how many bitmap bits fit in one on-disk
	// sector (512 bytes * 8 bits).
	bitsPerMetadataSector = SectorSize * 8

	// MaxChunks bounds the virtual device to the metadata region's
	// capacity: 8 sectors * 4096 bits/sector = 32768 chunks = 128MiB.
	MaxChunks = MetadataSectors * bitsPerMetadataSector
)

// chunkIndex returns the chunk containing the virtual-device sector s.
func chunkIndex(sector uint64) uint32 {
	return uint32(sector / SectorsPerChunk)
}

// cowSector maps a virtual-device sector to its sector on the cow device,
// assuming the owning chunk's bit is set. Chunk i occupies cow sectors
// MetadataSectors+8i .. MetadataSectors+8i+7.
func cowSector(sector uint64) uint64 {
	chunk := sector / SectorsPerChunk
	offsetInChunk := sector % SectorsPerChunk
	return MetadataSectors + chunk*SectorsPerChunk + offsetInChunk
}

// chunkDataSector returns the first cow-device sector of chunk c's 4KiB
// data region.
func chunkDataSector(c uint32) uint64 {
	return MetadataSectors + uint64(c)*SectorsPerChunk
}

// metadataSectorFor returns which of the MetadataSectors on-disk sectors
// holds the bit for chunk c, and whether that sector is within the
// reserved region at all.
func metadataSectorFor(c uint32) (sector int, ok bool) {
	sector = int(c / bitsPerMetadataSector)
	return sector, sector < MetadataSectors
}

// nrChunks computes the number of chunks needed to cover a target of the
// given sector count, rounding up.
func nrChunks(targetSectors uint64) uint32 {
	return uint32((targetSectors + SectorsPerChunk - 1) / SectorsPerChunk)
}
