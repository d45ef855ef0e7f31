package cow

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/ublkcow/ublkcow"
)

func fillPattern(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func newScenarioDevice(t *testing.T, nrChunks uint32, originFill byte) (*Device, ublk.Backend, ublk.Backend) {
	t.Helper()
	origin := ublk.NewMockBackend(int64(nrChunks) * ChunkSize)
	buf := make([]byte, origin.Size())
	fillPattern(buf, originFill)
	if _, err := origin.WriteAt(buf, 0); err != nil {
		t.Fatalf("seeding origin: %v", err)
	}

	cowDev := ublk.NewMockBackend(int64(MetadataSectors*SectorSize) + int64(nrChunks)*ChunkSize)

	dev, err := NewDevice(context.Background(), origin, cowDev, DefaultOptions())
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev, origin, cowDev
}

// Scenario 1: fresh activation, pure read.
func TestScenarioFreshActivationPureRead(t *testing.T) {
	dev, _, cowDev := newScenarioDevice(t, 4, 0xAA)
	defer dev.Close()

	got := make([]byte, ChunkSize)
	if _, err := dev.ReadAt(got[:SectorSize], 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := make([]byte, SectorSize)
	fillPattern(want, 0xAA)
	if !bytes.Equal(got[:SectorSize], want) {
		t.Fatalf("expected origin pattern 0xAA, got %x", got[:SectorSize])
	}

	for c := uint32(0); c < 4; c++ {
		if dev.bitmap.Test(c) {
			t.Fatalf("chunk %d should be clear after a pure read", c)
		}
	}

	cowData := make([]byte, ChunkSize)
	cowDev.ReadAt(cowData, int64(chunkDataSector(0))*SectorSize)
	for _, b := range cowData {
		if b != 0 {
			t.Fatal("cow data region should be untouched by a pure read")
		}
	}
}

// Scenario 2: first write then read.
func TestScenarioFirstWriteThenRead(t *testing.T) {
	dev, origin, cowDev := newScenarioDevice(t, 4, 0xAA)
	defer dev.Close()

	payload := make([]byte, ChunkSize)
	fillPattern(payload, 0xBB)
	if _, err := dev.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	cowData := make([]byte, ChunkSize)
	if _, err := cowDev.ReadAt(cowData, int64(MetadataSectors)*SectorSize); err != nil {
		t.Fatalf("reading cow data region: %v", err)
	}
	if !bytes.Equal(cowData, payload) {
		t.Fatalf("expected cow data sectors to hold 0xBB, got first bytes %x", cowData[:16])
	}

	if !dev.bitmap.Test(0) {
		t.Fatal("chunk 0 should be set after its first write")
	}

	originData := make([]byte, ChunkSize)
	origin.ReadAt(originData, 0)
	for _, b := range originData {
		if b != 0xAA {
			t.Fatal("origin must remain unchanged after a cow write")
		}
	}

	got := make([]byte, ChunkSize)
	if _, err := dev.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt after write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read after write should return the new data")
	}
}

// Scenario 3: partial write then read.
func TestScenarioPartialWriteThenRead(t *testing.T) {
	dev, _, cowDev := newScenarioDevice(t, 4, 0xAA)
	defer dev.Close()

	partial := make([]byte, SectorSize)
	fillPattern(partial, 0xCC)
	if _, err := dev.WriteAt(partial, 3*SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	cowData := make([]byte, ChunkSize)
	cowDev.ReadAt(cowData, int64(MetadataSectors)*SectorSize)

	want := make([]byte, ChunkSize)
	fillPattern(want, 0xAA)
	copy(want[3*SectorSize:4*SectorSize], partial)
	if !bytes.Equal(cowData, want) {
		t.Fatalf("expected origin pattern with sector 3 overwritten, got %x", cowData)
	}

	got := make([]byte, ChunkSize)
	if _, err := dev.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read after partial write mismatch")
	}
}

// Scenario 4: race on the same chunk.
func TestScenarioRaceOnSameChunk(t *testing.T) {
	dev, _, _ := newScenarioDevice(t, 4, 0xAA)
	defer dev.Close()

	writeA := make([]byte, SectorSize)
	fillPattern(writeA, 0x11)
	writeB := make([]byte, SectorSize)
	fillPattern(writeB, 0x22)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := dev.WriteAt(writeA, 0); err != nil {
			t.Errorf("writeA: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := dev.WriteAt(writeB, 7*SectorSize); err != nil {
			t.Errorf("writeB: %v", err)
		}
	}()
	wg.Wait()

	got := make([]byte, ChunkSize)
	if _, err := dev.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[0:SectorSize], writeA) {
		t.Fatal("sector 0 should hold writer A's bytes")
	}
	if !bytes.Equal(got[7*SectorSize:8*SectorSize], writeB) {
		t.Fatal("sector 7 should hold writer B's bytes")
	}
	for s := 1; s < 7; s++ {
		for _, b := range got[s*SectorSize : (s+1)*SectorSize] {
			if b != 0xAA {
				t.Fatalf("sector %d should retain origin bytes, got %x", s, b)
			}
		}
	}

	if dev.metrics.JobsCompleted.Load() == 0 {
		t.Fatal("expected at least one job to complete the copy")
	}
}

// failOnOffsetBackend fails WriteAt at any offset below failBelow (the
// metadata region), simulating a crash between the data copy and the
// metadata persist.
type failOnOffsetBackend struct {
	ublk.Backend
	failBelow int64
}

func (f *failOnOffsetBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < f.failBelow {
		return 0, newError("io", ErrCodeIOError, "injected failure")
	}
	return f.Backend.WriteAt(p, off)
}

// Scenario 5: crash after data copy but before bitmap persist.
func TestScenarioCrashBeforeBitmapPersist(t *testing.T) {
	origin := ublk.NewMockBackend(int64(4) * ChunkSize)
	buf := make([]byte, origin.Size())
	fillPattern(buf, 0xAA)
	origin.WriteAt(buf, 0)

	realCow := ublk.NewMockBackend(int64(MetadataSectors*SectorSize) + int64(4)*ChunkSize)
	flaky := &failOnOffsetBackend{Backend: realCow, failBelow: MetadataSectors * SectorSize}

	dev, err := NewDevice(context.Background(), origin, flaky, DefaultOptions())
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	payload := make([]byte, ChunkSize)
	fillPattern(payload, 0xBB)
	if _, err := dev.WriteAt(payload, 0); err == nil {
		t.Fatal("expected the write to fail when the metadata persist is injected to fail")
	}
	dev.Close()

	// "Reboot": load a fresh Device straight from the underlying cow backend.
	reloaded, err := NewDevice(context.Background(), origin, realCow, DefaultOptions())
	if err != nil {
		t.Fatalf("NewDevice on reload: %v", err)
	}
	defer reloaded.Close()

	if reloaded.bitmap.Test(0) {
		t.Fatal("bit must remain clear: the metadata persist never reached durable storage")
	}

	got := make([]byte, ChunkSize)
	if _, err := reloaded.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt after reload: %v", err)
	}
	want := make([]byte, ChunkSize)
	fillPattern(want, 0xAA)
	if !bytes.Equal(got, want) {
		t.Fatal("reads after the crash must still see origin data, not the half-copied chunk")
	}
}

// sizedOnlyBackend reports a size without actually backing it with memory,
// for exercising activation's size check without a 128MiB+ test allocation.
type sizedOnlyBackend struct{ size int64 }

func (s sizedOnlyBackend) ReadAt([]byte, int64) (int, error)  { panic("unused") }
func (s sizedOnlyBackend) WriteAt([]byte, int64) (int, error) { panic("unused") }
func (s sizedOnlyBackend) Size() int64                        { return s.size }
func (s sizedOnlyBackend) Close() error                       { return nil }
func (s sizedOnlyBackend) Flush() error                       { return nil }

// Scenario 6: oversized activation.
func TestScenarioOversizedActivation(t *testing.T) {
	origin := sizedOnlyBackend{size: int64(MaxChunks+1) * ChunkSize}
	cowDev := sizedOnlyBackend{size: MetadataSectors * SectorSize}

	_, err := NewDevice(context.Background(), origin, cowDev, DefaultOptions())
	if err != ErrTargetTooLarge {
		t.Fatalf("expected ErrTargetTooLarge, got %v", err)
	}
}
