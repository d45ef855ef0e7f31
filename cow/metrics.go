package cow

import (
	"sync/atomic"
	"time"
)

// Metrics tracks copy-on-write job lifecycle statistics, complementing the
// read/write/flush counters already covered by ublk.Metrics (which Device
// feeds via the ublk.Observer it's given — see options.go).
type Metrics struct {
	JobsStarted    atomic.Uint64
	JobsCompleted  atomic.Uint64
	JobsFailed     atomic.Uint64
	JobPoolExhausted atomic.Uint64
	CopyBytes      atomic.Uint64
	BitmapPersists atomic.Uint64

	TotalJobLatencyNs atomic.Uint64
	StartTime         atomic.Int64
}

// NewMetrics creates a fresh Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordJobStart() {
	m.JobsStarted.Add(1)
}

func (m *Metrics) recordJobDone(copied uint64, latencyNs uint64, err error) {
	if err != nil {
		m.JobsFailed.Add(1)
	} else {
		m.JobsCompleted.Add(1)
		m.CopyBytes.Add(copied)
	}
	m.TotalJobLatencyNs.Add(latencyNs)
}

func (m *Metrics) recordJobPoolExhausted() {
	m.JobPoolExhausted.Add(1)
}

func (m *Metrics) recordBitmapPersist() {
	m.BitmapPersists.Add(1)
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics suitable
// for logging or exposing over an API.
type MetricsSnapshot struct {
	JobsStarted      uint64
	JobsCompleted    uint64
	JobsFailed       uint64
	JobPoolExhausted uint64
	CopyBytes        uint64
	BitmapPersists   uint64
	AvgJobLatencyNs  uint64
	UptimeNs         uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	started := m.JobsStarted.Load()
	completed := m.JobsCompleted.Load()
	failed := m.JobsFailed.Load()
	totalLatency := m.TotalJobLatencyNs.Load()

	snap := MetricsSnapshot{
		JobsStarted:      started,
		JobsCompleted:    completed,
		JobsFailed:       failed,
		JobPoolExhausted: m.JobPoolExhausted.Load(),
		CopyBytes:        m.CopyBytes.Load(),
		BitmapPersists:   m.BitmapPersists.Load(),
		UptimeNs:         uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if done := completed + failed; done > 0 {
		snap.AvgJobLatencyNs = totalLatency / done
	}
	return snap
}
