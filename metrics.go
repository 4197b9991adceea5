package orbit

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one orbit's
// dispatch loop: calls made, snapshots realized, and update records applied.
type Metrics struct {
	// Call counters
	CallsDispatched atomic.Uint64 // Calls pulled off the task queue
	CallsCompleted  atomic.Uint64 // Calls that produced a retval
	CallsCancelled  atomic.Uint64 // Calls cancelled while still queued

	// Snapshot counters
	SnapshotsTaken    atomic.Uint64 // Area snapshots realized at dispatch
	SnapshotBytes     atomic.Uint64 // Cumulative bytes transferred by snapshots
	SnapshotErrors    atomic.Uint64

	// Update-record counters
	UpdatesPushed  atomic.Uint64 // Update records pushed by orbit-side calls
	UpdatesApplied atomic.Uint64 // Update records applied host-side
	UpdatesSkipped atomic.Uint64 // Update records skipped (host declined apply)

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative call latency in nanoseconds
	OpCount        atomic.Uint64 // Total calls (for average latency calculation)

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of calls with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Orbit lifecycle
	StartTime atomic.Int64 // Orbit creation timestamp (UnixNano)
	StopTime  atomic.Int64 // Orbit destruction timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCall records one dispatched call, its snapshot cost in bytes, and
// its end-to-end latency.
func (m *Metrics) RecordCall(snapshotBytes uint64, latencyNs uint64, success bool) {
	m.CallsDispatched.Add(1)
	if success {
		m.CallsCompleted.Add(1)
	}
	m.SnapshotsTaken.Add(1)
	m.SnapshotBytes.Add(snapshotBytes)
	m.recordLatency(latencyNs)
}

// RecordCancel records a call cancelled while still queued (it never
// entered dispatch).
func (m *Metrics) RecordCancel() {
	m.CallsCancelled.Add(1)
}

// RecordSnapshotError records a failed snapshot realization.
func (m *Metrics) RecordSnapshotError() {
	m.SnapshotErrors.Add(1)
}

// RecordUpdatePushed, RecordUpdateApplied and RecordUpdateSkipped record an
// update record pushed by orbit-side code, and whether it was later applied
// or skipped host-side.
func (m *Metrics) RecordUpdatePushed() { m.UpdatesPushed.Add(1) }
func (m *Metrics) RecordUpdateApplied() { m.UpdatesApplied.Add(1) }
func (m *Metrics) RecordUpdateSkipped() { m.UpdatesSkipped.Add(1) }

// RecordQueueDepth records current task queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the orbit as destroyed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	CallsDispatched uint64
	CallsCompleted  uint64
	CallsCancelled  uint64

	SnapshotsTaken uint64
	SnapshotBytes  uint64
	SnapshotErrors uint64

	UpdatesPushed  uint64
	UpdatesApplied uint64
	UpdatesSkipped uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CallsPerSecond float64
	ErrorRate      float64 // CallsCancelled as a percentage of CallsDispatched; failed calls are not counted
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CallsDispatched: m.CallsDispatched.Load(),
		CallsCompleted:  m.CallsCompleted.Load(),
		CallsCancelled:  m.CallsCancelled.Load(),
		SnapshotsTaken:  m.SnapshotsTaken.Load(),
		SnapshotBytes:   m.SnapshotBytes.Load(),
		SnapshotErrors:  m.SnapshotErrors.Load(),
		UpdatesPushed:   m.UpdatesPushed.Load(),
		UpdatesApplied:  m.UpdatesApplied.Load(),
		UpdatesSkipped:  m.UpdatesSkipped.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.CallsPerSecond = float64(snap.CallsDispatched) / uptimeSeconds
	}

	if snap.CallsDispatched > 0 {
		snap.ErrorRate = float64(snap.CallsCancelled) / float64(snap.CallsDispatched) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.CallsDispatched.Store(0)
	m.CallsCompleted.Store(0)
	m.CallsCancelled.Store(0)
	m.SnapshotsTaken.Store(0)
	m.SnapshotBytes.Store(0)
	m.SnapshotErrors.Store(0)
	m.UpdatesPushed.Store(0)
	m.UpdatesApplied.Store(0)
	m.UpdatesSkipped.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for orbit dispatch events.
type Observer interface {
	ObserveCall(snapshotBytes uint64, latencyNs uint64, success bool)
	ObserveCancel()
	ObserveUpdate(applied bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCall(uint64, uint64, bool) {}
func (NoOpObserver) ObserveCancel()                   {}
func (NoOpObserver) ObserveUpdate(bool)                {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCall(snapshotBytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCall(snapshotBytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCancel() {
	o.metrics.RecordCancel()
}

func (o *MetricsObserver) ObserveUpdate(applied bool) {
	o.metrics.RecordUpdatePushed()
	if applied {
		o.metrics.RecordUpdateApplied()
	} else {
		o.metrics.RecordUpdateSkipped()
	}
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
