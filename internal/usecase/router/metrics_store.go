package router

import (
	"math"
	"time"
)

// InfiniteLatency is reported for backends with an empty sample window, so an
// untested backend always loses latency comparisons against a tested one.
const InfiniteLatency = time.Duration(math.MaxInt64)

// DefaultWindowSize is the per-backend sample capacity when none is configured.
const DefaultWindowSize = 100

// MetricSample is one recorded backend call.
type MetricSample struct {
	BackendID string
	At        time.Time
	Latency   time.Duration
	Errored   bool
}

// MetricsStore keeps a rolling window of latency/error samples per backend.
// Aggregates are computed on read.
type MetricsStore struct {
	rings *ringSet[MetricSample]
	now   func() time.Time
}

// NewMetricsStore creates a store holding at most window samples per backend.
func NewMetricsStore(window int) *MetricsStore {
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &MetricsStore{rings: newRingSet[MetricSample](window), now: time.Now}
}

// Record appends a sample, evicting the oldest one once the window is full.
func (m *MetricsStore) Record(backendID string, latency time.Duration, errored bool) {
	m.rings.getOrCreate(backendID).push(MetricSample{
		BackendID: backendID,
		At:        m.now(),
		Latency:   latency,
		Errored:   errored,
	})
}

// AverageLatency returns the mean latency of the current window,
// or InfiniteLatency when the window is empty.
func (m *MetricsStore) AverageLatency(backendID string) time.Duration {
	r, ok := m.rings.get(backendID)
	if !ok {
		return InfiniteLatency
	}
	var sum time.Duration
	n := r.fold(func(s MetricSample) { sum += s.Latency })
	if n == 0 {
		return InfiniteLatency
	}
	return sum / time.Duration(n)
}

// ErrorRate returns errors/total over the current window, 0 when empty.
func (m *MetricsStore) ErrorRate(backendID string) float64 {
	r, ok := m.rings.get(backendID)
	if !ok {
		return 0
	}
	var errs int
	n := r.fold(func(s MetricSample) {
		if s.Errored {
			errs++
		}
	})
	if n == 0 {
		return 0
	}
	return float64(errs) / float64(n)
}

// Samples returns the window contents oldest first.
func (m *MetricsStore) Samples(backendID string) []MetricSample {
	r, ok := m.rings.get(backendID)
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Len returns the number of samples currently held for a backend.
func (m *MetricsStore) Len(backendID string) int {
	r, ok := m.rings.get(backendID)
	if !ok {
		return 0
	}
	return r.len()
}
