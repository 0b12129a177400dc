package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/metrics"
)

// Reason names the threshold a backend breached.
type Reason string

const (
	// ReasonNone means no threshold was breached.
	ReasonNone Reason = ""
	// ReasonErrorRate means the windowed error rate is above threshold.
	ReasonErrorRate Reason = "error_rate"
	// ReasonLatency means the windowed mean latency is above threshold.
	ReasonLatency Reason = "latency"
	// ReasonMemory means host memory pressure is above threshold.
	ReasonMemory Reason = "memory"
)

const (
	// DefaultHistoryCapacity bounds fallback records kept per backend.
	DefaultHistoryCapacity = 500
	// adjustWindow is how many recent records of one reason feed AdjustThresholds.
	adjustWindow = 100
	// adjustFactor is the headroom applied to the mean offending value.
	adjustFactor = 1.2
)

// FallbackRecord is one threshold violation.
// Value is the offending reading: a rate for error_rate, milliseconds for
// latency, a used percentage for memory.
type FallbackRecord struct {
	BackendID string
	Reason    Reason
	Value     float64
	At        time.Time
}

// Thresholds are the limits above which a backend is bypassed.
type Thresholds struct {
	ErrorRate     float64
	Latency       time.Duration
	MemoryPercent float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{ErrorRate: 0.3, Latency: 5 * time.Second, MemoryPercent: 90}
}

// FallbackHistory keeps a bounded ring of violations per backend.
type FallbackHistory struct {
	rings *ringSet[FallbackRecord]
}

// NewFallbackHistory creates a history holding at most capacity records per backend.
func NewFallbackHistory(capacity int) *FallbackHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &FallbackHistory{rings: newRingSet[FallbackRecord](capacity)}
}

// Append records a violation.
func (h *FallbackHistory) Append(rec FallbackRecord) {
	h.rings.getOrCreate(rec.BackendID).push(rec)
}

// Records returns a backend's violations oldest first.
func (h *FallbackHistory) Records(backendID string) []FallbackRecord {
	r, ok := h.rings.get(backendID)
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Counts returns the number of held records per reason for a backend.
func (h *FallbackHistory) Counts(backendID string) map[Reason]int {
	out := make(map[Reason]int)
	r, ok := h.rings.get(backendID)
	if !ok {
		return out
	}
	r.fold(func(rec FallbackRecord) { out[rec.Reason]++ })
	return out
}

// FallbackPolicy decides whether a backend must be bypassed.
type FallbackPolicy struct {
	metrics  *MetricsStore
	history  *FallbackHistory
	memory   MemoryProbe
	defaults Thresholds
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.RWMutex
	thresholds map[string]Thresholds
}

// NewFallbackPolicy creates a policy. memory may be nil, disabling the memory check.
func NewFallbackPolicy(
	m *MetricsStore, history *FallbackHistory, memory MemoryProbe,
	defaults Thresholds, logger *zap.Logger,
) *FallbackPolicy {
	return &FallbackPolicy{
		metrics:    m,
		history:    history,
		memory:     memory,
		defaults:   defaults,
		logger:     logger,
		now:        time.Now,
		thresholds: make(map[string]Thresholds),
	}
}

// Thresholds returns the thresholds currently applied to a backend.
func (p *FallbackPolicy) Thresholds(backendID string) Thresholds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.thresholds[backendID]; ok {
		return t
	}
	return p.defaults
}

// ShouldFallback checks error rate, latency, then memory pressure, stopping at
// the first breach. The breach is appended to the backend's history.
func (p *FallbackPolicy) ShouldFallback(ctx context.Context, backendID string) (bool, Reason) {
	t := p.Thresholds(backendID)

	if rate := p.metrics.ErrorRate(backendID); rate > t.ErrorRate {
		p.violate(backendID, ReasonErrorRate, rate)
		return true, ReasonErrorRate
	}

	if avg := p.metrics.AverageLatency(backendID); avg != InfiniteLatency && avg > t.Latency {
		p.violate(backendID, ReasonLatency, float64(avg)/float64(time.Millisecond))
		return true, ReasonLatency
	}

	if p.memory != nil {
		used, err := p.memory.UsedPercent(ctx)
		if err != nil {
			p.logger.Warn("Memory probe failed", zap.String("backend", backendID), zap.Error(err))
		} else if used > t.MemoryPercent {
			p.violate(backendID, ReasonMemory, used)
			return true, ReasonMemory
		}
	}

	return false, ReasonNone
}

func (p *FallbackPolicy) violate(backendID string, reason Reason, value float64) {
	p.history.Append(FallbackRecord{
		BackendID: backendID,
		Reason:    reason,
		Value:     value,
		At:        p.now(),
	})
	metrics.FallbackTotal.WithLabelValues(backendID, string(reason)).Inc()
	p.logger.Info("Backend threshold breached",
		zap.String("backend", backendID),
		zap.String("reason", string(reason)),
		zap.Float64("value", value),
	)
}

// AdjustThresholds sets each threshold of a backend to the mean of its last
// 100 violations of that reason times 1.2. Reasons without records keep their
// current threshold.
func (p *FallbackPolicy) AdjustThresholds(backendID string) Thresholds {
	records := p.history.Records(backendID)

	sums := make(map[Reason]float64, 3)
	counts := make(map[Reason]int, 3)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if counts[rec.Reason] >= adjustWindow {
			continue
		}
		sums[rec.Reason] += rec.Value
		counts[rec.Reason]++
	}

	mean := func(r Reason) (float64, bool) {
		if counts[r] < 1 {
			return 0, false
		}
		return sums[r] / float64(counts[r]) * adjustFactor, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.thresholds[backendID]
	if !ok {
		t = p.defaults
	}
	if v, ok := mean(ReasonErrorRate); ok {
		t.ErrorRate = v
	}
	if v, ok := mean(ReasonLatency); ok {
		t.Latency = time.Duration(v * float64(time.Millisecond))
	}
	if v, ok := mean(ReasonMemory); ok {
		t.MemoryPercent = v
	}
	p.thresholds[backendID] = t
	return t
}
