package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
	"github.com/kailas-cloud/modelmux/internal/metrics"
)

// Config holds the routing rules of the orchestrator.
type Config struct {
	DefaultRole         string
	FastRole            string
	CapableRole         string
	ComplexityThreshold float64
	// FallbackChain is walked in order on threshold breach and on error retry.
	// Entries that name no registered role are skipped.
	FallbackChain []string
	// GenerateTimeout bounds one backend call (warm-up included). Zero disables it.
	GenerateTimeout time.Duration
}

// DefaultConfig returns the built-in role layout.
func DefaultConfig() Config {
	return Config{
		DefaultRole:         "balanced",
		FastRole:            "fast",
		CapableRole:         "precise",
		ComplexityThreshold: 0.7,
		FallbackChain:       []string{"fast", "balanced", "tinyllama"},
	}
}

// Orchestrator maps requests onto backends and executes them.
type Orchestrator struct {
	registry *Registry
	balancer *LoadBalancer
	policy   *FallbackPolicy
	metrics  *MetricsStore
	cfg      Config
	logger   *zap.Logger
	newID    func() string
}

// New creates an orchestrator. All shared state is owned by the caller.
func New(
	registry *Registry, balancer *LoadBalancer, policy *FallbackPolicy,
	m *MetricsStore, cfg Config, logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		balancer: balancer,
		policy:   policy,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Generate routes and executes one request. A failed call is retried exactly
// once against the next distinct fallback backend; the second failure is returned.
func (o *Orchestrator) Generate(ctx context.Context, req domain.Request) (domain.Response, error) {
	req = Classify(req)
	if err := req.Validate(); err != nil {
		return domain.Response{}, err
	}

	role, err := o.selectRole(req)
	if err != nil {
		return domain.Response{}, err
	}

	h, err := o.balancer.Acquire(role)
	if err != nil {
		return domain.Response{}, fmt.Errorf("acquire %s: %w", role, err)
	}

	resp := domain.Response{RequestID: o.newID(), SessionID: req.SessionID, Role: role}
	tried := map[string]bool{h.ID(): true}

	if bypass, reason := o.policy.ShouldFallback(ctx, h.ID()); bypass {
		if alt := o.nextInChain(tried); alt != nil {
			o.logger.Info("Rerouting request",
				zap.String("from", h.ID()),
				zap.String("to", alt.ID()),
				zap.String("reason", string(reason)),
			)
			h = alt
			tried[h.ID()] = true
			resp.FellBack = true
		}
	}

	gen, err := o.execute(ctx, h, req)
	if err != nil {
		alt := o.nextInChain(tried)
		if alt == nil || ctx.Err() != nil {
			return domain.Response{}, err
		}
		o.logger.Warn("Backend call failed, retrying once",
			zap.String("backend", h.ID()),
			zap.String("retry_backend", alt.ID()),
			zap.Error(err),
		)
		metrics.RetriesTotal.WithLabelValues(h.ID(), alt.ID()).Inc()
		h = alt
		resp.Retried = true
		if gen, err = o.execute(ctx, h, req); err != nil {
			return domain.Response{}, err
		}
	}

	resp.Backend = h.ID()
	resp.Text = gen.Text
	resp.Latency = gen.Latency
	return resp, nil
}

// selectRole applies the fixed precedence: explicit preference, high urgency,
// complexity above threshold, default role.
func (o *Orchestrator) selectRole(req domain.Request) (string, error) {
	if req.ModelPreference != "" {
		if _, ok := o.registry.Get(req.ModelPreference); !ok {
			return "", fmt.Errorf("%w: %q", domain.ErrUnknownRole, req.ModelPreference)
		}
		return req.ModelPreference, nil
	}
	if req.Urgency == domain.UrgencyHigh {
		return o.cfg.FastRole, nil
	}
	if req.Complexity > o.cfg.ComplexityThreshold {
		return o.cfg.CapableRole, nil
	}
	return o.cfg.DefaultRole, nil
}

// nextInChain returns the first registered fallback backend not yet tried.
func (o *Orchestrator) nextInChain(tried map[string]bool) *Handle {
	for _, role := range o.cfg.FallbackChain {
		if tried[role] {
			continue
		}
		if h, ok := o.registry.Get(role); ok {
			return h
		}
	}
	return nil
}

// execute warms the handle up and runs one call. Latency and outcome are
// always recorded once the backend has been invoked.
func (o *Orchestrator) execute(ctx context.Context, h *Handle, req domain.Request) (domain.Generation, error) {
	if o.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerateTimeout)
		defer cancel()
	}

	release := h.Reserve()
	defer release()
	metrics.BackendInFlight.WithLabelValues(h.ID()).Inc()
	defer metrics.BackendInFlight.WithLabelValues(h.ID()).Dec()

	start := time.Now()
	if err := h.WarmUp(ctx); err != nil {
		o.record(h.ID(), time.Since(start), true)
		return domain.Generation{}, domain.NewBackendError(h.ID(), err)
	}

	start = time.Now()
	gen, err := h.Generate(ctx, req.Prompt, req.Options)

	if gen.Latency <= 0 {
		gen.Latency = time.Since(start)
	}
	errored := err != nil || gen.Errored
	o.record(h.ID(), gen.Latency, errored)

	if !errored {
		return gen, nil
	}
	if err == nil {
		msg := gen.ErrorMessage
		if msg == "" {
			msg = "backend reported an error"
		}
		err = errors.New(msg)
	}
	return domain.Generation{}, domain.NewBackendError(h.ID(), err)
}

func (o *Orchestrator) record(backendID string, latency time.Duration, errored bool) {
	o.metrics.Record(backendID, latency, errored)

	status := "success"
	if errored {
		status = "error"
	}
	metrics.BackendRequestsTotal.WithLabelValues(backendID, status).Inc()
	metrics.BackendRequestDuration.WithLabelValues(backendID).Observe(latency.Seconds())
}

// BackendStatus is a diagnostic snapshot of one backend.
type BackendStatus struct {
	ID             string
	State          State
	InFlight       int64
	AverageLatency time.Duration // InfiniteLatency when untested
	ErrorRate      float64
	Samples        int
	LastUsed       time.Time
	Fallbacks      map[Reason]int
	Thresholds     Thresholds
}

// Status reports every registered backend in registration order.
func (o *Orchestrator) Status() []BackendStatus {
	handles := o.registry.All()
	out := make([]BackendStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, BackendStatus{
			ID:             h.ID(),
			State:          h.State(),
			InFlight:       h.InFlight(),
			AverageLatency: o.metrics.AverageLatency(h.ID()),
			ErrorRate:      o.metrics.ErrorRate(h.ID()),
			Samples:        o.metrics.Len(h.ID()),
			LastUsed:       h.LastUsed(),
			Fallbacks:      o.policy.history.Counts(h.ID()),
			Thresholds:     o.policy.Thresholds(h.ID()),
		})
	}
	return out
}

// UnloadIdle unloads ready backends without in-flight calls whose last use is
// older than idleAfter. It returns the ids that were unloaded.
func (o *Orchestrator) UnloadIdle(ctx context.Context, idleAfter time.Duration) []string {
	var unloaded []string
	for _, h := range o.registry.All() {
		if h.State() != StateReady || time.Since(h.LastUsed()) < idleAfter {
			continue
		}
		ok, err := h.Unload(ctx)
		if err != nil {
			o.logger.Warn("Failed to unload idle backend", zap.String("backend", h.ID()), zap.Error(err))
			continue
		}
		if ok {
			metrics.BackendUnloadsTotal.WithLabelValues(h.ID()).Inc()
			o.logger.Info("Unloaded idle backend", zap.String("backend", h.ID()))
			unloaded = append(unloaded, h.ID())
		}
	}
	return unloaded
}

// AdjustAll recomputes thresholds for every registered backend.
func (o *Orchestrator) AdjustAll() {
	for _, h := range o.registry.All() {
		t := o.policy.AdjustThresholds(h.ID())
		o.logger.Debug("Thresholds adjusted",
			zap.String("backend", h.ID()),
			zap.Float64("error_rate", t.ErrorRate),
			zap.Duration("latency", t.Latency),
			zap.Float64("memory_percent", t.MemoryPercent),
		)
	}
}
