package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// State is the lifecycle state of a backend handle.
type State int32

const (
	// StateUnloaded means the model is not resident.
	StateUnloaded State = iota
	// StateWarming means a warm-up call is in progress.
	StateWarming
	// StateReady means the model answers requests.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle is the registry's stateful reference to one backend.
// A handle's id is the role it serves.
type Handle struct {
	role    string
	backend Backend

	// mu serializes state transitions; state itself is read lock-free.
	mu       sync.Mutex
	state    atomic.Int32
	warmDone chan struct{}

	inFlight atomic.Int64
	lastUsed atomic.Int64 // unix nanos, 0 = never
}

// NewHandle wraps a backend for the given role. Handles start unloaded.
func NewHandle(role string, backend Backend) *Handle {
	return &Handle{role: role, backend: backend}
}

// ID returns the backend identifier used for metrics and fallback history.
func (h *Handle) ID() string { return h.role }

// Role returns the logical role.
func (h *Handle) Role() string { return h.role }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// InFlight returns the number of generate calls currently executing.
func (h *Handle) InFlight() int64 { return h.inFlight.Load() }

// LastUsed returns the time of the last generate call, zero if never used.
func (h *Handle) LastUsed() time.Time {
	ns := h.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WarmUp brings the backend to ready. Already-ready handles return immediately;
// concurrent callers wait for the warm-up in progress instead of starting another.
func (h *Handle) WarmUp(ctx context.Context) error {
	h.mu.Lock()
	switch h.State() {
	case StateReady:
		h.mu.Unlock()
		return nil
	case StateWarming:
		done := h.warmDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", domain.ErrWarmUpFailed, h.role, ctx.Err())
		}
		if h.State() != StateReady {
			return fmt.Errorf("%w: %s", domain.ErrWarmUpFailed, h.role)
		}
		return nil
	}

	h.setState(StateWarming)
	done := make(chan struct{})
	h.warmDone = done
	h.mu.Unlock()

	err := h.backend.WarmUp(ctx)

	h.mu.Lock()
	if err != nil {
		h.setState(StateUnloaded)
	} else {
		h.setState(StateReady)
	}
	close(done)
	h.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrWarmUpFailed, h.role, err)
	}
	return nil
}

// Reserve counts one call against the handle until release is called.
// A reserved handle is never unloaded, so callers reserve before WarmUp.
func (h *Handle) Reserve() (release func()) {
	h.inFlight.Add(1)
	h.lastUsed.Store(time.Now().UnixNano())
	var once sync.Once
	return func() { once.Do(func() { h.inFlight.Add(-1) }) }
}

// Generate runs one inference call and stamps the last use.
// The caller holds a reservation from Reserve.
func (h *Handle) Generate(
	ctx context.Context, prompt string, opts domain.GenerateOptions,
) (domain.Generation, error) {
	h.lastUsed.Store(time.Now().UnixNano())

	gen, err := h.backend.Generate(ctx, prompt, opts)
	if err != nil {
		return gen, fmt.Errorf("generate: %w", err)
	}
	return gen, nil
}

// Unload releases the model when it is ready and idle. It reports whether
// the handle was unloaded.
func (h *Handle) Unload(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != StateReady || h.inFlight.Load() > 0 {
		return false, nil
	}
	if err := h.backend.Unload(ctx); err != nil {
		return false, fmt.Errorf("unload %s: %w", h.role, err)
	}
	h.setState(StateUnloaded)
	return true, nil
}

// Registry owns every handle for the lifetime of the process.
// It is built once and never mutated; idle handles are unloaded, not removed.
type Registry struct {
	handles map[string]*Handle
	order   []*Handle
}

// NewRegistry builds a registry. The first handle registered for a role wins.
func NewRegistry(handles ...*Handle) *Registry {
	r := &Registry{handles: make(map[string]*Handle, len(handles))}
	for _, h := range handles {
		if _, dup := r.handles[h.ID()]; dup {
			continue
		}
		r.handles[h.ID()] = h
		r.order = append(r.order, h)
	}
	return r
}

// Get returns the canonical handle for a role.
func (r *Registry) Get(role string) (*Handle, bool) {
	h, ok := r.handles[role]
	return h, ok
}

// All returns handles in registration order.
func (r *Registry) All() []*Handle {
	out := make([]*Handle, len(r.order))
	copy(out, r.order)
	return out
}

// Roles returns configured role names in registration order.
func (r *Registry) Roles() []string {
	out := make([]string, len(r.order))
	for i, h := range r.order {
		out[i] = h.ID()
	}
	return out
}
