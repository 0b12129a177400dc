package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// --- Fakes ---

type fakeBackend struct {
	mu          sync.Mutex
	warmErr     error
	warmDelay   time.Duration
	warmCalls   int
	gen         domain.Generation
	genErr      error
	genCalls    int
	unloadCalls int
}

func (f *fakeBackend) WarmUp(ctx context.Context) error {
	f.mu.Lock()
	f.warmCalls++
	delay, err := f.warmDelay, f.warmErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) Generate(_ context.Context, prompt string, _ domain.GenerateOptions) (domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genCalls++
	if f.genErr != nil {
		return domain.Generation{}, f.genErr
	}
	g := f.gen
	if g.Text == "" && !g.Errored {
		g.Text = "echo: " + prompt
	}
	if g.Latency == 0 {
		g.Latency = 10 * time.Millisecond
	}
	return g, nil
}

func (f *fakeBackend) Unload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloadCalls++
	return nil
}

func (f *fakeBackend) calls() (warm, gen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warmCalls, f.genCalls
}

type fakeMemory struct {
	used float64
	err  error
}

func (f fakeMemory) UsedPercent(_ context.Context) (float64, error) { return f.used, f.err }

// --- Fixture ---

type fixture struct {
	backends map[string]*fakeBackend
	registry *Registry
	metrics  *MetricsStore
	history  *FallbackHistory
	policy   *FallbackPolicy
	balancer *LoadBalancer
	orch     *Orchestrator
}

// newFixture wires a fresh orchestrator over fake backends for the given roles.
func newFixture(t *testing.T, roles ...string) *fixture {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{"fast", "balanced", "precise", "tinyllama"}
	}

	f := &fixture{backends: make(map[string]*fakeBackend, len(roles))}
	handles := make([]*Handle, 0, len(roles))
	for _, r := range roles {
		b := &fakeBackend{}
		f.backends[r] = b
		handles = append(handles, NewHandle(r, b))
	}

	f.registry = NewRegistry(handles...)
	f.metrics = NewMetricsStore(10)
	f.history = NewFallbackHistory(50)
	f.policy = NewFallbackPolicy(f.metrics, f.history, nil, DefaultThresholds(), zap.NewNop())
	f.balancer = NewLoadBalancer(f.registry, f.metrics, 2)
	f.orch = New(f.registry, f.balancer, f.policy, f.metrics, DefaultConfig(), zap.NewNop())
	return f
}

func (f *fixture) handle(t *testing.T, role string) *Handle {
	t.Helper()
	h, ok := f.registry.Get(role)
	if !ok {
		t.Fatalf("role %q not registered", role)
	}
	return h
}

func (f *fixture) totalErrorSamples() int {
	var n int
	for _, role := range f.registry.Roles() {
		for _, s := range f.metrics.Samples(role) {
			if s.Errored {
				n++
			}
		}
	}
	return n
}
