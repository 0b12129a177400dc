package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

func TestGenerate_RoleSelection(t *testing.T) {
	tests := []struct {
		name string
		req  domain.Request
		want string
	}{
		{"default", domain.Request{Prompt: "hi"}, "balanced"},
		{"high urgency", domain.Request{Prompt: "hi", Urgency: domain.UrgencyHigh}, "fast"},
		{"complex", domain.Request{Prompt: "hi", Complexity: 0.9}, "precise"},
		{"at threshold stays default", domain.Request{Prompt: "hi", Complexity: 0.7}, "balanced"},
		{"urgency beats complexity", domain.Request{Prompt: "hi", Urgency: domain.UrgencyHigh, Complexity: 0.9}, "fast"},
		{"preference beats all", domain.Request{
			Prompt: "hi", Urgency: domain.UrgencyHigh, Complexity: 0.9, ModelPreference: "tinyllama",
		}, "tinyllama"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp, err := f.orch.Generate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Role)
			assert.Equal(t, tt.want, resp.Backend)
			assert.False(t, resp.FellBack)
			assert.False(t, resp.Retried)
			assert.Equal(t, "echo: hi", resp.Text)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestGenerate_UnknownPreferenceRejectedBeforeIO(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi", ModelPreference: "gigantic"})
	require.ErrorIs(t, err, domain.ErrUnknownRole)

	for role, b := range f.backends {
		warm, gen := b.calls()
		assert.Zero(t, warm, role)
		assert.Zero(t, gen, role)
	}
	assert.Zero(t, f.totalErrorSamples())
}

func TestGenerate_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Generate(context.Background(), domain.Request{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.orch.Generate(context.Background(), domain.Request{Prompt: "hi", Complexity: 1.5})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestGenerate_RecordsSuccessSample(t *testing.T) {
	f := newFixture(t)
	f.backends["balanced"].gen = domain.Generation{Text: "ok", Latency: 250 * time.Millisecond}

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 250*time.Millisecond, resp.Latency)

	samples := f.metrics.Samples("balanced")
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Errored)
	assert.Equal(t, 250*time.Millisecond, samples[0].Latency)
	assert.Equal(t, StateReady, f.handle(t, "balanced").State())
}

func TestGenerate_FallbackOnErrorRate(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.metrics.Record("balanced", 10*time.Millisecond, i < 4)
	}

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "balanced", resp.Role)
	assert.Equal(t, "fast", resp.Backend)
	assert.True(t, resp.FellBack)
	_, gen := f.backends["balanced"].calls()
	assert.Zero(t, gen, "bypassed backend must not be called")
	assert.Equal(t, map[Reason]int{ReasonErrorRate: 1}, f.history.Counts("balanced"))
}

func TestGenerate_FallbackSkipsSelectedRole(t *testing.T) {
	f := newFixture(t)
	// fast is the selected role and also heads the chain
	for i := 0; i < 10; i++ {
		f.metrics.Record("fast", time.Millisecond, true)
	}

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi", Urgency: domain.UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, "balanced", resp.Backend)
	assert.True(t, resp.FellBack)
}

func TestGenerate_ChainExhaustedKeepsSelection(t *testing.T) {
	f := newFixture(t, "balanced")
	for i := 0; i < 10; i++ {
		f.metrics.Record("balanced", time.Millisecond, true)
	}

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "balanced", resp.Backend)
	assert.False(t, resp.FellBack)
}

func TestGenerate_RetryOnceThenSucceed(t *testing.T) {
	f := newFixture(t)
	f.backends["balanced"].genErr = errors.New("model crashed")

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.Retried)
	assert.Equal(t, "fast", resp.Backend)
	assert.Equal(t, 1, f.totalErrorSamples())
}

func TestGenerate_RetryBound(t *testing.T) {
	f := newFixture(t)
	for _, b := range f.backends {
		b.genErr = errors.New("model crashed")
	}

	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrBackendFailed)

	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "fast", be.Backend, "the second failure is surfaced")

	assert.Equal(t, 2, f.totalErrorSamples())
	_, gen := f.backends["tinyllama"].calls()
	assert.Zero(t, gen, "no third attempt")
}

func TestGenerate_ErroredGenerationCountsAsFailure(t *testing.T) {
	f := newFixture(t, "balanced")
	f.backends["balanced"].gen = domain.Generation{Errored: true, ErrorMessage: "out of memory"}

	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.ErrorIs(t, err, domain.ErrBackendFailed)
	assert.True(t, strings.Contains(err.Error(), "out of memory"))
	assert.Equal(t, 1, f.totalErrorSamples())
}

func TestGenerate_WarmUpFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.backends["balanced"].warmErr = errors.New("weights missing")

	resp, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Backend)
	assert.True(t, resp.Retried)
	assert.Equal(t, StateUnloaded, f.handle(t, "balanced").State())
	assert.Equal(t, 1, f.totalErrorSamples())
}

func TestGenerate_NoRetryAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.backends["balanced"].warmDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.orch.Generate(ctx, domain.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	warm, _ := f.backends["fast"].calls()
	assert.Zero(t, warm)
}

func TestGenerate_Timeout(t *testing.T) {
	f := newFixture(t, "balanced")
	f.backends["balanced"].warmDelay = time.Second
	cfg := DefaultConfig()
	cfg.GenerateTimeout = 20 * time.Millisecond
	orch := New(f.registry, f.balancer, f.policy, f.metrics, cfg, zap.NewNop())

	_, err := orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, domain.ErrWarmUpFailed)
}

func TestWarmUp_Idempotent(t *testing.T) {
	b := &fakeBackend{warmDelay: 30 * time.Millisecond}
	h := NewHandle("fast", b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.WarmUp(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, h.WarmUp(context.Background()))

	warm, _ := b.calls()
	assert.Equal(t, 1, warm)
	assert.Equal(t, StateReady, h.State())
}

func TestUnloadIdle(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)

	assert.Empty(t, f.orch.UnloadIdle(context.Background(), time.Hour))
	assert.Equal(t, []string{"balanced"}, f.orch.UnloadIdle(context.Background(), 0))
	assert.Equal(t, StateUnloaded, f.handle(t, "balanced").State())
	assert.Equal(t, 1, f.backends["balanced"].unloadCalls)

	// the handle stays registered and warms up again on demand
	_, err = f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)
	warm, _ := f.backends["balanced"].calls()
	assert.Equal(t, 2, warm)
}

func TestUnload_SkipsBusyHandle(t *testing.T) {
	h := NewHandle("fast", &fakeBackend{})
	require.NoError(t, h.WarmUp(context.Background()))
	h.inFlight.Store(1)

	ok, err := h.Unload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateReady, h.State())
}

func TestUnload_SkipsReservedHandleAfterWarmUp(t *testing.T) {
	h := NewHandle("fast", &fakeBackend{})
	release := h.Reserve()
	require.NoError(t, h.WarmUp(context.Background()))

	ok, err := h.Unload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateReady, h.State())

	release()
	release()
	assert.Zero(t, h.InFlight())
	ok, err = h.Unload(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerate_InFlightCoversWarmUp(t *testing.T) {
	f := newFixture(t)
	f.backends["balanced"].warmDelay = 100 * time.Millisecond
	h := f.handle(t, "balanced")

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
		done <- err
	}()

	assert.Eventually(t, func() bool { return h.InFlight() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.orch.UnloadIdle(context.Background(), 0))

	require.NoError(t, <-done)
	assert.Zero(t, h.InFlight())
	assert.Zero(t, f.backends["balanced"].unloadCalls)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)

	st := f.orch.Status()
	require.Len(t, st, 4)
	assert.Equal(t, "fast", st[0].ID)
	assert.Equal(t, InfiniteLatency, st[0].AverageLatency)
	assert.Equal(t, StateUnloaded, st[0].State)

	assert.Equal(t, "balanced", st[1].ID)
	assert.Equal(t, StateReady, st[1].State)
	assert.Equal(t, 1, st[1].Samples)
	assert.False(t, st[1].LastUsed.IsZero())
	assert.Equal(t, DefaultThresholds(), st[1].Thresholds)
}

func TestJanitor_UnloadsIdle(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), domain.Request{Prompt: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewJanitor(f.orch, 10*time.Millisecond, 0, zap.NewNop()).Run(ctx)
		close(done)
	}()

	h := f.handle(t, "balanced")
	assert.Eventually(t, func() bool { return h.State() == StateUnloaded }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestJanitor_DisabledReturns(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		NewJanitor(f.orch, 0, 0, zap.NewNop()).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled janitor should return immediately")
	}
}

func TestEstimateComplexity(t *testing.T) {
	assert.Less(t, EstimateComplexity("hi"), 0.01)
	assert.InDelta(t, 0.3, EstimateComplexity("Analyze this and explain step by step"), 0.05)
	assert.LessOrEqual(t, EstimateComplexity(strings.Repeat("design analyze prove compare derive ", 200)), 1.0)

	req := Classify(domain.Request{Prompt: "hi", Complexity: 0.42})
	assert.InDelta(t, 0.42, req.Complexity, 1e-9)
	assert.Equal(t, domain.UrgencyNormal, req.Urgency)
}
