package embcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/db"
	"github.com/kailas-cloud/modelmux/internal/domain"
)

func TestEmbed_CacheMissFillsAllLayers(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{
		Embedding:   []float32{0.1, 0.2, 0.3},
		TotalTokens: 10,
	}}
	mem := NewMemoryCache(time.Hour, 0)
	kv := newMockKVStore()
	ce := New(inner, zap.NewNop(),
		Layer{Name: "memory", Cache: mem},
		Layer{Name: "remote", Cache: NewRemoteCache(kv, time.Hour, zap.NewNop())},
	)

	result, err := ce.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Cached || result.TotalTokens != 10 {
		t.Fatalf("expected provider result, got %+v", result)
	}
	if mem.Len() != 1 {
		t.Fatalf("memory layer not filled, len=%d", mem.Len())
	}
	key := remoteKeyPrefix + cacheKey("test text")
	if _, ok := kv.data[key]; !ok {
		t.Fatalf("remote layer not filled at %q", key)
	}
	if kv.ttls[key] != time.Hour {
		t.Fatalf("expected remote ttl 1h, got %v", kv.ttls[key])
	}
}

func TestEmbed_CacheHit(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.1}}}
	ce := New(inner, zap.NewNop(), Layer{Name: "memory", Cache: NewMemoryCache(time.Hour, 0)})
	ctx := context.Background()

	if _, err := ce.Embed(ctx, "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := ce.Embed(ctx, "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cached || result.TotalTokens != 0 {
		t.Fatalf("expected cached result, got %+v", result)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("expected 1 provider call, got %d", n)
	}
}

func TestEmbed_RemoteHitBackfillsMemory(t *testing.T) {
	inner := &mockEmbedder{err: errors.New("must not be called")}
	kv := newMockKVStore()
	kv.data[remoteKeyPrefix+cacheKey("q")] = db.VectorToBytes([]float32{0.4, 0.5})
	mem := NewMemoryCache(time.Hour, 0)

	ce := New(inner, zap.NewNop(),
		Layer{Name: "memory", Cache: mem},
		Layer{Name: "remote", Cache: NewRemoteCache(kv, time.Hour, zap.NewNop())},
	)

	result, err := ce.Embed(context.Background(), "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embedding) != 2 || result.Embedding[0] != 0.4 {
		t.Fatalf("expected remote vector, got %v", result.Embedding)
	}
	if _, ok := mem.Get(context.Background(), cacheKey("q")); !ok {
		t.Fatal("memory layer should be backfilled from remote hit")
	}
}

func TestEmbed_InnerError(t *testing.T) {
	inner := &mockEmbedder{err: domain.ErrEmbeddingProviderError}
	mem := NewMemoryCache(time.Hour, 0)
	ce := New(inner, zap.NewNop(), Layer{Name: "memory", Cache: mem})

	_, err := ce.Embed(context.Background(), "q")
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if mem.Len() != 0 {
		t.Fatal("errors must not be cached")
	}
}

func TestEmbed_RemoteErrorsDegradeToMiss(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{1}}}
	kv := newMockKVStore()
	kv.getFn = func(_ context.Context, _ string) ([]byte, error) { return nil, errors.New("connection refused") }
	kv.setFn = func(_ context.Context, _ string, _ []byte, _ time.Duration) error {
		return errors.New("connection refused")
	}
	ce := New(inner, zap.NewNop(), Layer{Name: "remote", Cache: NewRemoteCache(kv, time.Hour, zap.NewNop())})

	result, err := ce.Embed(context.Background(), "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embedding) != 1 {
		t.Fatalf("expected provider vector, got %v", result.Embedding)
	}
}

func TestEmbed_CorruptRemoteEntryIsMiss(t *testing.T) {
	inner := &mockEmbedder{result: domain.EmbeddingResult{Embedding: []float32{1}}}
	kv := newMockKVStore()
	kv.data[remoteKeyPrefix+cacheKey("q")] = []byte{1, 2, 3}
	ce := New(inner, zap.NewNop(), Layer{Name: "remote", Cache: NewRemoteCache(kv, time.Hour, zap.NewNop())})

	if _, err := ce.Embed(context.Background(), "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("expected fallthrough to provider, got %d calls", n)
	}
}

func TestEmbed_ConcurrentMissesCollapse(t *testing.T) {
	inner := &mockEmbedder{
		result: domain.EmbeddingResult{Embedding: []float32{1}},
		delay:  50 * time.Millisecond,
	}
	ce := New(inner, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ce.Embed(context.Background(), "same"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := inner.calls.Load(); n >= 10 {
		t.Fatalf("expected collapsed provider calls, got %d", n)
	}
}

func TestEmbed_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	inner := &mockEmbedder{
		result: domain.EmbeddingResult{Embedding: []float32{1}},
		delay:  100 * time.Millisecond,
	}
	ce := New(inner, zap.NewNop())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := ce.Embed(leaderCtx, "same")
		leaderErr <- err
	}()

	deadline := time.Now().Add(time.Second)
	for inner.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("provider call never started")
		}
		time.Sleep(time.Millisecond)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := ce.Embed(context.Background(), "same")
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected leader to see its cancellation, got %v", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("waiter failed with leader's cancellation: %v", err)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("expected one shared provider call, got %d", n)
	}
}
