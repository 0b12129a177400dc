package fusion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// --- Fakes ---

type fakeSource struct {
	id      string
	results []domain.SearchResult
	err     error
	delay   time.Duration
	started *sync.WaitGroup
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Query(ctx context.Context, _ string, _ domain.UserContext) ([]domain.SearchResult, error) {
	if f.started != nil {
		f.started.Done()
		f.started.Wait()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	// hand out copies so weighting never leaks into the fixture
	out := make([]domain.SearchResult, len(f.results))
	copy(out, f.results)
	return out, nil
}

type fakeReranker struct {
	score func(docs []string) ([]float64, error)
	calls atomic.Int32
}

func (f *fakeReranker) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	f.calls.Add(1)
	return f.score(docs)
}

func fixedScores(scores map[string]float64) *fakeReranker {
	return &fakeReranker{score: func(docs []string) ([]float64, error) {
		out := make([]float64, len(docs))
		for i, d := range docs {
			out[i] = scores[d]
		}
		return out, nil
	}}
}

func ptr(v float64) *float64 { return &v }

func exampleSources() []SourceSpec {
	return []SourceSpec{
		{Source: &fakeSource{id: "s1", results: []domain.SearchResult{{Content: "a", Relevance: 0.9}}}, Weight: 0.4},
		{Source: &fakeSource{id: "s2"}, Weight: 0.3},
		{Source: &fakeSource{id: "s3", results: []domain.SearchResult{{Content: "b", Relevance: 0.4}}}, Weight: 0.1},
	}
}

var approx = cmp.Comparer(func(x, y float64) bool {
	d := x - y
	return d < 1e-9 && d > -1e-9
})

// --- Tests ---

func TestRetrieve_WeightAndRerank(t *testing.T) {
	rr := fixedScores(map[string]float64{"a": 0.2, "b": 0.9})
	e := New(exampleSources(), rr, DefaultConfig(), zap.NewNop())

	got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)

	want := []domain.SearchResult{
		{Content: "b", SourceID: "s3", Relevance: 0.04, RerankScore: ptr(0.9)},
		{Content: "a", SourceID: "s1", Relevance: 0.36, RerankScore: ptr(0.2)},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), rr.calls.Load())
}

func TestRetrieve_RerankerSeesConcatenationOrder(t *testing.T) {
	var seen []string
	rr := &fakeReranker{score: func(docs []string) ([]float64, error) {
		seen = append([]string(nil), docs...)
		return make([]float64, len(docs)), nil
	}}
	e := New(exampleSources(), rr, DefaultConfig(), zap.NewNop())

	got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)

	// equal scores keep the pre-sort order
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "b", got[1].Content)
}

func TestRetrieve_Deterministic(t *testing.T) {
	sources := []SourceSpec{
		{Source: &fakeSource{id: "web", results: []domain.SearchResult{
			{Content: "w1", Relevance: 0.5}, {Content: "w2", Relevance: 0.5},
		}}, Weight: 0.5},
		{Source: &fakeSource{id: "vector", results: []domain.SearchResult{
			{Content: "v1", Relevance: 0.9}, {Content: "v2", Relevance: 0.1},
		}}, Weight: 1},
	}
	rr := fixedScores(map[string]float64{"w1": 0.5, "w2": 0.5, "v1": 0.5, "v2": 0.7})
	e := New(sources, rr, DefaultConfig(), zap.NewNop())

	first, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}

	order := make([]string, len(first))
	for i, r := range first {
		order[i] = r.Content
	}
	assert.Equal(t, []string{"v2", "w1", "w2", "v1"}, order)
}

func TestRetrieve_PartialSourceFailure(t *testing.T) {
	sources := exampleSources()
	sources[1].Source = &fakeSource{id: "s2", err: domain.ErrSourceFailed}
	sources[2].Source = &fakeSource{id: "s3", err: errors.New("connection refused")}
	rr := fixedScores(map[string]float64{"a": 0.5})
	e := New(sources, rr, DefaultConfig(), zap.NewNop())

	got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
	require.NotNil(t, got[0].RerankScore)
	assert.InDelta(t, 0.5, *got[0].RerankScore, 1e-9)
}

func TestRetrieve_EmptySkipsReranker(t *testing.T) {
	rr := fixedScores(nil)
	sources := []SourceSpec{
		{Source: &fakeSource{id: "s1"}, Weight: 1},
		{Source: &fakeSource{id: "s2", err: errors.New("down")}, Weight: 1},
	}
	e := New(sources, rr, DefaultConfig(), zap.NewNop())

	got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, rr.calls.Load())
}

func TestRetrieve_RerankerFailureDegrades(t *testing.T) {
	tests := []struct {
		name string
		rr   Reranker
	}{
		{"error", &fakeReranker{score: func([]string) ([]float64, error) { return nil, domain.ErrRerankerFailed }}},
		{"misaligned", &fakeReranker{score: func([]string) ([]float64, error) { return []float64{1}, nil }}},
		{"not configured", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(exampleSources(), tt.rr, DefaultConfig(), zap.NewNop())

			got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
			require.NoError(t, err)

			want := []domain.SearchResult{
				{Content: "a", SourceID: "s1", Relevance: 0.36},
				{Content: "b", SourceID: "s3", Relevance: 0.04},
			}
			if diff := cmp.Diff(want, got, approx); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRetrieve_SourcesRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	sources := make([]SourceSpec, 3)
	for i, id := range []string{"a", "b", "c"} {
		sources[i] = SourceSpec{
			Source: &fakeSource{id: id, started: &started, results: []domain.SearchResult{{Content: id, Relevance: 1}}},
			Weight: 1,
		}
	}
	e := New(sources, nil, DefaultConfig(), zap.NewNop())

	done := make(chan []domain.SearchResult, 1)
	go func() {
		res, _ := e.Retrieve(context.Background(), "q", domain.UserContext{})
		done <- res
	}()

	select {
	case res := <-done:
		assert.Len(t, res, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("sources were not queried concurrently")
	}
}

func TestRetrieve_SourceTimeout(t *testing.T) {
	sources := exampleSources()
	sources[0].Source = &fakeSource{id: "s1", delay: time.Second,
		results: []domain.SearchResult{{Content: "late", Relevance: 1}}}
	sources[0].Timeout = 20 * time.Millisecond
	e := New(sources, nil, DefaultConfig(), zap.NewNop())

	start := time.Now()
	got, err := e.Retrieve(context.Background(), "q", domain.UserContext{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Content)
}

func TestRetrieve_CallerDeadline(t *testing.T) {
	sources := []SourceSpec{{Source: &fakeSource{id: "slow", delay: time.Second}, Weight: 1}}
	e := New(sources, nil, DefaultConfig(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := e.Retrieve(ctx, "q", domain.UserContext{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	e := New(exampleSources(), nil, DefaultConfig(), zap.NewNop())
	_, err := e.Retrieve(context.Background(), "  ", domain.UserContext{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestWeights_TechnicalPreference(t *testing.T) {
	sources := []SourceSpec{
		{Source: &fakeSource{id: "web"}, Weight: 0.05},
		{Source: &fakeSource{id: "enterprise"}, Weight: 0.95},
		{Source: &fakeSource{id: "vector"}, Weight: 0.6},
	}
	e := New(sources, nil, DefaultConfig(), zap.NewNop())

	base := e.Weights(domain.UserContext{})
	assert.Equal(t, map[string]float64{"web": 0.05, "enterprise": 0.95, "vector": 0.6}, base)

	tech := e.Weights(domain.UserContext{PrefersTechnical: true})
	assert.InDelta(t, 0, tech["web"], 1e-9, "clamped at 0")
	assert.InDelta(t, 1, tech["enterprise"], 1e-9, "clamped at 1")
	assert.InDelta(t, 0.6, tech["vector"], 1e-9)
}

func TestWeights_MissingSourcesIgnored(t *testing.T) {
	e := New([]SourceSpec{{Source: &fakeSource{id: "vector"}, Weight: 0.5}}, nil, DefaultConfig(), zap.NewNop())
	assert.Equal(t, map[string]float64{"vector": 0.5}, e.Weights(domain.UserContext{PrefersTechnical: true}))
}
