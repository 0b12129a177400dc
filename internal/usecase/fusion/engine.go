// Package fusion fans a query out to knowledge sources and merges the hits
// into one reranked list.
package fusion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/modelmux/internal/domain"
	"github.com/kailas-cloud/modelmux/internal/metrics"
)

// SourceSpec registers a source with its base weight.
type SourceSpec struct {
	Source Source
	Weight float64
	// Timeout bounds the source call. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// Config holds the per-call weight adjustment.
type Config struct {
	// TechnicalDelta moves weight from TechnicalFrom to TechnicalTo for
	// callers that prefer technical content.
	TechnicalDelta float64
	TechnicalFrom  string
	TechnicalTo    string
}

// DefaultConfig returns the built-in weight adjustment.
func DefaultConfig() Config {
	return Config{TechnicalDelta: 0.1, TechnicalFrom: "web", TechnicalTo: "enterprise"}
}

// Engine is the retrieval fusion engine. It holds no per-call state.
type Engine struct {
	sources  []SourceSpec
	reranker Reranker
	cfg      Config
	logger   *zap.Logger
}

// New creates an engine. Sources are weighted and concatenated in the given
// order. reranker may be nil, in which case results keep the weighted order.
func New(sources []SourceSpec, reranker Reranker, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{sources: sources, reranker: reranker, cfg: cfg, logger: logger}
}

// Weights returns the source weights applied for one caller.
// Adjusted weights are clamped to [0, 1] and not renormalized.
func (e *Engine) Weights(uc domain.UserContext) map[string]float64 {
	w := make(map[string]float64, len(e.sources))
	for _, s := range e.sources {
		w[s.Source.ID()] = s.Weight
	}

	if uc.PrefersTechnical && e.cfg.TechnicalDelta != 0 {
		if v, ok := w[e.cfg.TechnicalFrom]; ok {
			w[e.cfg.TechnicalFrom] = clamp01(v - e.cfg.TechnicalDelta)
		}
		if v, ok := w[e.cfg.TechnicalTo]; ok {
			w[e.cfg.TechnicalTo] = clamp01(v + e.cfg.TechnicalDelta)
		}
	}
	return w
}

// Retrieve queries every source concurrently, waits for all of them, weights
// and concatenates their hits and reranks the list once.
//
// A failing source contributes nothing. A failing reranker leaves the list in
// weighted relevance order. The only error is an invalid query.
func (e *Engine) Retrieve(ctx context.Context, query string, uc domain.UserContext) ([]domain.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidRequest)
	}

	perSource := e.fanOut(ctx, query, uc)

	weights := e.Weights(uc)
	var candidates []domain.SearchResult
	for i, spec := range e.sources {
		id := spec.Source.ID()
		w := weights[id]
		for _, r := range perSource[i] {
			r.Relevance *= w
			if r.SourceID == "" {
				r.SourceID = id
			}
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		metrics.RerankTotal.WithLabelValues("skipped").Inc()
		return []domain.SearchResult{}, nil
	}

	e.rerank(ctx, query, candidates)
	return candidates, nil
}

// fanOut returns each source's hits at the source's registration index.
func (e *Engine) fanOut(ctx context.Context, query string, uc domain.UserContext) [][]domain.SearchResult {
	out := make([][]domain.SearchResult, len(e.sources))

	// no goroutine returns an error, so the group context is never cancelled early
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range e.sources {
		g.Go(func() error {
			id := spec.Source.ID()
			sctx := gctx
			if spec.Timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, spec.Timeout)
				defer cancel()
			}

			start := time.Now()
			res, err := spec.Source.Query(sctx, query, uc)
			metrics.SourceDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.SourceErrorsTotal.WithLabelValues(id).Inc()
				e.logger.Warn("Source failed, skipping",
					zap.String("source", id),
					zap.Duration("latency", time.Since(start)),
					zap.Error(err),
				)
				return nil
			}

			metrics.SourceResultsTotal.WithLabelValues(id).Add(float64(len(res)))
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// rerank scores candidates in place and sorts them descending by score.
// Equal scores keep their relative order.
func (e *Engine) rerank(ctx context.Context, query string, candidates []domain.SearchResult) {
	byScore := func(i, j int) bool { return candidates[i].Score() > candidates[j].Score() }

	if e.reranker == nil {
		metrics.RerankTotal.WithLabelValues("skipped").Inc()
		sort.SliceStable(candidates, byScore)
		return
	}

	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Content
	}

	scores, err := e.reranker.Score(ctx, query, docs)
	if err == nil && len(scores) != len(candidates) {
		err = fmt.Errorf("got %d scores for %d documents: %w", len(scores), len(candidates), domain.ErrRerankerFailed)
	}
	if err != nil {
		metrics.RerankTotal.WithLabelValues("error").Inc()
		e.logger.Warn("Reranker failed, returning weighted order",
			zap.Int("candidates", len(candidates)),
			zap.Error(err),
		)
		sort.SliceStable(candidates, byScore)
		return
	}

	metrics.RerankTotal.WithLabelValues("success").Inc()
	for i := range candidates {
		s := scores[i]
		candidates[i].RerankScore = &s
	}
	sort.SliceStable(candidates, byScore)
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
