// Package vector is a knowledge source backed by a Redis/Valkey vector index.
package vector

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/modelmux/internal/db"
	"github.com/kailas-cloud/modelmux/internal/domain"
)

const (
	defaultTopK         = 5
	defaultContentField = "content"
	userTag             = "user_id"
)

// searcher is the consumer interface for KNN search (ISP).
type searcher interface {
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
}

// Config describes one vector index.
type Config struct {
	ID           string
	Index        string
	VectorField  string
	ContentField string
	TopK         int
	// UserScoped restricts hits to documents tagged with the caller's user id.
	UserScoped bool
}

// Source embeds the query and runs KNN on one index.
type Source struct {
	cfg      Config
	embedder domain.Embedder
	store    searcher
}

// New creates a vector source.
func New(cfg Config, embedder domain.Embedder, store searcher) *Source {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.ContentField == "" {
		cfg.ContentField = defaultContentField
	}
	if cfg.VectorField == "" {
		cfg.VectorField = db.DefaultVectorField
	}
	return &Source{cfg: cfg, embedder: embedder, store: store}
}

// ID returns the source identifier.
func (s *Source) ID() string { return s.cfg.ID }

// Query returns the nearest passages. A user-scoped source returns nothing
// for anonymous callers.
func (s *Source) Query(ctx context.Context, text string, uc domain.UserContext) ([]domain.SearchResult, error) {
	if s.cfg.UserScoped && uc.UserID == "" {
		return nil, nil
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%s: embed query: %w: %w", s.cfg.ID, err, domain.ErrSourceFailed)
	}

	q := &db.KNNQuery{
		IndexName:   s.cfg.Index,
		VectorField: s.cfg.VectorField,
		Vector:      emb.Embedding,
		K:           s.cfg.TopK,
	}
	if s.cfg.UserScoped {
		q.Tags = map[string]string{userTag: uc.UserID}
	}

	res, err := s.store.SearchKNN(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: search %s: %w: %w", s.cfg.ID, s.cfg.Index, err, domain.ErrSourceFailed)
	}

	out := make([]domain.SearchResult, 0, len(res.Entries))
	for _, e := range res.Entries {
		meta := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			if k != s.cfg.ContentField && k != s.cfg.VectorField {
				meta[k] = v
			}
		}
		meta["key"] = e.Key

		out = append(out, domain.SearchResult{
			Content:   e.Fields[s.cfg.ContentField],
			SourceID:  s.cfg.ID,
			Relevance: e.Score,
			Metadata:  meta,
		})
	}
	return out, nil
}
