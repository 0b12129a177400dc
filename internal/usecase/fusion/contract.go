package fusion

import (
	"context"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// Source is one knowledge source. No hits is an empty list, not an error.
type Source interface {
	ID() string
	Query(ctx context.Context, text string, uc domain.UserContext) ([]domain.SearchResult, error)
}

// Reranker scores documents against a query, aligned with the input order.
type Reranker interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}
