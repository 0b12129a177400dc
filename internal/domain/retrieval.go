package domain

// SearchResult is one passage returned by a knowledge source.
// Relevance is rescaled in place by source weighting; RerankScore is set once
// the fused list has been scored by the reranker.
type SearchResult struct {
	Content     string
	SourceID    string
	Relevance   float64
	Metadata    map[string]any
	Embedding   []float32
	RerankScore *float64
}

// Score returns the rerank score when present, otherwise the weighted relevance.
func (r *SearchResult) Score() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.Relevance
}

// UserContext carries per-caller signals that shift source weights.
type UserContext struct {
	UserID           string
	PrefersTechnical bool
	Preferences      map[string]string
}
