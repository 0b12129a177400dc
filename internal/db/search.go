package db

// DefaultVectorField is the indexed vector attribute queried when none is set.
const DefaultVectorField = "vector"

// KNNQuery is the input for vector similarity search.
type KNNQuery struct {
	IndexName   string
	VectorField string
	Vector      []float32
	K           int
	// Tags restricts the search to documents whose TAG field equals the value.
	Tags         map[string]string
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single document hit from a search.
// Score is cosine similarity clamped to [0, 1].
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
