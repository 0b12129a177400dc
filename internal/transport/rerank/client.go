// Package rerank is a client for Cohere/Jina/TEI-style cross-encoder rerank endpoints.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// DefaultTimeout bounds one rerank call.
const DefaultTimeout = 10 * time.Second

// Config holds the reranker endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client scores documents against a query.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	logger  *zap.Logger
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// New creates a rerank client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		logger:  cfg.Logger,
	}
}

// Score returns one score per document, aligned with the input order.
// Documents the endpoint does not score get 0.
func (c *Client) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w: %w", err, domain.ErrRerankerFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("Rerank request rejected", zap.Int("status", resp.StatusCode), zap.Int("documents", len(documents)))
		return nil, fmt.Errorf("rerank error (status %d): %s: %w", resp.StatusCode, msg, domain.ErrRerankerFailed)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w: %w", err, domain.ErrRerankerFailed)
	}

	scores := make([]float64, len(documents))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, fmt.Errorf("result index %d out of range [0,%d): %w",
				r.Index, len(scores), domain.ErrRerankerFailed)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

// HealthCheck reports whether the endpoint is configured. Rerank services
// expose no uniform probe, so no request is made.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("reranker base url not configured: %w", domain.ErrRerankerFailed)
	}
	return nil
}
