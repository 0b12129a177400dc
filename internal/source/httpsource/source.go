// Package httpsource is a knowledge source that queries a JSON search endpoint,
// used for web search proxies and enterprise graph services.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

const (
	defaultTopK    = 5
	defaultTimeout = 5 * time.Second
)

// Config describes one endpoint.
type Config struct {
	ID      string
	URL     string
	APIKey  string
	TopK    int
	Timeout time.Duration
	// RatePerSec caps outgoing requests; zero disables the limiter.
	RatePerSec float64
	Burst      int
}

// Source posts queries to a search endpoint.
type Source struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

type searchRequest struct {
	Query   string         `json:"query"`
	TopK    int            `json:"top_k"`
	Context requestContext `json:"context"`
}

type requestContext struct {
	UserID           string            `json:"user_id,omitempty"`
	PrefersTechnical bool              `json:"prefers_technical"`
	Preferences      map[string]string `json:"preferences,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Content  string         `json:"content"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"results"`
}

// New creates an HTTP source.
func New(cfg Config) *Source {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s := &Source{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s
}

// ID returns the source identifier.
func (s *Source) ID() string { return s.cfg.ID }

// Query posts the query and returns the endpoint's results. An endpoint with
// no hits answers with an empty list, which is not an error.
func (s *Source) Query(ctx context.Context, text string, uc domain.UserContext) ([]domain.SearchResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w: %w", s.cfg.ID, err, domain.ErrSourceFailed)
		}
	}

	body, err := json.Marshal(searchRequest{
		Query: text,
		TopK:  s.cfg.TopK,
		Context: requestContext{
			UserID:           uc.UserID,
			PrefersTechnical: uc.PrefersTechnical,
			Preferences:      uc.Preferences,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", s.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w: %w", s.cfg.ID, err, domain.ErrSourceFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s: %w", s.cfg.ID, resp.StatusCode, msg, domain.ErrSourceFailed)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w: %w", s.cfg.ID, err, domain.ErrSourceFailed)
	}

	out := make([]domain.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, domain.SearchResult{
			Content:   r.Content,
			SourceID:  s.cfg.ID,
			Relevance: r.Score,
			Metadata:  r.Metadata,
		})
	}
	return out, nil
}
