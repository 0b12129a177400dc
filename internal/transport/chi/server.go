package chi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
	logpkg "github.com/kailas-cloud/modelmux/internal/logger"
	healthuc "github.com/kailas-cloud/modelmux/internal/usecase/health"
	"github.com/kailas-cloud/modelmux/internal/usecase/router"
)

// Generator routes generation requests to inference backends.
type Generator interface {
	Generate(ctx context.Context, req domain.Request) (domain.Response, error)
	Status() []router.BackendStatus
}

// Retriever fuses knowledge source results for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, uc domain.UserContext) ([]domain.SearchResult, error)
}

// HealthChecker aggregates component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// Server holds the HTTP handlers of the API.
type Server struct {
	generator Generator
	retriever Retriever
	health    HealthChecker
}

// NewServer creates an HTTP API server. retriever can be nil when no
// knowledge sources are configured; /v1/retrieve then answers 503.
func NewServer(generator Generator, retriever Retriever, health HealthChecker) *Server {
	return &Server{generator: generator, retriever: retriever, health: health}
}

// Generate handles POST /v1/generate.
func (s *Server) Generate(w http.ResponseWriter, r *http.Request) {
	var body GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	urgency, err := domain.ParseUrgency(body.Urgency)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	req := domain.Request{
		Prompt:          body.Prompt,
		Urgency:         urgency,
		ModelPreference: body.ModelPreference,
		SessionID:       body.SessionID,
		Options: domain.GenerateOptions{
			MaxTokens:    body.MaxTokens,
			Temperature:  body.Temperature,
			SystemPrompt: body.SystemPrompt,
		},
	}
	if body.Complexity != nil {
		req.Complexity = *body.Complexity
	}

	ctx := r.Context()
	if req.SessionID != "" {
		ctx = logpkg.WithFields(ctx, zap.String("session_id", req.SessionID))
		r = r.WithContext(ctx)
	}

	resp, err := s.generator.Generate(ctx, req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		RequestID: resp.RequestID,
		SessionID: resp.SessionID,
		Role:      resp.Role,
		Backend:   resp.Backend,
		Text:      resp.Text,
		LatencyMS: resp.Latency.Milliseconds(),
		FellBack:  resp.FellBack,
		Retried:   resp.Retried,
	})
}

// Retrieve handles POST /v1/retrieve.
func (s *Server) Retrieve(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, CodeBackendUnavailable, "retrieval is not configured")
		return
	}

	var body RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.Limit < 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "limit must not be negative")
		return
	}

	results, err := s.retriever.Retrieve(r.Context(), body.Query, domain.UserContext{
		UserID:           body.UserID,
		PrefersTechnical: body.PrefersTechnical,
		Preferences:      body.Preferences,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	if body.Limit > 0 && len(results) > body.Limit {
		results = results[:body.Limit]
	}

	items := make([]RetrieveResult, len(results))
	for i, res := range results {
		items[i] = RetrieveResult{
			Content:     res.Content,
			Source:      res.SourceID,
			Relevance:   res.Relevance,
			RerankScore: res.RerankScore,
			Metadata:    res.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, RetrieveResponse{Results: items})
}

// ListBackends handles GET /v1/backends.
func (s *Server) ListBackends(w http.ResponseWriter, _ *http.Request) {
	status := s.generator.Status()
	items := make([]BackendResponse, len(status))
	for i, b := range status {
		items[i] = backendToResponse(b)
	}
	writeJSON(w, http.StatusOK, BackendListResponse{Backends: items})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:   string(report.Status),
		Checks:   checks,
		Backends: report.Backends,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func backendToResponse(b router.BackendStatus) BackendResponse {
	out := BackendResponse{
		ID:        b.ID,
		State:     b.State.String(),
		InFlight:  b.InFlight,
		ErrorRate: b.ErrorRate,
		Samples:   b.Samples,
		Fallbacks: make(map[string]int, len(b.Fallbacks)),
		Thresholds: ThresholdsResponse{
			ErrorRate:     b.Thresholds.ErrorRate,
			LatencyMS:     b.Thresholds.Latency.Milliseconds(),
			MemoryPercent: b.Thresholds.MemoryPercent,
		},
	}
	if b.AverageLatency != router.InfiniteLatency {
		ms := b.AverageLatency.Milliseconds()
		out.AvgLatency = &ms
	}
	if !b.LastUsed.IsZero() {
		t := b.LastUsed
		out.LastUsed = &t
	}
	for reason, n := range b.Fallbacks {
		out.Fallbacks[string(reason)] = n
	}
	return out
}
