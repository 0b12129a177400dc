package chi

import "time"

// ErrorCode is the machine-readable error code of an API error.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "bad_request"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeUnknownRole        ErrorCode = "unknown_role"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeBackendFailed      ErrorCode = "backend_failed"
	CodeBackendUnavailable ErrorCode = "backend_unavailable"
	CodeInternalError      ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Backend string    `json:"backend,omitempty"`
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt          string   `json:"prompt"`
	Urgency         string   `json:"urgency,omitempty"`
	Complexity      *float64 `json:"complexity,omitempty"`
	ModelPreference string   `json:"model_preference,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	Temperature     float32  `json:"temperature,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
}

// GenerateResponse is the body of a successful generation.
type GenerateResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role"`
	Backend   string `json:"backend"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
	FellBack  bool   `json:"fell_back"`
	Retried   bool   `json:"retried"`
}

// RetrieveRequest is the body of POST /v1/retrieve.
type RetrieveRequest struct {
	Query            string            `json:"query"`
	Limit            int               `json:"limit,omitempty"`
	UserID           string            `json:"user_id,omitempty"`
	PrefersTechnical bool              `json:"prefers_technical,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
}

// RetrieveResult is one fused passage.
type RetrieveResult struct {
	Content     string         `json:"content"`
	Source      string         `json:"source"`
	Relevance   float64        `json:"relevance"`
	RerankScore *float64       `json:"rerank_score,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RetrieveResponse is the body of a successful retrieval.
type RetrieveResponse struct {
	Results []RetrieveResult `json:"results"`
}

// ThresholdsResponse mirrors the fallback thresholds of one backend.
type ThresholdsResponse struct {
	ErrorRate     float64 `json:"error_rate"`
	LatencyMS     int64   `json:"latency_ms"`
	MemoryPercent float64 `json:"memory_percent"`
}

// BackendResponse is one entry of GET /v1/backends.
type BackendResponse struct {
	ID         string             `json:"id"`
	State      string             `json:"state"`
	InFlight   int64              `json:"in_flight"`
	AvgLatency *int64             `json:"avg_latency_ms"` // null when untested
	ErrorRate  float64            `json:"error_rate"`
	Samples    int                `json:"samples"`
	LastUsed   *time.Time         `json:"last_used,omitempty"`
	Fallbacks  map[string]int     `json:"fallbacks"`
	Thresholds ThresholdsResponse `json:"thresholds"`
}

// BackendListResponse is the body of GET /v1/backends.
type BackendListResponse struct {
	Backends []BackendResponse `json:"backends"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Backends map[string]string `json:"backends,omitempty"`
}
