package domain

import (
	"fmt"
	"time"
)

// Urgency is the caller's latency preference for a generation request.
type Urgency string

const (
	// UrgencyLow tolerates the slowest, most capable backends.
	UrgencyLow Urgency = "low"
	// UrgencyNormal is the default.
	UrgencyNormal Urgency = "normal"
	// UrgencyHigh routes to the fastest role.
	UrgencyHigh Urgency = "high"
)

// ParseUrgency maps free text onto an Urgency. Empty input is UrgencyNormal.
func ParseUrgency(s string) (Urgency, error) {
	switch Urgency(s) {
	case "":
		return UrgencyNormal, nil
	case UrgencyLow, UrgencyNormal, UrgencyHigh:
		return Urgency(s), nil
	default:
		return "", fmt.Errorf("%w: unknown urgency %q", ErrInvalidRequest, s)
	}
}

// GenerateOptions are passed through to the inference backend untouched.
type GenerateOptions struct {
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
}

// Request is a classified generation request.
type Request struct {
	Prompt          string
	Urgency         Urgency
	Complexity      float64
	ModelPreference string
	SessionID       string
	Options         GenerateOptions
}

// Validate rejects requests that cannot be routed.
func (r Request) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.Complexity < 0 || r.Complexity > 1 {
		return fmt.Errorf("%w: complexity must be within [0, 1], got %v", ErrInvalidRequest, r.Complexity)
	}
	return nil
}

// Generation is the outcome of one backend call.
// Errored is set when the backend answered but reported a failure.
type Generation struct {
	Text         string
	Latency      time.Duration
	Errored      bool
	ErrorMessage string
}

// Response is returned to the caller of the orchestrator.
type Response struct {
	RequestID string
	SessionID string
	Role      string
	Backend   string
	Text      string
	Latency   time.Duration
	FellBack  bool
	Retried   bool
}
