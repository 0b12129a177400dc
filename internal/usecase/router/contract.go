package router

import (
	"context"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// Backend is one inference service. Implementations bound their own latency
// through ctx; they do not retry.
type Backend interface {
	WarmUp(ctx context.Context) error
	Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (domain.Generation, error)
	Unload(ctx context.Context) error
}

// MemoryProbe reports host memory pressure as a used percentage in [0, 100].
type MemoryProbe interface {
	UsedPercent(ctx context.Context) (float64, error)
}
