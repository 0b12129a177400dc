package health

import (
	"context"

	"github.com/kailas-cloud/modelmux/internal/usecase/router"
)

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}

// BackendReporter lists inference backends with their recent behaviour.
type BackendReporter interface {
	Status() []router.BackendStatus
}
