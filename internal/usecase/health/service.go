package health

import (
	"context"

	"github.com/kailas-cloud/modelmux/internal/usecase/router"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
	// Backends maps backend id to its lifecycle state.
	Backends map[string]string
}

// Service coordinates health checks.
type Service struct {
	db        DBPinger
	embedding EmbeddingChecker
	backends  BackendReporter
}

// New creates a Service. Any dependency can be nil, which skips its check.
func New(db DBPinger, embedding EmbeddingChecker, backends BackendReporter) *Service {
	return &Service{db: db, embedding: embedding, backends: backends}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)
	var states map[string]string

	if s.db != nil {
		checks["database"] = result(s.db.Ping(ctx) == nil)
	}
	if s.embedding != nil {
		checks["embedding"] = result(s.embedding.HealthCheck(ctx) == nil)
	}
	if s.backends != nil {
		all := s.backends.Status()
		states = make(map[string]string, len(all))
		usable := 0
		for _, b := range all {
			states[b.ID] = b.State.String()
			if backendUsable(b) {
				usable++
			}
		}
		checks["backends"] = result(usable > 0)
	}

	failed := 0
	for _, v := range checks {
		if v == CheckError {
			failed++
		}
	}

	status := Healthy
	switch {
	case failed > 0 && failed == len(checks):
		status = Unhealthy
	case failed > 0:
		status = Degraded
	}

	return Report{Status: status, Checks: checks, Backends: states}
}

// backendUsable reports whether a backend can take traffic: ready, or not yet
// proven broken. Backends warm lazily so an unloaded one still counts.
func backendUsable(b router.BackendStatus) bool {
	if b.State == router.StateReady {
		return true
	}
	return b.Samples == 0 || b.ErrorRate < 1
}

func result(ok bool) CheckResult {
	if ok {
		return CheckOK
	}
	return CheckError
}
