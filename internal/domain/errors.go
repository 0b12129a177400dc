package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest signals a malformed routing or retrieval request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownRole signals a model preference that names no configured role.
	ErrUnknownRole = errors.New("unknown role")
	// ErrBackendFailed signals an inference backend execution failure.
	ErrBackendFailed = errors.New("backend failed")
	// ErrBackendUnavailable signals that no backend is registered for a role.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrWarmUpFailed signals that a backend could not be brought to ready state.
	ErrWarmUpFailed = errors.New("backend warm-up failed")
	// ErrRerankerFailed signals a reranker scoring failure.
	ErrRerankerFailed = errors.New("reranker failed")
	// ErrSourceFailed signals a knowledge source query failure.
	ErrSourceFailed = errors.New("source failed")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
)

// BackendError wraps ErrBackendFailed with the backend that produced it
// and the underlying cause, if any.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrBackendFailed.Error(), e.Backend)
	}
	return fmt.Sprintf("%s: %s: %s", ErrBackendFailed.Error(), e.Backend, e.Err.Error())
}

// Unwrap exposes both ErrBackendFailed and the cause to errors.Is/As.
func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendFailed}
	}
	return []error{ErrBackendFailed, e.Err}
}

// NewBackendError creates a backend execution error.
func NewBackendError(backend string, cause error) error {
	return &BackendError{Backend: backend, Err: cause}
}
