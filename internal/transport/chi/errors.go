package chi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
	logpkg "github.com/kailas-cloud/modelmux/internal/logger"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

var errorHandlers = []errorHandler{
	sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, CodeValidationFailed),
	sentinelHandler(domain.ErrUnknownRole, http.StatusBadRequest, CodeUnknownRole),
	backendErrorHandler,
	sentinelHandler(domain.ErrWarmUpFailed, http.StatusBadGateway, CodeBackendFailed),
	sentinelHandler(domain.ErrBackendUnavailable, http.StatusServiceUnavailable, CodeBackendUnavailable),
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a message for the client without exposing internals.
// Validation errors carry their detail since it only describes the request.
func safeDomainMessage(err error) string {
	if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrUnknownRole) {
		return err.Error()
	}
	sentinels := []error{
		domain.ErrWarmUpFailed,
		domain.ErrBackendFailed,
		domain.ErrBackendUnavailable,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// backendErrorHandler reports which backend failed last.
func backendErrorHandler(w http.ResponseWriter, err error, msg string) bool {
	var be *domain.BackendError
	if !errors.As(err, &be) {
		return false
	}
	writeJSON(w, http.StatusBadGateway, ErrorResponse{
		Code:    CodeBackendFailed,
		Message: msg,
		Backend: be.Backend,
	})
	return true
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())
	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
