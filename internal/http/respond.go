package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/habitio/habit-cortex-orchestrator/internal/build"
	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/image"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error onto a status code.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var conflict *image.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, conflict.Error()
	}
	if errors.Is(err, build.ErrQueueFull) {
		return http.StatusServiceUnavailable, "build queue full"
	}

	var de *domain.Error
	if errors.As(err, &de) || errors.As(err, new(*domain.TransitionError)) {
		msg := err.Error()
		if de != nil {
			msg = de.Error()
		}
		switch domain.KindOf(err) {
		case domain.KindInvalid:
			return http.StatusBadRequest, msg
		case domain.KindNotFound:
			return http.StatusNotFound, msg
		case domain.KindConflict:
			return http.StatusConflict, msg
		case domain.KindUnauthenticated:
			return http.StatusUnauthorized, msg
		case domain.KindForbidden:
			return http.StatusForbidden, msg
		case domain.KindUnavailable:
			return http.StatusServiceUnavailable, msg
		default:
			return http.StatusInternalServerError, msg
		}
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "resource already exists"
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid argument"
	}
	var apiErr *cluster.APIError
	if errors.As(err, &apiErr) {
		return http.StatusInternalServerError, apiErr.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}
