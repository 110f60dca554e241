package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/keepsake/autosave"
	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/entity"
	"github.com/jmcleod/keepsake/storage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, entity.ErrNoActive):
		status = http.StatusNotFound
	case errors.Is(err, entity.ErrInvalidFormat),
		errors.Is(err, storage.ErrSerialization),
		errors.Is(err, storage.ErrDeserialization):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrQuotaExceeded), errors.Is(err, capacity.ErrExhausted):
		status = http.StatusInsufficientStorage
	case errors.Is(err, autosave.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{
		Error:       err.Error(),
		Code:        string(storage.CodeOf(err)),
		Recoverable: storage.IsRecoverable(err),
	})
}
