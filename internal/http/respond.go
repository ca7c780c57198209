package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alvesdmateus/iac-sandbox/internal/deploy"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/files"
	"github.com/alvesdmateus/iac-sandbox/internal/stacks"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps service sentinels onto HTTP status codes. Anything
// unrecognized is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, engine.ErrStackNotFound),
		errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrConflict),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, stacks.ErrActiveDeployment),
		errors.Is(err, engine.ErrStackExists),
		errors.Is(err, engine.ErrStackNotEmpty),
		errors.Is(err, deploy.ErrNotCancellable),
		errors.Is(err, files.ErrExists):
		return http.StatusConflict
	case errors.Is(err, stacks.ErrInvalidName),
		errors.Is(err, files.ErrOutsideRoot),
		errors.Is(err, files.ErrTooLarge),
		errors.Is(err, files.ErrIsDirectory):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError translates a service error into an HTTP response,
// hiding internal detail behind a generic 500 message.
func (r *Router) respondError(w http.ResponseWriter, req *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
