package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
)

func (r *Router) handleStackList(w http.ResponseWriter, req *http.Request) {
	summaries, err := r.stacks.List(req.Context())
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stacks": summaries})
}

func (r *Router) handleStackCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	detail, err := r.stacks.Create(req.Context(), payload.Name)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (r *Router) handleStackGet(w http.ResponseWriter, req *http.Request) {
	detail, err := r.stacks.Get(req.Context(), chi.URLParam(req, "stack"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleStackDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.stacks.Delete(req.Context(), chi.URLParam(req, "stack")); err != nil {
		r.respondError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleStackConfigUpdate(w http.ResponseWriter, req *http.Request) {
	var payload map[string]string
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	config, err := r.stacks.UpdateConfig(req.Context(), chi.URLParam(req, "stack"), payload)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": config})
}

func (r *Router) handleStackOutputs(w http.ResponseWriter, req *http.Request) {
	outputs, err := r.stacks.Outputs(req.Context(), chi.URLParam(req, "stack"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (r *Router) handleStackResources(w http.ResponseWriter, req *http.Request) {
	resources, err := r.stacks.Resources(req.Context(), chi.URLParam(req, "stack"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (r *Router) handleStackDeployments(w http.ResponseWriter, req *http.Request) {
	history := r.manager.History(chi.URLParam(req, "stack"))
	writeJSON(w, http.StatusOK, map[string]any{"deployments": history})
}

// handleStackOperation admits a deployment and returns immediately; the
// caller follows progress over the event stream.
func (r *Router) handleStackOperation(w http.ResponseWriter, req *http.Request) {
	raw := chi.URLParam(req, "operation")
	operation, ok := domain.ParseOperation(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation %q", raw))
		return
	}
	var payload struct {
		Message  string `json:"message"`
		Parallel int    `json:"parallel"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	opts := engine.Options{Message: payload.Message, Parallel: payload.Parallel}
	dep, err := r.manager.Start(req.Context(), chi.URLParam(req, "stack"), operation, opts)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dep)
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request) {
	dep, err := r.manager.Status(chi.URLParam(req, "id"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (r *Router) handleDeploymentCancel(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if err := r.manager.Cancel(id); err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
