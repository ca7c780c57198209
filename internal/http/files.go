package httpx

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/alvesdmateus/iac-sandbox/internal/files"
)

func (r *Router) handleFileList(w http.ResponseWriter, req *http.Request) {
	entries, err := r.files.List(req.URL.Query().Get("dir"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	if pattern := req.URL.Query().Get("pattern"); pattern != "" {
		filtered := entries[:0]
		for _, entry := range entries {
			ok, err := filepath.Match(pattern, entry.Name)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid pattern")
				return
			}
			if ok || entry.Dir {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (r *Router) handleFileTree(w http.ResponseWriter, req *http.Request) {
	node, err := r.files.Tree(req.URL.Query().Get("dir"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (r *Router) handleFileContent(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}
	content, entry, err := r.files.Content(path)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     entry.Path,
		"size":     entry.Size,
		"modified": entry.Modified,
		"content":  string(content),
	})
}

type filePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (r *Router) handleFileCreate(w http.ResponseWriter, req *http.Request) {
	var payload filePayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Path == "" {
		writeError(w, http.StatusBadRequest, "path and content required")
		return
	}
	entry, err := r.files.Create(payload.Path, []byte(payload.Content))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (r *Router) handleFileUpdate(w http.ResponseWriter, req *http.Request) {
	var payload filePayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Path == "" {
		writeError(w, http.StatusBadRequest, "path and content required")
		return
	}
	entry, err := r.files.Write(payload.Path, []byte(payload.Content))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleFileDelete(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}
	if err := r.files.Delete(path); err != nil {
		r.respondError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFileValidate checks either a saved file (path) or an unsaved
// buffer (content plus kind). Syntax problems come back as a valid=false
// result, not an HTTP error.
func (r *Router) handleFileValidate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Kind    string `json:"kind"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var result files.ValidationResult
	switch {
	case payload.Path != "":
		var err error
		result, err = r.files.Validate(payload.Path)
		if err != nil {
			r.respondError(w, req, err)
			return
		}
	case payload.Content != "":
		if payload.Kind == "" {
			writeError(w, http.StatusBadRequest, "kind required when validating content")
			return
		}
		result = r.files.ValidateContent("buffer."+payload.Kind, []byte(payload.Content))
	default:
		writeError(w, http.StatusBadRequest, "path or content required")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
