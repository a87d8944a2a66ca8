//go:build unix

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gurisko/scopectl/internal/registry"
)

type RegisterProjectRequest struct {
	Name    string   `json:"name,omitempty"`
	Path    string   `json:"path"`
	Exclude []string `json:"exclude,omitempty"`
}

type RegisterProjectResponse struct {
	Project *registry.Project `json:"project"`
}

type ListProjectsResponse struct {
	Projects []*registry.Project `json:"projects"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// handleProjects routes /api/projects by method
func (d *Daemon) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d.handleListProjects(w, r)
	case http.MethodPost:
		d.handleRegisterProject(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req RegisterProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Path == "" {
		writeError(w, "path is required", http.StatusBadRequest)
		return
	}

	project := &registry.Project{
		Name:    strings.TrimSpace(req.Name),
		Path:    req.Path,
		Exclude: req.Exclude,
	}

	if err := d.registry.RegisterAndSave(project); err != nil {
		if errors.Is(err, registry.ErrProjectAlreadyExists) {
			writeError(w, "project already exists at this path", http.StatusConflict)
			return
		}
		if errors.Is(err, registry.ErrInvalidPath) {
			writeError(w, fmt.Sprintf("invalid path: %v", err), http.StatusBadRequest)
			return
		}
		writeError(w, fmt.Sprintf("failed to persist project: %v", err), http.StatusInternalServerError)
		return
	}

	d.rootsChanged()

	w.Header().Set("Location", "/api/projects/"+project.ID)
	writeJSON(w, RegisterProjectResponse{Project: project}, http.StatusCreated)
}

func (d *Daemon) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ListProjectsResponse{Projects: d.registry.List()}, http.StatusOK)
}

// handleProjectByID routes requests to /api/projects/{id} to the appropriate handler
func (d *Daemon) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if projectID == "" || projectID == r.URL.Path {
		writeError(w, "project ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		d.handleGetProject(w, projectID)
	case http.MethodDelete:
		d.handleRemoveProject(w, projectID)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleGetProject(w http.ResponseWriter, projectID string) {
	project, err := d.registry.Get(projectID)
	if err != nil {
		writeError(w, "project not found", http.StatusNotFound)
		return
	}
	writeJSON(w, RegisterProjectResponse{Project: project}, http.StatusOK)
}

func (d *Daemon) handleRemoveProject(w http.ResponseWriter, projectID string) {
	if _, err := d.registry.UnregisterAndSave(projectID); err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			writeError(w, "project not found", http.StatusNotFound)
			return
		}
		writeError(w, fmt.Sprintf("failed to remove project: %v", err), http.StatusInternalServerError)
		return
	}

	d.rootsChanged()
	w.WriteHeader(http.StatusNoContent)
}

// rootsChanged drops cached scans and re-watches after the root set moved
func (d *Daemon) rootsChanged() {
	d.invalidate("roots changed")
	d.rewatch()
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	buf, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, ErrorResponse{Error: message}, status)
}
