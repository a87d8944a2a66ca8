//go:build unix

package daemon

import (
	"net/http"
	"time"
)

// Handler returns the API routes. The services must be open.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	d.setupRoutes(mux)
	return mux
}

func (d *Daemon) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", d.handleHealth)

	// Discovery
	mux.HandleFunc("/api/discover/stream", d.handleDiscoverStream)
	mux.HandleFunc("/api/resources", d.handleListResources)
	mux.HandleFunc("/api/cache", d.handleCache)

	// Assignment and history
	mux.HandleFunc("/api/assign", d.handleAssign)
	mux.HandleFunc("/api/resources/history", d.handleHistory)
	mux.HandleFunc("/api/resources/revert", d.handleRevert)
	mux.HandleFunc("/api/validate", d.handleValidate)

	// Projects
	mux.HandleFunc("/api/projects", d.handleProjects)
	mux.HandleFunc("/api/projects/", d.handleProjectByID)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(d.startTime).Seconds(),
	}
	if roots, err := d.svc.resolver.Resolve(r.Context()); err == nil {
		resp.Roots = len(roots)
	}
	writeJSON(w, resp, http.StatusOK)
}
