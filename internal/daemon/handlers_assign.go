//go:build unix

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gurisko/scopectl/internal/assign"
	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/limits"
)

type HistoryResponse struct {
	ResourceID string           `json:"resourceId"`
	Changes    []changes.Change `json:"changes"`
}

type RevertRequest struct {
	ResourceID string `json:"resourceId"`
	ChangeID   string `json:"changeId"`
}

type RevertResponse struct {
	Reverted bool           `json:"reverted"`
	Change   changes.Change `json:"change"`
}

type ValidateRequest struct {
	Path string `json:"path"`
}

// decodeJSON reads a capped, strict JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.JSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// assignStatus maps a failure code to the HTTP status sent with the result
func assignStatus(code assign.Code) int {
	switch code {
	case assign.CodeInvalidRequest:
		return http.StatusBadRequest
	case assign.CodeMissingSource:
		return http.StatusNotFound
	case assign.CodeConflict, assign.CodeConcurrent:
		return http.StatusConflict
	case assign.CodePermission:
		return http.StatusForbidden
	case assign.CodeMissingParent, assign.CodeInvalidTarget, assign.CodeUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleAssign handles POST /api/assign. The body of every response,
// failures included, is an assign.Result.
func (d *Daemon) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req assign.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	// Assignment is not cancellable once started
	res := d.svc.engine.Assign(r.Context(), req)
	status := http.StatusOK
	if !res.Success {
		status = assignStatus(res.Code)
	}
	writeJSON(w, res, status)
}

// handleHistory handles GET /api/resources/history?id=
func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, "id query parameter is required", http.StatusBadRequest)
		return
	}

	history, err := d.svc.tracker.History(r.Context(), id)
	if err != nil {
		writeError(w, fmt.Sprintf("failed to read history: %v", err), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []changes.Change{}
	}
	writeJSON(w, HistoryResponse{ResourceID: id, Changes: history}, http.StatusOK)
}

// handleRevert handles POST /api/resources/revert
func (d *Daemon) handleRevert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RevertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ResourceID == "" || req.ChangeID == "" {
		writeError(w, "resourceId and changeId are required", http.StatusBadRequest)
		return
	}

	change, err := d.svc.tracker.Revert(r.Context(), req.ResourceID, req.ChangeID)
	if err != nil {
		if errors.Is(err, changes.ErrChangeNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, fmt.Sprintf("revert failed: %v", err), http.StatusInternalServerError)
		return
	}
	d.invalidate("revert", change.FilePath)
	writeJSON(w, RevertResponse{Reverted: true, Change: change}, http.StatusOK)
}

// handleValidate handles POST /api/validate
func (d *Daemon) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !filepath.IsAbs(req.Path) {
		writeError(w, "path must be absolute", http.StatusBadRequest)
		return
	}

	// Validation still works for files outside every root
	roots, err := d.svc.resolver.Resolve(r.Context())
	if err != nil {
		d.logger.Debug("validating without roots", "err", err)
	}
	writeJSON(w, d.svc.parser.Validate(roots, req.Path), http.StatusOK)
}
