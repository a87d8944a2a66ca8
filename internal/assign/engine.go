// Package assign copies, moves and toggles resources between scopes.
//
// Every operation either completes and records exactly one change, or
// restores the files it touched and reports a coded failure.
package assign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/settings"
)

// Operation is what to do with the resource
type Operation string

const (
	OpCopy       Operation = "copy"
	OpMove       Operation = "move"
	OpActivate   Operation = "activate"
	OpDeactivate Operation = "deactivate"
)

// Valid reports whether op is a known operation
func (op Operation) Valid() bool {
	switch op {
	case OpCopy, OpMove, OpActivate, OpDeactivate:
		return true
	}
	return false
}

// Code classifies a failed assignment
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeMissingSource  Code = "missing_source"
	CodeMissingParent  Code = "missing_parent"
	CodeInvalidTarget  Code = "invalid_target"
	CodeConflict       Code = "conflict"
	CodePermission     Code = "permission"
	CodeConcurrent     Code = "concurrent_modification"
	CodeUnsupported    Code = "unsupported"
	CodeIO             Code = "io_error"
)

// ErrResourceNotFound is returned by a Finder for an unknown ID
var ErrResourceNotFound = errors.New("resource not found")

// Error is a failure with its code
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// wrap attaches the code implied by err
func wrap(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	code := CodeIO
	switch {
	case errors.Is(err, fs.ErrPermission):
		code = CodePermission
	case errors.Is(err, settings.ErrConcurrentModification):
		code = CodeConcurrent
	case errors.Is(err, settings.ErrRuleExists):
		code = CodeConflict
	case errors.Is(err, settings.ErrRuleNotFound), errors.Is(err, ErrResourceNotFound):
		code = CodeMissingSource
	case errors.Is(err, layout.ErrUnsupported), errors.Is(err, layout.ErrInvalidName):
		code = CodeInvalidTarget
	}
	return &Error{Code: code, Err: err}
}

// Request asks for one operation on one resource
type Request struct {
	ResourceID        string         `json:"resourceId"`
	ResourceType      resource.Type  `json:"resourceType"`
	TargetScope       resource.Scope `json:"targetScope"`
	TargetProjectPath string         `json:"targetProjectPath,omitempty"`
	Operation         Operation      `json:"operation"`
	Overwrite         bool           `json:"overwrite,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Result reports the outcome of a Request
type Result struct {
	Success     bool           `json:"success"`
	ResourceID  string         `json:"resourceId"`
	Operation   Operation      `json:"operation"`
	TargetScope resource.Scope `json:"targetScope"`
	TargetPath  string         `json:"targetPath,omitempty"`
	// TargetID is the identity of the resource written
	TargetID string `json:"targetId,omitempty"`
	ChangeID string `json:"changeId,omitempty"`
	// Unchanged is set when the resource was already in the requested state
	Unchanged bool   `json:"unchanged,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      Code   `json:"code,omitempty"`
}

// Finder resolves a resource ID to its current state on disk
type Finder interface {
	Find(ctx context.Context, id string) (resource.Resource, error)
}

// CollectFinder finds resources by running a full scan
type CollectFinder func(ctx context.Context) ([]resource.Resource, error)

func (f CollectFinder) Find(ctx context.Context, id string) (resource.Resource, error) {
	all, err := f(ctx)
	if err != nil {
		return resource.Resource{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return resource.Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}

// Options configures an Engine
type Options struct {
	// OnChange is called after every successful mutation
	OnChange func(changes.Change)
	Logger   *log.Logger
}

// Engine executes assignment requests
type Engine struct {
	layout  *layout.Layout
	finder  Finder
	tracker *changes.Tracker
	opts    Options
	logger  *log.Logger
}

// NewEngine creates an Engine
func NewEngine(l *layout.Layout, finder Finder, tracker *changes.Tracker, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("assign")
	}
	return &Engine{layout: l, finder: finder, tracker: tracker, opts: opts, logger: logger}
}

// outcome is what an operation hands back before the change is recorded
type outcome struct {
	targetPath string
	targetID   string
	change     changes.Change
	unchanged  bool
	// rollback undoes the filesystem effects if recording fails
	rollback func() error
}

// Assign runs req. It is not cancellable once the filesystem is touched;
// ctx only bounds the source lookup.
func (e *Engine) Assign(ctx context.Context, req Request) Result {
	res := Result{ResourceID: req.ResourceID, Operation: req.Operation, TargetScope: req.TargetScope}

	out, err := e.run(ctx, req)
	if err != nil {
		ae := wrap(err)
		res.Error, res.Code = ae.Error(), ae.Code
		e.logger.Warn("assignment failed", "id", req.ResourceID, "op", req.Operation, "code", ae.Code, "err", ae.Err)
		return res
	}

	res.Success = true
	res.TargetPath, res.TargetID, res.Unchanged = out.targetPath, out.targetID, out.unchanged
	if out.unchanged {
		return res
	}

	c := out.change
	c.Reason = req.Reason
	if c.Reason == "" {
		c.Reason = string(req.Operation)
	}
	recorded, err := e.tracker.Record(context.WithoutCancel(ctx), c)
	if err != nil {
		if rbErr := out.rollback(); rbErr != nil {
			e.logger.Error("rollback after failed change record", "id", req.ResourceID, "err", rbErr)
		}
		return Result{
			ResourceID: req.ResourceID, Operation: req.Operation, TargetScope: req.TargetScope,
			Error: fmt.Sprintf("record change: %v", err), Code: CodeIO,
		}
	}
	res.ChangeID = recorded.ID
	e.logger.Info("assignment complete", "id", req.ResourceID, "op", req.Operation, "target", out.targetPath)
	if e.opts.OnChange != nil {
		e.opts.OnChange(recorded)
	}
	return res
}

func (e *Engine) run(ctx context.Context, req Request) (*outcome, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	src, err := e.finder.Find(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return nil, &Error{Code: CodeMissingSource, Err: err}
		}
		return nil, err
	}
	if req.ResourceType != "" && src.Type != req.ResourceType {
		return nil, fail(CodeInvalidRequest, "resource %s is a %s, not a %s", src.ID, src.Type, req.ResourceType)
	}

	switch req.Operation {
	case OpCopy, OpMove:
		if req.TargetScope == resource.ScopeBuiltin {
			return nil, fail(CodeInvalidTarget, "builtin scope is read-only")
		}
		if isSettingsHook(src) {
			return e.transferRule(src, req)
		}
		return e.transferFile(src, req)
	default:
		if src.Scope != req.TargetScope || (src.Scope == resource.ScopeProject && filepath.Clean(src.ProjectPath) != filepath.Clean(req.TargetProjectPath)) {
			return nil, fail(CodeInvalidTarget, "%s lives in %s scope; toggle it in place", src.ID, src.Scope)
		}
		active := req.Operation == OpActivate
		switch {
		case isSettingsHook(src):
			return e.toggleRule(src, active)
		case src.Type == resource.TypeAgent, src.Type == resource.TypeCommand:
			return e.toggleFile(src, active)
		}
		return nil, fail(CodeUnsupported, "%s resources cannot be %sd", src.Type, req.Operation)
	}
}

func isSettingsHook(r resource.Resource) bool {
	h := r.Hook()
	return h != nil && h.Kind == resource.HookKindSettings && h.SettingsPath != ""
}

func validate(req Request) error {
	if req.ResourceID == "" {
		return fail(CodeInvalidRequest, "resourceId is required")
	}
	if !req.Operation.Valid() {
		return fail(CodeInvalidRequest, "unknown operation %q", req.Operation)
	}
	if req.ResourceType != "" && !req.ResourceType.Valid() {
		return fail(CodeInvalidRequest, "unknown resource type %q", req.ResourceType)
	}
	if !req.TargetScope.Valid() {
		return fail(CodeInvalidRequest, "unknown target scope %q", req.TargetScope)
	}
	if req.TargetScope == resource.ScopeProject && !filepath.IsAbs(req.TargetProjectPath) {
		return fail(CodeInvalidRequest, "targetProjectPath must be absolute for project scope")
	}
	if _, err := resource.ParseID(req.ResourceID); err != nil {
		return fail(CodeInvalidRequest, "%v", err)
	}
	return nil
}
