package assign

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/fsutil"
	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
)

// snapshot is a file's content and mode before an operation; ok is false
// when the file was absent
type snapshot struct {
	path string
	data []byte
	mode os.FileMode
	ok   bool
}

func take(path string) (snapshot, error) {
	data, ok, err := fsutil.ReadOptional(path)
	if err != nil {
		return snapshot{}, err
	}
	s := snapshot{path: path, data: data, ok: ok}
	if ok {
		if st, err := os.Stat(path); err == nil {
			s.mode = st.Mode().Perm()
		}
	}
	return s, nil
}

// restore puts the file back the way take found it
func (s snapshot) restore() error {
	if !s.ok {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	mode := s.mode
	if mode == 0 {
		mode = 0o644
	}
	return fsutil.WriteFileAtomic(s.path, s.data, mode)
}

func (s snapshot) before() *string {
	if !s.ok {
		return nil
	}
	return changes.Content(string(s.data))
}

func (s snapshot) state() changes.FileState {
	return changes.FileState{Path: s.path, Before: s.before()}
}

func restoreAll(snaps ...snapshot) error {
	var errs []error
	for _, s := range snaps {
		if err := s.restore(); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", s.path, err))
		}
	}
	return errors.Join(errs...)
}

func readSource(src resource.Resource) ([]byte, os.FileMode, error) {
	st, err := os.Stat(src.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fail(CodeMissingSource, "source file %s no longer exists", src.FilePath)
		}
		return nil, 0, err
	}
	data, err := os.ReadFile(src.FilePath)
	if err != nil {
		return nil, 0, err
	}
	return data, st.Mode().Perm(), nil
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

// prepareTarget resolves where src goes in the target scope and makes sure
// the type directory exists below an existing scope base.
func (e *Engine) prepareTarget(src resource.Resource, req Request) (string, error) {
	target, err := e.layout.TargetPath(&src, req.TargetScope, req.TargetProjectPath)
	if err != nil {
		return "", err
	}
	if layout.IsDisabled(src.FilePath) {
		target = layout.DisabledPath(target)
	}
	if err := e.checkTypeDir(src, req, target); err != nil {
		return "", err
	}
	base, err := e.layout.ScopeBase(req.TargetScope, req.TargetProjectPath)
	if err != nil {
		return "", err
	}
	if err := fsutil.EnsureDirWithin(base, filepath.Dir(target)); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", &Error{Code: CodePermission, Err: err}
		}
		return "", &Error{Code: CodeMissingParent, Err: err}
	}
	if samePath(src.FilePath, target) {
		return "", fail(CodeInvalidTarget, "%s is already at %s", src.ID, target)
	}
	return target, nil
}

// checkTypeDir refuses a target outside its type directory. Agents must sit
// directly in it; commands and hook scripts may nest below it.
func (e *Engine) checkTypeDir(src resource.Resource, req Request, target string) error {
	if src.Type == resource.TypeDescriptor || src.Type == resource.TypeSettings {
		return nil
	}
	dir, err := e.layout.TypeDir(src.Type, req.TargetScope, req.TargetProjectPath)
	if err != nil {
		return err
	}
	parent := filepath.Dir(target)
	if src.Type == resource.TypeAgent {
		if parent != dir {
			return fail(CodeInvalidTarget, "%s would be written to %s, outside %s", src.ID, target, dir)
		}
		return nil
	}
	if rel, err := filepath.Rel(dir, parent); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fail(CodeInvalidTarget, "%s would be written to %s, outside %s", src.ID, target, dir)
	}
	return nil
}

// transferFile copies or moves a file-backed resource
func (e *Engine) transferFile(src resource.Resource, req Request) (*outcome, error) {
	data, mode, err := readSource(src)
	if err != nil {
		return nil, err
	}
	target, err := e.prepareTarget(src, req)
	if err != nil {
		return nil, err
	}

	prev, err := take(target)
	if err != nil {
		return nil, err
	}
	snaps := []snapshot{prev}
	if twin := twinPath(src.Type, target); twin != "" {
		t, err := take(twin)
		if err != nil {
			return nil, err
		}
		if t.ok {
			if !req.Overwrite {
				return nil, fail(CodeConflict, "%s already exists", twin)
			}
			snaps = append(snaps, t)
		}
	}
	if prev.ok && !req.Overwrite {
		return nil, fail(CodeConflict, "%s already exists", target)
	}

	if err := fsutil.WriteFileAtomic(target, data, mode); err != nil {
		return nil, err
	}
	written, err := os.ReadFile(target)
	if err != nil || !bytes.Equal(written, data) {
		if rbErr := restoreAll(snaps...); rbErr != nil {
			e.logger.Error("rollback failed", "path", target, "err", rbErr)
		}
		if err == nil {
			err = fmt.Errorf("verification of %s failed", target)
		}
		return nil, err
	}
	for _, s := range snaps[1:] {
		if err := os.Remove(s.path); err != nil {
			if rbErr := restoreAll(snaps...); rbErr != nil {
				e.logger.Error("rollback failed", "path", target, "err", rbErr)
			}
			return nil, err
		}
	}

	if req.Operation == OpMove {
		srcSnap := snapshot{path: src.FilePath, data: data, mode: mode, ok: true}
		if err := os.Remove(src.FilePath); err != nil {
			if rbErr := restoreAll(snaps...); rbErr != nil {
				e.logger.Error("rollback failed", "path", target, "err", rbErr)
			}
			return nil, fmt.Errorf("remove source %s: %w", src.FilePath, err)
		}
		snaps = append(snaps, srcSnap)
	}

	scopeBase, _ := e.layout.ScopeBase(req.TargetScope, req.TargetProjectPath)
	targetID := resource.NewID(src.Type, req.TargetScope, req.TargetProjectPath, src.Name)
	c := changes.Change{
		ResourceID:    targetID,
		ChangeType:    changes.TypeCreate,
		BeforeContent: prev.before(),
		AfterContent:  string(data),
		ScopePath:     scopeBase,
		FilePath:      target,
	}
	if prev.ok {
		c.ChangeType = changes.TypeModify
	}
	for _, s := range snaps[1:] {
		c.Related = append(c.Related, s.state())
	}

	return &outcome{
		targetPath: target,
		targetID:   targetID,
		change:     c,
		rollback:   func() error { return restoreAll(snaps...) },
	}, nil
}

// twinPath returns the other activation state of a toggleable file
func twinPath(t resource.Type, path string) string {
	if t != resource.TypeAgent && t != resource.TypeCommand {
		return ""
	}
	switch {
	case layout.IsDisabled(path):
		return layout.EnabledPath(path)
	case filepath.Ext(path) == layout.MarkdownExt:
		return layout.DisabledPath(path)
	}
	return ""
}

// toggleFile activates or deactivates an agent or command by renaming it
func (e *Engine) toggleFile(src resource.Resource, active bool) (*outcome, error) {
	data, _, err := readSource(src)
	if err != nil {
		return nil, err
	}
	from := src.FilePath
	to := layout.DisabledPath(from)
	if active {
		to = layout.EnabledPath(from)
	}
	if to == from {
		return &outcome{targetPath: from, targetID: src.ID, unchanged: true}, nil
	}
	if fsutil.Exists(to) {
		return nil, fail(CodeConflict, "%s already exists", to)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, err
	}

	base, _ := e.layout.ScopeBase(src.Scope, src.ProjectPath)
	return &outcome{
		targetPath: to,
		targetID:   src.ID,
		change: changes.Change{
			ResourceID:   src.ID,
			ChangeType:   changes.TypeModify,
			AfterContent: string(data),
			ScopePath:    base,
			FilePath:     to,
			Related:      []changes.FileState{{Path: from, Before: changes.Content(string(data))}},
		},
		rollback: func() error { return os.Rename(to, from) },
	}, nil
}
