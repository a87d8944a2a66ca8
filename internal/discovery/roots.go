package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/registry"
	"github.com/gurisko/scopectl/internal/resource"
)

var (
	// ErrNoRoots is returned when no scope root is configured
	ErrNoRoots = errors.New("no scope roots configured")
	// ErrRootInaccessible is returned when the only root cannot be read
	ErrRootInaccessible = errors.New("scope root is not accessible")
)

// RootSource produces the ordered roots for one scan
type RootSource interface {
	Resolve(ctx context.Context) ([]layout.Root, error)
}

// ProjectLister is the part of the registry the resolver needs
type ProjectLister interface {
	List() []*registry.Project
}

// ResolverConfig lists where roots come from
type ResolverConfig struct {
	UserRoot    string
	UserExclude []string
	BuiltinRoot string
	// Projects are extra project directories from configuration
	Projects []string
	// WorkDir, when set, adds the enclosing git worktree as a project root
	WorkDir string
}

// Resolver builds the root list in priority order: user root, registered
// projects, configured projects, the working repository, then builtin.
// Duplicate roots (by canonical path) keep their first position.
type Resolver struct {
	cfg      ResolverConfig
	projects ProjectLister
	logger   *log.Logger
}

// NewResolver creates a Resolver. projects may be nil.
func NewResolver(cfg ResolverConfig, projects ProjectLister, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default().WithPrefix("roots")
	}
	return &Resolver{cfg: cfg, projects: projects, logger: logger}
}

// Resolve returns the roots for a scan. Missing roots are kept so the scan
// reports them; resolution only fails when there is nothing to scan.
func (r *Resolver) Resolve(ctx context.Context) ([]layout.Root, error) {
	var roots []layout.Root
	seen := map[string]bool{}
	add := func(path string, scope resource.Scope, exclude []string) {
		if path == "" {
			return
		}
		canonical := canonicalPath(path)
		if seen[canonical] {
			r.logger.Debug("duplicate root skipped", "path", path, "canonical", canonical)
			return
		}
		seen[canonical] = true
		roots = append(roots, layout.Root{Path: canonical, Scope: scope, Exclude: exclude})
	}

	add(r.cfg.UserRoot, resource.ScopeUser, r.cfg.UserExclude)
	if r.projects != nil {
		for _, p := range r.projects.List() {
			add(p.Path, resource.ScopeProject, p.Exclude)
		}
	}
	for _, p := range r.cfg.Projects {
		add(p, resource.ScopeProject, nil)
	}
	if r.cfg.WorkDir != "" {
		if repo, err := WorkingRepo(r.cfg.WorkDir); err == nil {
			add(repo, resource.ScopeProject, nil)
		} else {
			r.logger.Debug("no working repository", "dir", r.cfg.WorkDir, "err", err)
		}
	}
	add(r.cfg.BuiltinRoot, resource.ScopeBuiltin, nil)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	if len(roots) == 1 {
		if _, err := os.ReadDir(roots[0].Path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRootInaccessible, roots[0].Path, err)
		}
	}
	return roots, nil
}

// WorkingRepo returns the worktree root of the git repository enclosing dir
func WorkingRepo(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	return wt.Filesystem.Root(), nil
}

// StaticRoots is a RootSource over a fixed list
type StaticRoots []layout.Root

func (s StaticRoots) Resolve(ctx context.Context) ([]layout.Root, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, ErrNoRoots
	}
	return s, nil
}

func canonicalPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
