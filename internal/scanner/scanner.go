// Package scanner walks scope roots and yields candidate resource files.
//
// The walk is lazy: nothing touches the filesystem until the returned
// iterator is ranged over, and each range starts a fresh traversal. Entries are
// visited depth-first in lexical order so repeated scans of an unchanged tree
// yield identical sequences.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultExcludes are directory patterns never descended into. They match a
// directory's base name or its root-relative path.
var DefaultExcludes = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"__pycache__",
	".venv",
	"venv",
	".tox",
	".mypy_cache",
	".pytest_cache",
	".next",
	".terraform",
}

// DefaultUserExcludes are skipped below the user root only. They hold session
// state rather than configuration.
var DefaultUserExcludes = []string{
	"projects",
	"todos",
	"shell-snapshots",
	"statsig",
	"logs",
	"ide",
}

// Root is one directory to scan
type Root struct {
	Path string
	// Exclude holds extra patterns matched against root-relative paths
	Exclude []string
}

// Candidate is a file found under a root
type Candidate struct {
	// Path is the absolute path as reached by the walk (not symlink-resolved)
	Path string
	// Root is the index of the discovering root in the slice passed to Walk
	Root int
	// RelPath is slash-separated and relative to the root
	RelPath string
}

// RootError reports a root that could not be scanned at all
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string { return fmt.Sprintf("scan root %s: %v", e.Root, e.Err) }
func (e *RootError) Unwrap() error { return e.Err }

// EntryError reports a single unreadable file or directory
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *EntryError) Unwrap() error { return e.Err }

// ErrBrokenSymlink is wrapped by the EntryError for a dangling link
var ErrBrokenSymlink = errors.New("broken symlink")

// Options configures a Scanner
type Options struct {
	// MaxDepth limits directory levels below the root; 0 means unlimited
	MaxDepth int
	// Exclude replaces DefaultExcludes when non-nil
	Exclude []string
	// RespectGitignore prunes directories ignored by .gitignore files
	RespectGitignore bool
	// KeepDirs are directory names never pruned by .gitignore. Patterns
	// from above a kept directory do not apply inside it.
	KeepDirs []string
	// Filter, when set, decides which files are yielded. It receives the
	// root-relative slash path.
	Filter func(relPath string) bool
	Logger *log.Logger
}

// Scanner walks roots according to its options
type Scanner struct {
	opts    Options
	exclude []string
	logger  *log.Logger
}

// New validates the exclusion patterns and returns a Scanner
func New(opts Options) (*Scanner, error) {
	exclude := opts.Exclude
	if exclude == nil {
		exclude = DefaultExcludes
	}
	for _, pat := range exclude {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pat)
		}
	}
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must not be negative, got %d", opts.MaxDepth)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("scanner")
	}
	return &Scanner{opts: opts, exclude: exclude, logger: logger}, nil
}

// Walk returns an iterator over every candidate file below roots, in root
// order. Traversal errors are yielded with a zero Candidate and the walk
// continues; a *RootError means that root was skipped entirely. Once ctx is
// cancelled the iterator stops without yielding anything further.
func (s *Scanner) Walk(ctx context.Context, roots []Root) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for i, root := range roots {
			if ctx.Err() != nil {
				return
			}
			if !s.walkRoot(ctx, i, root, yield) {
				return
			}
		}
	}
}

type walker struct {
	s       *Scanner
	ctx     context.Context
	index   int
	root    Root
	visited map[string]bool
	yield   func(Candidate, error) bool
}

func (s *Scanner) walkRoot(ctx context.Context, index int, root Root, yield func(Candidate, error) bool) bool {
	st, err := os.Stat(root.Path)
	if err == nil && !st.IsDir() {
		err = fmt.Errorf("not a directory")
	}
	if err == nil {
		// Read once up front so an unreadable root is reported as a root failure
		_, err = os.ReadDir(root.Path)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return yield(Candidate{}, &RootError{Root: root.Path, Err: err})
	}

	w := &walker{s: s, ctx: ctx, index: index, root: root, visited: make(map[string]bool), yield: yield}
	if canonical, err := filepath.EvalSymlinks(root.Path); err == nil {
		w.visited[canonical] = true
	}
	return w.walkDir(root.Path, "", 0, nil)
}

// walkDir returns false when the consumer stopped or ctx was cancelled
func (w *walker) walkDir(dir, rel string, depth int, ignores []gitignore.Pattern) bool {
	if w.ctx.Err() != nil {
		return false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// ReadDir may still return the entries read before the failure
		if !w.emitError(dir, err) {
			return false
		}
	}

	if w.s.opts.RespectGitignore {
		ignores = w.loadGitignore(dir, rel, ignores)
	}

	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)
		childRel := path.Join(rel, name)

		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(full)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					err = ErrBrokenSymlink
				}
				if !w.emitError(full, err) {
					return false
				}
				continue
			}
			isDir = target.IsDir()
		}

		if isDir {
			if !w.shouldDescend(full, name, childRel, depth+1, ignores) {
				continue
			}
			childIgnores := ignores
			if slices.Contains(w.s.opts.KeepDirs, name) {
				childIgnores = nil
			}
			if !w.walkDir(full, childRel, depth+1, childIgnores) {
				return false
			}
			continue
		}

		if f := w.s.opts.Filter; f != nil && !f(childRel) {
			continue
		}
		if w.ctx.Err() != nil {
			return false
		}
		if !w.yield(Candidate{Path: full, Root: w.index, RelPath: childRel}, nil) {
			return false
		}
	}
	return true
}

func (w *walker) shouldDescend(full, name, rel string, depth int, ignores []gitignore.Pattern) bool {
	if limit := w.s.opts.MaxDepth; limit > 0 && depth > limit {
		return false
	}
	if matchAny(w.s.exclude, name) || matchAny(w.s.exclude, rel) || matchAny(w.root.Exclude, rel) {
		return false
	}
	if len(ignores) > 0 && !slices.Contains(w.s.opts.KeepDirs, name) {
		if gitignore.NewMatcher(ignores).Match(strings.Split(rel, "/"), true) {
			w.s.logger.Debug("pruned by gitignore", "path", full)
			return false
		}
	}

	canonical, err := filepath.EvalSymlinks(full)
	if err != nil {
		canonical = full
	}
	if w.visited[canonical] {
		w.s.logger.Debug("skipping already visited directory", "path", full, "target", canonical)
		return false
	}
	w.visited[canonical] = true
	return true
}

func (w *walker) loadGitignore(dir, rel string, parent []gitignore.Pattern) []gitignore.Pattern {
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return parent
	}
	var domain []string
	if rel != "" {
		domain = strings.Split(rel, "/")
	}
	// Copy on extend so sibling directories never share appended patterns
	out := parent[:len(parent):len(parent)]
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, gitignore.ParsePattern(line, domain))
	}
	return out
}

func (w *walker) emitError(p string, err error) bool {
	if w.ctx.Err() != nil {
		return false
	}
	w.s.logger.Debug("scan error", "path", p, "err", err)
	return w.yield(Candidate{}, &EntryError{Path: p, Err: err})
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
