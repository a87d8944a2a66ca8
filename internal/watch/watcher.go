// Package watch notices edits below scope roots and reports them after a
// quiet period, so cached scans can be dropped without polling.
package watch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// defaultIgnores are editor and OS noise that never affect a scan
var defaultIgnores = []string{
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
	"**/.*.tmp",
}

// Config holds the parameters for a Watcher
type Config struct {
	// Roots are the directories to watch recursively
	Roots []string
	// Ignore are doublestar patterns matched against root-relative paths.
	// Matching directories are not watched at all.
	Ignore []string
	// Relevant, when set, filters which root-relative file paths count as a
	// change. Directory creation always counts.
	Relevant func(rel string) bool
	// Debounce is the quiet period before OnChange fires
	Debounce time.Duration
	// OnChange receives the sorted absolute paths changed since the last call
	OnChange func(ctx context.Context, changed []string) error
	Logger   *log.Logger
}

// Watcher fires a debounced callback when relevant files change. Run must be
// called exactly once.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	roots    []string
	ignores  []string
	debounce time.Duration
	logger   *log.Logger
	started  atomic.Bool
}

// IgnoreDirs turns directory names into patterns that skip those
// directories and everything below them at any depth
func IgnoreDirs(names []string) []string {
	out := make([]string, 0, 2*len(names))
	for _, n := range names {
		out = append(out, "**/"+n, "**/"+n+"/**")
	}
	return out
}

// New creates a Watcher and registers every non-ignored directory below the
// roots. Roots that do not exist are skipped.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("watch: no roots")
	}
	for _, pat := range cfg.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("watch: invalid ignore pattern %q", pat)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("watch")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve root %s: %w", r, err)
		}
		roots = append(roots, abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		roots:    roots,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		logger:   logger,
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks. It
// returns nil on cancellation and an error if the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire skips while a previous callback is still running and retries
	// after another quiet period so pending paths are not lost
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				w.logger.Warn("change callback failed", "err", err)
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: event channel closed unexpectedly")
			}
			if !w.relevant(evt) {
				continue
			}
			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: error channel closed unexpectedly")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// relevant decides whether evt counts as a change, registering new
// directories on the way
func (w *Watcher) relevant(evt fsnotify.Event) bool {
	if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
		return false
	}
	rel, ok := w.rel(evt.Name)
	if !ok || w.isIgnored(rel) {
		return false
	}
	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.addTree(evt.Name); err != nil {
				w.logger.Warn("watch new directory", "path", evt.Name, "err", err)
			}
			return true
		}
	}
	return w.cfg.Relevant == nil || w.cfg.Relevant(rel)
}

// rel returns name relative to the deepest root containing it
func (w *Watcher) rel(name string) (string, bool) {
	best := ""
	for _, r := range w.roots {
		if (name == r || strings.HasPrefix(name, r+string(filepath.Separator))) && len(r) > len(best) {
			best = r
		}
	}
	if best == "" {
		return "", false
	}
	rel, err := filepath.Rel(best, name)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) addTree(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		w.logger.Debug("not watching missing directory", "path", dir)
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping inaccessible path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && rel != "." && w.isIgnored(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if isFatal(err) {
				return fmt.Errorf("watch: add directory %q: %w", path, err)
			}
			w.logger.Debug("cannot watch directory", "path", path, "err", err)
		}
		return nil
	})
}

func (w *Watcher) isIgnored(rel string) bool {
	for _, pat := range w.ignores {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

// isFatal reports watch-limit and descriptor exhaustion, after which the
// watcher cannot recover
func isFatal(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}
