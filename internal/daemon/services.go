//go:build unix

package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gurisko/scopectl/internal/assign"
	"github.com/gurisko/scopectl/internal/cache"
	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/config"
	"github.com/gurisko/scopectl/internal/discovery"
	"github.com/gurisko/scopectl/internal/kvstore"
	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/parser"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
	"github.com/gurisko/scopectl/internal/watch"
)

// scanScope names the one scan the daemon caches: every resolved root
const scanScope = "all"

// services is everything the API handlers call into
type services struct {
	layout    *layout.Layout
	resolver  *discovery.Resolver
	parser    *parser.Parser
	pipeline  *discovery.Pipeline
	publisher *discovery.Publisher
	cache     *cache.Cache[[]resource.Resource]
	tracker   *changes.Tracker
	engine    *assign.Engine
	close     func() error

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// open builds the services from configuration. It is idempotent.
func (d *Daemon) open() error {
	if d.svc != nil {
		return nil
	}
	cfg := d.cfg
	logger := d.logger

	cacheStore, changeStore, closeStore, err := openStores(cfg)
	if err != nil {
		return err
	}

	l := layout.New(cfg.UserRoot, cfg.BuiltinRoot, cfg.ConfigDirName)

	rc := discovery.ResolverConfig{
		UserRoot:    cfg.UserRoot,
		UserExclude: cfg.Scan.UserExclude,
		BuiltinRoot: cfg.BuiltinRoot,
		Projects:    cfg.Projects,
	}
	if cfg.IncludeWorkingRepo {
		if wd, err := os.Getwd(); err == nil {
			rc.WorkDir = wd
		}
	}
	resolver := discovery.NewResolver(rc, d.registry, logger.WithPrefix("roots"))

	sc, err := scanner.New(scanner.Options{
		MaxDepth:         cfg.Scan.MaxDepth,
		Exclude:          cfg.Scan.Exclude,
		RespectGitignore: cfg.Scan.RespectGitignore,
		KeepDirs:         []string{cfg.ConfigDirName},
		Filter:           parser.Wants(cfg.ConfigDirName),
		Logger:           logger.WithPrefix("scanner"),
	})
	if err != nil {
		closeStore()
		return fmt.Errorf("failed to configure scanner: %w", err)
	}

	p := parser.New(l, logger.WithPrefix("parser"))
	pipeline := discovery.NewPipeline(resolver, sc, p, logger.WithPrefix("discovery"))

	svc := &services{
		layout:    l,
		resolver:  resolver,
		parser:    p,
		pipeline:  pipeline,
		publisher: discovery.NewPublisher(pipeline, logger.WithPrefix("publisher")),
		tracker:   changes.NewTracker(changeStore, cfg.Author, logger.WithPrefix("changes")),
		close:     closeStore,
	}
	svc.cache = cache.New[[]resource.Resource](cacheStore, cache.Options{
		TTL:              cfg.Cache.TTL,
		RefreshThreshold: cfg.Cache.RefreshThreshold,
		OnUpdate: func(key string) {
			logger.Debug("cache refreshed", "key", key)
		},
		OnWarning: func(key string, err error) {
			logger.Warn("serving stale resources", "key", key, "err", err)
		},
		Logger: logger.WithPrefix("cache"),
	})
	svc.engine = assign.NewEngine(l, assign.CollectFinder(pipeline.Collect), svc.tracker, assign.Options{
		OnChange: func(c changes.Change) {
			d.invalidate("assignment", c.FilePath)
		},
		Logger: logger.WithPrefix("assign"),
	})

	d.svc = svc
	return nil
}

func openStores(cfg *config.Config) (cacheStore, changeStore kvstore.Store, closeFn func() error, err error) {
	if cfg.Store.Backend == config.BackendMemory {
		return kvstore.NewMemory(), kvstore.NewMemory(), func() error { return nil }, nil
	}
	db, err := kvstore.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	if cacheStore, err = db.Bucket("cache"); err == nil {
		changeStore, err = db.Bucket("changes")
	}
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return cacheStore, changeStore, db.Close, nil
}

func (d *Daemon) closeServices() {
	if d.svc == nil {
		return
	}
	d.stopWatch()
	d.svc.cache.Wait()
	if err := d.svc.close(); err != nil {
		d.logger.Warn("failed to close store", "err", err)
	}
	d.svc = nil
}

// invalidate drops every cached scan after something on disk changed
func (d *Daemon) invalidate(reason string, paths ...string) {
	if err := d.svc.cache.ClearAll(context.Background()); err != nil {
		d.logger.Warn("failed to clear cache", "reason", reason, "err", err)
		return
	}
	d.logger.Debug("cache invalidated", "reason", reason, "paths", paths)
}

// startWatch (re)starts the filesystem watcher over the current roots.
// Failures are logged; the daemon keeps serving with TTL-based expiry.
func (d *Daemon) startWatch(ctx context.Context) {
	if !d.cfg.Watch.Enabled || d.svc == nil {
		return
	}
	d.stopWatch()

	roots, err := d.svc.resolver.Resolve(ctx)
	if err != nil {
		d.logger.Warn("not watching roots", "err", err)
		return
	}
	dirs := make([]string, 0, len(roots))
	for _, r := range roots {
		dirs = append(dirs, r.Path)
	}

	ignore := watch.IgnoreDirs(d.cfg.Scan.Exclude)
	for _, name := range d.cfg.Scan.UserExclude {
		ignore = append(ignore, name, name+"/**")
	}

	w, err := watch.New(watch.Config{
		Roots:    dirs,
		Ignore:   ignore,
		Relevant: parser.Wants(d.cfg.ConfigDirName),
		Debounce: d.cfg.Watch.Debounce,
		OnChange: func(_ context.Context, changed []string) error {
			d.invalidate("filesystem", changed...)
			return nil
		},
		Logger: d.logger.WithPrefix("watch"),
	})
	if err != nil {
		d.logger.Warn("failed to start watcher", "err", err)
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.svc.watchMu.Lock()
	d.svc.watchCancel, d.svc.watchDone = cancel, done
	d.svc.watchMu.Unlock()

	go func() {
		defer close(done)
		if err := w.Run(wctx); err != nil {
			d.logger.Error("watcher stopped", "err", err)
		}
	}()
	d.logger.Debug("watching roots", "count", len(dirs))
}

// rewatch picks up a changed root set while the daemon is serving
func (d *Daemon) rewatch() {
	if d.runCtx != nil {
		d.startWatch(d.runCtx)
	}
}

func (d *Daemon) stopWatch() {
	d.svc.watchMu.Lock()
	cancel, done := d.svc.watchCancel, d.svc.watchDone
	d.svc.watchCancel, d.svc.watchDone = nil, nil
	d.svc.watchMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
