// Package cache stores scan results in a kvstore with time-based validity.
//
// An entry younger than the refresh threshold is served as is. An entry past
// the threshold but within its TTL is served immediately while one background
// refresh replaces it. An expired or missing entry is fetched synchronously.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/gurisko/scopectl/internal/kvstore"
)

// SchemaVersion is bumped whenever the cached payload shape changes
const SchemaVersion = 1

const keyPrefix = "resource-cache:"

const (
	DefaultTTL              = 10 * time.Minute
	DefaultRefreshThreshold = 2 * time.Minute
)

// Key returns the storage key for a scan scope
func Key(scope string) string { return keyPrefix + scope }

// Entry is what gets persisted for one key
type Entry[T any] struct {
	Data      T         `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Version   int       `json:"version"`
}

// Source tells where GetOrFetch got its value
type Source string

const (
	SourceCache Source = "cache"
	SourceStale Source = "stale"
	SourceFetch Source = "fetch"
)

// Options configures a Cache
type Options struct {
	TTL              time.Duration
	RefreshThreshold time.Duration
	// Version overrides SchemaVersion, mostly for tests
	Version int
	Now     func() time.Time
	// OnUpdate fires after a background refresh replaced an entry
	OnUpdate func(key string)
	// OnWarning fires when a background refresh fails; the stale entry stays
	OnWarning func(key string, err error)
	Logger    *log.Logger
}

// Cache is safe for concurrent use
type Cache[T any] struct {
	store kvstore.Store
	opts  Options
	group singleflight.Group
	wg    sync.WaitGroup
	// gen advances on every Remove and ClearAll; a fetch that straddles one
	// does not store its result. mu orders invalidation against those stores.
	mu  sync.Mutex
	gen atomic.Uint64
}

// New creates a Cache over store
func New[T any](store kvstore.Store, opts Options) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RefreshThreshold <= 0 || opts.RefreshThreshold >= opts.TTL {
		opts.RefreshThreshold = min(DefaultRefreshThreshold, opts.TTL/2)
	}
	if opts.Version == 0 {
		opts.Version = SchemaVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("cache")
	}
	return &Cache[T]{store: store, opts: opts}
}

// Set stores data under key with the current time
func (c *Cache[T]) Set(ctx context.Context, key string, data T) error {
	raw, err := json.Marshal(Entry[T]{Data: data, Timestamp: c.opts.Now(), Version: c.opts.Version})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.store.Set(ctx, key, raw)
}

// load returns the raw entry regardless of validity. Storage and decode
// failures count as a miss.
func (c *Cache[T]) load(ctx context.Context, key string) (Entry[T], bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.opts.Logger.Warn("cache read failed", "key", key, "err", err)
		}
		return Entry[T]{}, false
	}
	var e Entry[T]
	if err := json.Unmarshal(raw, &e); err != nil {
		c.opts.Logger.Warn("discarding undecodable cache entry", "key", key, "err", err)
		return Entry[T]{}, false
	}
	return e, true
}

func (c *Cache[T]) age(e Entry[T]) time.Duration {
	return max(c.opts.Now().Sub(e.Timestamp), 0)
}

func (c *Cache[T]) valid(e Entry[T]) bool {
	return e.Version == c.opts.Version && c.age(e) < c.opts.TTL
}

// Get returns the entry's data if it is valid
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	e, ok := c.load(ctx, key)
	if !ok || !c.valid(e) {
		var zero T
		return zero, false
	}
	return e.Data, true
}

// IsStale reports whether key is missing, invalid or older than threshold.
// A zero threshold uses the configured refresh threshold.
func (c *Cache[T]) IsStale(ctx context.Context, key string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = c.opts.RefreshThreshold
	}
	e, ok := c.load(ctx, key)
	if !ok || !c.valid(e) {
		return true
	}
	return c.age(e) > threshold
}

// Remove deletes key
func (c *Cache[T]) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	return c.store.Remove(ctx, key)
}

// ClearAll deletes every cached entry
func (c *Cache[T]) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	keys, err := c.store.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// GetOrFetch serves key from the cache when possible and falls back to
// fetch. Concurrent fetches of one key are collapsed into a single call.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, Source, error) {
	if e, ok := c.load(ctx, key); ok && c.valid(e) {
		if c.age(e) <= c.opts.RefreshThreshold {
			return e.Data, SourceCache, nil
		}
		c.refreshInBackground(ctx, key, fetch)
		return e.Data, SourceStale, nil
	}

	gen := c.gen.Load()
	v, err, _ := c.group.Do(flightKey(key, gen), func() (any, error) {
		data, _, err := c.fetchAndStore(ctx, key, gen, fetch)
		return data, err
	})
	if err != nil {
		var zero T
		return zero, SourceFetch, err
	}
	return v.(T), SourceFetch, nil
}

// flightKey keeps callers arriving after an invalidation from joining a
// fetch that started before it
func flightKey(key string, gen uint64) string {
	return key + "#" + strconv.FormatUint(gen, 10)
}

// fetchAndStore reports whether the result was stored. It is not when the
// cache was invalidated while fetch ran.
func (c *Cache[T]) fetchAndStore(ctx context.Context, key string, gen uint64, fetch func(context.Context) (T, error)) (T, bool, error) {
	data, err := fetch(ctx)
	if err != nil {
		return data, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		c.opts.Logger.Debug("cache invalidated during fetch, dropping result", "key", key)
		return data, false, nil
	}
	if err := c.Set(ctx, key, data); err != nil {
		c.opts.Logger.Warn("cache write failed", "key", key, "err", err)
		return data, false, nil
	}
	return data, true, nil
}

func (c *Cache[T]) refreshInBackground(ctx context.Context, key string, fetch func(context.Context) (T, error)) {
	ctx = context.WithoutCancel(ctx)
	gen := c.gen.Load()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _, _ = c.group.Do(flightKey(key, gen), func() (any, error) {
			data, stored, err := c.fetchAndStore(ctx, key, gen, fetch)
			if err != nil {
				c.opts.Logger.Warn("background refresh failed, keeping stale entry", "key", key, "err", err)
				if c.opts.OnWarning != nil {
					c.opts.OnWarning(key, err)
				}
				return nil, err
			}
			if !stored {
				return data, nil
			}
			c.opts.Logger.Debug("background refresh complete", "key", key)
			if c.opts.OnUpdate != nil {
				c.opts.OnUpdate(key)
			}
			return data, nil
		})
	}()
}

// Wait blocks until background refreshes started so far have finished
func (c *Cache[T]) Wait() {
	c.wg.Wait()
}
