package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/scopectl/internal/kvstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, store kvstore.Store, opts Options) (*Cache[[]string], *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts.TTL = time.Hour
	opts.RefreshThreshold = 10 * time.Minute
	opts.Now = clk.Now
	return New[[]string](store, opts), clk
}

func TestSetGetExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{})
	key := Key("all")
	assert.Equal(t, "resource-cache:all", key)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	assert.True(t, c.IsStale(ctx, key, 0))

	require.NoError(t, c.Set(ctx, key, []string{"agent:foo"}))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []string{"agent:foo"}, got)
	assert.False(t, c.IsStale(ctx, key, 0))

	clk.Advance(11 * time.Minute)
	assert.True(t, c.IsStale(ctx, key, 0))
	assert.False(t, c.IsStale(ctx, key, 30*time.Minute))
	_, ok = c.Get(ctx, key)
	assert.True(t, ok, "stale but within TTL is still valid")

	clk.Advance(time.Hour)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestVersionMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	old, _ := newTestCache(t, store, Options{Version: 1})
	require.NoError(t, old.Set(ctx, Key("all"), []string{"x"}))

	current, _ := newTestCache(t, store, Options{Version: 2})
	_, ok := current.Get(ctx, Key("all"))
	assert.False(t, ok)
}

func TestRemoveAndClearAll(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	c, _ := newTestCache(t, store, Options{})
	require.NoError(t, c.Set(ctx, Key("user"), []string{"a"}))
	require.NoError(t, c.Set(ctx, Key("project"), []string{"b"}))
	require.NoError(t, store.Set(ctx, "unrelated", []byte("keep")))

	require.NoError(t, c.Remove(ctx, Key("user")))
	_, ok := c.Get(ctx, Key("user"))
	assert.False(t, ok)

	require.NoError(t, c.ClearAll(ctx))
	_, ok = c.Get(ctx, Key("project"))
	assert.False(t, ok)
	v, err := store.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(v))
}

func TestGetOrFetch_StaleServesThenRefreshes(t *testing.T) {
	ctx := context.Background()
	var updates atomic.Int32
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{
		OnUpdate: func(string) { updates.Add(1) },
	})
	key := Key("all")

	generation := 0
	fetch := func(context.Context) ([]string, error) {
		generation++
		return []string{"gen", string(rune('0' + generation))}, nil
	}

	v, src, err := c.GetOrFetch(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, src)
	assert.Equal(t, []string{"gen", "1"}, v)

	v, src, err = c.GetOrFetch(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, []string{"gen", "1"}, v)

	clk.Advance(15 * time.Minute)
	v, src, err = c.GetOrFetch(ctx, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceStale, src)
	assert.Equal(t, []string{"gen", "1"}, v)

	c.Wait()
	assert.Equal(t, int32(1), updates.Load())
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []string{"gen", "2"}, got)
}

func TestGetOrFetch_RefreshFailureKeepsStale(t *testing.T) {
	ctx := context.Background()
	var warned atomic.Int32
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{
		OnWarning: func(string, error) { warned.Add(1) },
		OnUpdate:  func(string) { t.Error("unexpected update") },
	})
	key := Key("all")
	require.NoError(t, c.Set(ctx, key, []string{"old"}))

	clk.Advance(20 * time.Minute)
	v, src, err := c.GetOrFetch(ctx, key, func(context.Context) ([]string, error) {
		return nil, errors.New("disk on fire")
	})
	require.NoError(t, err)
	assert.Equal(t, SourceStale, src)
	assert.Equal(t, []string{"old"}, v)

	c.Wait()
	assert.Equal(t, int32(1), warned.Load())
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []string{"old"}, got)
}

func TestGetOrFetch_ExpiredFetchesSynchronously(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{})
	key := Key("all")
	require.NoError(t, c.Set(ctx, key, []string{"old"}))
	clk.Advance(2 * time.Hour)

	v, src, err := c.GetOrFetch(ctx, key, func(context.Context) ([]string, error) {
		return []string{"new"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, src)
	assert.Equal(t, []string{"new"}, v)

	_, _, err = c.GetOrFetch(ctx, Key("other"), func(context.Context) ([]string, error) {
		return nil, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestGetOrFetch_SingleBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{})
	key := Key("all")
	require.NoError(t, c.Set(ctx, key, []string{"old"}))
	clk.Advance(15 * time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"new"}, nil
	}

	for range 5 {
		_, src, err := c.GetOrFetch(ctx, key, fetch)
		require.NoError(t, err)
		assert.Equal(t, SourceStale, src)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

type failingStore struct{ kvstore.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("io error")
}

func TestStorageErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, failingStore{kvstore.NewMemory()}, Options{})

	v, src, err := c.GetOrFetch(ctx, Key("all"), func(context.Context) ([]string, error) {
		return []string{"fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, src)
	assert.Equal(t, []string{"fresh"}, v)
}

func TestGetOrFetch_InvalidationDuringFetchDropsResult(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemory(), Options{})
	key := Key("all")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan []string)
	go func() {
		v, _, err := c.GetOrFetch(ctx, key, func(context.Context) ([]string, error) {
			close(started)
			<-release
			return []string{"before-change"}, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	require.NoError(t, c.ClearAll(ctx))
	close(release)
	assert.Equal(t, []string{"before-change"}, <-done)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok, "a scan that began before the invalidation must not be cached")

	v, src, err := c.GetOrFetch(ctx, key, func(context.Context) ([]string, error) {
		return []string{"after-change"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, src)
	assert.Equal(t, []string{"after-change"}, v)
}

func TestBackgroundRefresh_InvalidatedSkipsUpdate(t *testing.T) {
	ctx := context.Background()
	var updates atomic.Int32
	c, clk := newTestCache(t, kvstore.NewMemory(), Options{
		OnUpdate: func(string) { updates.Add(1) },
	})
	key := Key("all")
	require.NoError(t, c.Set(ctx, key, []string{"old"}))
	clk.Advance(15 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	_, src, err := c.GetOrFetch(ctx, key, func(context.Context) ([]string, error) {
		close(started)
		<-release
		return []string{"stale-scan"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceStale, src)

	<-started
	require.NoError(t, c.Remove(ctx, key))
	close(release)
	c.Wait()

	assert.Zero(t, updates.Load())
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}
