package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "resource-cache:all", []byte("v1")))
	require.NoError(t, s.Set(ctx, "resource-cache:all", []byte("v2")))
	require.NoError(t, s.Set(ctx, "resource-cache:user", []byte("u")))
	require.NoError(t, s.Set(ctx, "other", []byte("o")))

	v, err := s.Get(ctx, "resource-cache:all")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	keys, err := s.Keys(ctx, "resource-cache:")
	require.NoError(t, err)
	assert.Equal(t, []string{"resource-cache:all", "resource-cache:user"}, keys)

	require.NoError(t, s.Remove(ctx, "resource-cache:user"))
	_, err = s.Get(ctx, "resource-cache:user")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Clear(ctx))
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemory())
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "k", []byte("abc")))
	v, _ := m.Get(ctx, "k")
	v[0] = 'z'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestSQLiteStore(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := db.Bucket("cache")
	require.NoError(t, err)
	testStoreContract(t, b)
}

func TestSQLiteBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := db.Bucket("cache")
	require.NoError(t, err)
	history, err := db.Bucket("changes")
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "k", []byte("c")))
	require.NoError(t, history.Set(ctx, "k", []byte("h")))
	require.NoError(t, cache.Clear(ctx))

	v, err := history.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "h", string(v))

	_, err = db.Bucket("Bad Name")
	assert.Error(t, err)
}
