package changes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/scopectl/internal/kvstore"
)

func newTracker() *Tracker {
	tr := NewTracker(kvstore.NewMemory(), "tester", nil)
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	return tr
}

func TestRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	first, err := tr.Record(ctx, Change{ResourceID: "agent:foo", ChangeType: TypeCreate, AfterContent: "v1", FilePath: "/x"})
	require.NoError(t, err)
	second, err := tr.Record(ctx, Change{ResourceID: "agent:foo", ChangeType: TypeModify, BeforeContent: Content("v1"), AfterContent: "v2", FilePath: "/x"})
	require.NoError(t, err)
	_, err = tr.Record(ctx, Change{ResourceID: "agent:bar", ChangeType: TypeCreate, FilePath: "/y"})
	require.NoError(t, err)

	history, err := tr.History(ctx, "agent:foo")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
	assert.True(t, history[1].Timestamp.After(history[0].Timestamp))
	assert.Equal(t, "tester", history[0].Author)
	assert.NotEqual(t, first.ID, second.ID)

	empty, err := tr.History(ctx, "agent:none")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = tr.Record(ctx, Change{})
	assert.Error(t, err)
}

func TestRevert_ModifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	path := filepath.Join(t.TempDir(), "foo.md")
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	mod, err := tr.Record(ctx, Change{ResourceID: "agent:foo", ChangeType: TypeModify, BeforeContent: Content("v1"), AfterContent: "v2", FilePath: path})
	require.NoError(t, err)

	restore, err := tr.Revert(ctx, "agent:foo", mod.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeRestore, restore.ChangeType)
	require.NotNil(t, restore.BeforeContent)
	assert.Equal(t, "v2", *restore.BeforeContent)
	assert.Equal(t, "v1", restore.AfterContent)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	history, err := tr.History(ctx, "agent:foo")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, mod.ID, history[0].ID, "history is never rewritten")
	assert.Equal(t, string(data), history[len(history)-1].AfterContent)
}

func TestRevert_CreateDeletesFile(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	path := filepath.Join(t.TempDir(), "agents", "foo.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("new"), 0o644))

	created, err := tr.Record(ctx, Change{ResourceID: "agent:foo@/p", ChangeType: TypeCreate, AfterContent: "new", FilePath: path})
	require.NoError(t, err)

	_, err = tr.Revert(ctx, "agent:foo@/p", created.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestRevert_RestoresRelatedFiles(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	dir := t.TempDir()
	src := filepath.Join(dir, "user", "agents", "foo.md")
	dst := filepath.Join(dir, "proj", ".claude", "agents", "foo.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("body"), 0o644))

	moved, err := tr.Record(ctx, Change{
		ResourceID:   "agent:foo@/proj",
		ChangeType:   TypeCreate,
		AfterContent: "body",
		FilePath:     dst,
		Related:      []FileState{{Path: src, Before: Content("body")}},
	})
	require.NoError(t, err)

	_, err = tr.Revert(ctx, "agent:foo@/proj", moved.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, dst)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestRevert_UnknownChange(t *testing.T) {
	_, err := newTracker().Revert(context.Background(), "agent:foo", "nope")
	assert.ErrorIs(t, err, ErrChangeNotFound)
}
