package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterOrderAndPersist(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "state", "projects.yaml")

	zeta := filepath.Join(dir, "zeta")
	alpha := filepath.Join(dir, "alpha")
	require.NoError(t, os.Mkdir(zeta, 0o755))
	require.NoError(t, os.Mkdir(alpha, 0o755))

	reg, err := New(regPath)
	require.NoError(t, err)

	require.NoError(t, reg.RegisterAndSave(&Project{Path: zeta}))
	require.NoError(t, reg.RegisterAndSave(&Project{Path: alpha, Name: "alpha"}))

	assert.ErrorIs(t, reg.RegisterAndSave(&Project{Path: zeta}), ErrProjectAlreadyExists)
	assert.ErrorIs(t, reg.RegisterAndSave(&Project{Path: filepath.Join(dir, "missing")}), ErrInvalidPath)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "zeta", list[0].Name, "registration order, not name order")
	assert.Equal(t, "alpha", list[1].Name)

	reloaded, err := New(regPath)
	require.NoError(t, err)
	again := reloaded.List()
	require.Len(t, again, 2)
	assert.Equal(t, list[0].ID, again[0].ID)

	removed, err := reloaded.UnregisterAndSave(list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "zeta", removed.Name)

	// Positions keep increasing after a removal
	require.NoError(t, reloaded.RegisterAndSave(&Project{Path: zeta}))
	final := reloaded.List()
	require.Len(t, final, 2)
	assert.Equal(t, "alpha", final[0].Name)
	assert.Greater(t, final[1].Position, final[0].Position)

	_, err = reloaded.Get("nope")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestCanonicalize_RejectsFiles(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err := Canonicalize(f)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
