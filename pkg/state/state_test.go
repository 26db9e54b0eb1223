package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db")
	p, err := Init(root)
	require.NoError(t, err)
	for _, dir := range []string{p.Store, p.Audit, p.Compaction, p.Logs, p.Tmp} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
	// idempotent
	_, err = Init(root)
	assert.NoError(t, err)
}

func TestInitRejectsFileInPlaceOfDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "store"), []byte("x"), 0o600))
	_, err := Init(root)
	assert.Error(t, err)
}

func TestInitRejectsSymlink(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "store")))
	_, err := Init(root)
	assert.Error(t, err)
}
