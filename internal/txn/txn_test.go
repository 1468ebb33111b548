package txn

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitWritesAllFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.jsonl")

	tx := New()
	tx.Stage(a, []byte("a-content\n"), 0644)
	tx.Stage(b, []byte("b-content\n"), 0644)

	require.NoError(t, tx.Commit())
	require.True(t, tx.IsCommitted())

	gotA, err := os.ReadFile(a)
	require.NoError(t, err)
	require.Equal(t, "a-content\n", string(gotA))

	gotB, err := os.ReadFile(b)
	require.NoError(t, err)
	require.Equal(t, "b-content\n", string(gotB))
}

func TestFilesReturnsAllowList(t *testing.T) {
	tx := New()
	tx.Stage("/tmp/a", nil, 0644)
	tx.Stage("/tmp/b", nil, 0644)
	require.Equal(t, []string{"/tmp/a", "/tmp/b"}, tx.Files())
}

func TestCommitRollsBackOnRenameFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	require.NoError(t, os.WriteFile(a, []byte("original\n"), 0644))

	// Make b's target a directory so its rename fails after a has staged.
	bDir := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.Mkdir(bDir, 0755))
	require.NoError(t, os.Mkdir(filepath.Join(bDir, "blocker"), 0755))

	tx := New()
	tx.Stage(a, []byte("updated\n"), 0644)
	tx.Stage(bDir, []byte("new\n"), 0644)

	err := tx.Commit()
	require.Error(t, err)
	require.False(t, tx.IsCommitted())

	got, readErr := os.ReadFile(a)
	require.NoError(t, readErr)
	require.Equal(t, "original\n", string(got), "rollback should restore a's previous content")
}

func TestCommitTwiceReturnsError(t *testing.T) {
	dir := t.TempDir()
	tx := New()
	tx.Stage(filepath.Join(dir, "a.yaml"), []byte("x\n"), 0644)
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())
}

func TestStageAfterCommitPanics(t *testing.T) {
	dir := t.TempDir()
	tx := New()
	tx.Stage(filepath.Join(dir, "a.yaml"), []byte("x\n"), 0644)
	require.NoError(t, tx.Commit())

	require.Panics(t, func() {
		tx.Stage(filepath.Join(dir, "b.yaml"), []byte("y\n"), 0644)
	})
}

func TestCommitRemovesNewFileOnRollbackWhenNoPriorContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "new.yaml")

	bDir := filepath.Join(dir, "blocked.yaml")
	require.NoError(t, os.Mkdir(bDir, 0755))
	require.NoError(t, os.Mkdir(filepath.Join(bDir, "blocker"), 0755))

	tx := New()
	tx.Stage(a, []byte("brand new\n"), 0644)
	tx.Stage(bDir, []byte("new\n"), 0644)

	err := tx.Commit()
	require.Error(t, err)

	_, statErr := os.Stat(a)
	require.True(t, errors.Is(statErr, os.ErrNotExist), "new file should be removed on rollback")
}
