package gitcli

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@lumenflow.dev")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestForPathStatusClean(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	status, err := g.GetStatus()
	require.NoError(t, err)
	require.True(t, status.Clean)
}

func TestForPathStatusDirty(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	status, err := g.GetStatus()
	require.NoError(t, err)
	require.False(t, status.Clean)
	require.Contains(t, status.Untracked, "a.txt")
}

func TestWorktreeAddAndRemove(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	wtPath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, g.WorktreeAdd(wtPath, "tmp/test-1", "main"))

	wtGit := ForPath(wtPath)
	branch, err := wtGit.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "tmp/test-1", branch)

	require.NoError(t, g.WorktreeRemove(wtPath, true))
	require.NoError(t, g.DeleteBranch("tmp/test-1", true))
}

func TestMergeTreeCheckDetectsConflict(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	// branch A changes line 1
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Feature\n"), 0644))
	run("commit", "-am", "feature change")
	run("checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Main\n"), 0644))
	run("commit", "-am", "main change")

	conflict, err := g.MergeTreeCheck("main", "feature")
	require.NoError(t, err)
	require.True(t, conflict)
}

func TestGetConfigValueMissingKeyReturnsEmpty(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	val, err := g.GetConfigValue("lumenflow.nonexistent")
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestIsAncestor(t *testing.T) {
	dir := initTestRepo(t)
	g := ForPath(dir)

	head, err := g.GetCommitHash("HEAD")
	require.NoError(t, err)

	yes, err := g.IsAncestor(head, "HEAD")
	require.NoError(t, err)
	require.True(t, yes)
}
