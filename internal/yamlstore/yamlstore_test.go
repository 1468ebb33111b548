package yamlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/wu"
)

func sampleWU() *wu.WU {
	return &wu.WU{
		ID:          "WU-100",
		Title:       "Add gitcli worktree support",
		Description: "Implement worktree add/remove on the git adapter.",
		Lane:        "Core: Git",
		Type:        wu.TypeEngineering,
		Status:      wu.StatusReady,
		CodePaths:   []string{"internal/gitcli/gitcli.go"},
		Tests:       wu.Tests{Unit: []string{"internal/gitcli/gitcli_test.go"}},
		Acceptance:  []string{"worktree add creates a checkout at the expected path"},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WU-100.yaml")

	w := sampleWU()
	require.NoError(t, Save(path, w))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, w, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("id: [this is not\n  a scalar"))
	require.Error(t, err)
}

func TestValidateRequiresTitleAndLane(t *testing.T) {
	w := &wu.WU{ID: "WU-1"}
	errs := Validate(w)
	require.Contains(t, errs, "title is required")
	require.Contains(t, errs, "lane is required")
}

func TestValidateRejectsInvalidID(t *testing.T) {
	w := &wu.WU{ID: "not-an-id", Title: "x", Lane: "y"}
	errs := Validate(w)
	require.Len(t, errs, 1)
}

func TestValidateDoneRequiresLockAndTimestamps(t *testing.T) {
	w := &wu.WU{ID: "WU-2", Title: "t", Lane: "l", Status: wu.StatusDone}
	errs := Validate(w)
	require.Contains(t, errs, "status=done requires locked=true (I2)")
	require.Contains(t, errs, "status=done requires completed_at (I2)")
	require.Contains(t, errs, "status=done requires completed (I2)")
}

func TestValidateAcceptsCompleteDoneWU(t *testing.T) {
	w := &wu.WU{
		ID:          "WU-3",
		Title:       "t",
		Lane:        "l",
		Status:      wu.StatusDone,
		Locked:      true,
		CompletedAt: "2026-07-30T10:00:00Z",
		Completed:   "2026-07-30",
	}
	require.Empty(t, Validate(w))
}

func TestMarshalAppendsTrailingNewline(t *testing.T) {
	data, err := Marshal(sampleWU())
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])
}
