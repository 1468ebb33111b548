package eventstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

func canonicalCfg(t *testing.T, root string) *pathcfg.Config {
	t.Helper()
	return &pathcfg.Config{
		RepoRoot:  root,
		WUDir:     filepath.Join(root, pathcfg.DefaultWUDir),
		StateDir:  filepath.Join(root, pathcfg.DefaultStateDir),
		StampsDir: filepath.Join(root, pathcfg.DefaultStampsDir),
	}
}

func TestCutoverNoopWithoutLegacyTrigger(t *testing.T) {
	root := t.TempDir()
	cfg := canonicalCfg(t, root)
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, yamlstore.Save(filepath.Join(cfg.WUDir, "WU-1.yaml"), &wu.WU{
		ID: "WU-1", Title: "t", Lane: "l", Status: wu.StatusInProgress,
	}))

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RunCutoverIfNeeded(cfg, now))

	_, err := os.Stat(cfg.CutoverMarkerPath())
	require.True(t, os.IsNotExist(err), "cutover should not run without a legacy trigger")

	store := Open(cfg.EventsPath())
	events, err := store.ForWU("WU-1")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCutoverTriggeredByLegacyRegistry(t *testing.T) {
	root := t.TempDir()
	cfg := canonicalCfg(t, root)
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StampsDir, 0755))
	require.NoError(t, yamlstore.Save(filepath.Join(cfg.WUDir, "WU-1.yaml"), &wu.WU{
		ID: "WU-1", Title: "t", Lane: "l", Status: wu.StatusInProgress,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StateDir, "spawn-registry.jsonl"), []byte(`{"wuId":"WU-1"}`+"\n"), 0644))

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RunCutoverIfNeeded(cfg, now))

	_, err := os.Stat(cfg.CutoverMarkerPath())
	require.NoError(t, err)

	marker, err := os.ReadFile(cfg.CutoverMarkerPath())
	require.NoError(t, err)
	require.Contains(t, string(marker), "archiveDir")
	require.Contains(t, string(marker), "bootstrapEvents")

	_, err = os.Stat(filepath.Join(cfg.StateDir, "spawn-registry.jsonl"))
	require.True(t, os.IsNotExist(err), "legacy registry should be moved out of state dir")

	store := Open(cfg.EventsPath())
	events, err := store.ForWU("WU-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, wu.EventClaim, events[0].Type)
}

func TestCutoverTriggeredBySpawnEvent(t *testing.T) {
	root := t.TempDir()
	cfg := canonicalCfg(t, root)
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StampsDir, 0755))
	require.NoError(t, yamlstore.Save(filepath.Join(cfg.WUDir, "WU-7.yaml"), &wu.WU{
		ID: "WU-7", Title: "t", Lane: "l", Status: wu.StatusDone, Locked: true,
		CompletedAt: "2026-07-29T00:00:00Z", Completed: "2026-07-29",
	}))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StampsDir, "WU-7.done"), nil, 0644))

	legacyStore := Open(cfg.EventsPath())
	require.NoError(t, legacyStore.Append(wu.Event{Type: wu.EventSpawn, WUID: "WU-7", Timestamp: "t0"}))

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RunCutoverIfNeeded(cfg, now))

	archiveEntries, err := os.ReadDir(filepath.Join(cfg.StateDir, "archive"))
	require.NoError(t, err)
	require.Len(t, archiveEntries, 1)

	store := Open(cfg.EventsPath())
	events, err := store.ForWU("WU-7")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, wu.EventClaim, events[0].Type)
	require.Equal(t, wu.EventComplete, events[1].Type)
}

func TestCutoverIsIdempotent(t *testing.T) {
	root := t.TempDir()
	cfg := canonicalCfg(t, root)
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0755))
	require.NoError(t, yamlstore.Save(filepath.Join(cfg.WUDir, "WU-1.yaml"), &wu.WU{
		ID: "WU-1", Title: "t", Lane: "l", Status: wu.StatusReady,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StateDir, "spawn-registry.jsonl"), []byte(`{}`+"\n"), 0644))

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RunCutoverIfNeeded(cfg, now))
	require.NoError(t, RunCutoverIfNeeded(cfg, now))

	archiveEntries, err := os.ReadDir(filepath.Join(cfg.StateDir, "archive"))
	require.NoError(t, err)
	require.Len(t, archiveEntries, 1, "second call must observe the marker and do nothing")
}

func TestCutoverSkipsNonCanonicalStateDir(t *testing.T) {
	root := t.TempDir()
	cfg := canonicalCfg(t, root)
	cfg.StateDir = filepath.Join(root, "custom-state")
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StateDir, "spawn-registry.jsonl"), []byte(`{}`+"\n"), 0644))

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RunCutoverIfNeeded(cfg, now))

	_, err := os.Stat(cfg.CutoverMarkerPath())
	require.True(t, os.IsNotExist(err), "cutover must not run against a non-canonical state dir")
}
