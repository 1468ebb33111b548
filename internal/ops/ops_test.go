package ops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// shared and fakeGit mirror the pipeline package's test harness: a real
// recursive file copy standing in for `git worktree add`/`git merge --ff-only`
// so the micro-worktree protocol can be exercised without a real git binary.
type shared struct {
	mainRoot   string
	worktreeOf map[string]string
	merged     []string
	pushed     int
}

type fakeGit struct {
	workDir string
	s       *shared
}

func (f *fakeGit) Fetch(string) error               { return nil }
func (f *fakeGit) FetchBranch(string, string) error { return nil }
func (f *fakeGit) GetCommitHash(string) (string, error) { return "abc123", nil }
func (f *fakeGit) RevList(args ...string) (string, error) {
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--left-right") {
		return "0\t0", nil
	}
	return "", nil
}
func (f *fakeGit) Raw(...string) (string, error)                  { return "", nil }
func (f *fakeGit) MergeBase(string, string) (string, error)       { return "abc123", nil }
func (f *fakeGit) ListTreeAtRef(string, string) ([]string, error) { return nil, nil }
func (f *fakeGit) ShowFileAtRef(string, string) (string, error)   { return "", nil }
func (f *fakeGit) GetStatus() (*gitcli.Status, error)             { return &gitcli.Status{Clean: true}, nil }
func (f *fakeGit) Add(...string) error                            { return nil }
func (f *fakeGit) Commit(string) error                            { return nil }
func (f *fakeGit) Push(string, string, ...string) error {
	f.s.pushed++
	return nil
}
func (f *fakeGit) Rebase(string) error { return nil }
func (f *fakeGit) Merge(branch string, flags ...string) error {
	f.s.merged = append(f.s.merged, branch)
	if wt, ok := f.s.worktreeOf[branch]; ok {
		return copyTree(wt, f.s.mainRoot)
	}
	return nil
}
func (f *fakeGit) WorktreeAdd(path, branch, from string) error {
	if err := copyTree(f.s.mainRoot, path); err != nil {
		return err
	}
	if f.s.worktreeOf == nil {
		f.s.worktreeOf = map[string]string{}
	}
	f.s.worktreeOf[branch] = path
	return nil
}
func (f *fakeGit) WorktreeRemove(path string, force bool) error { return os.RemoveAll(path) }
func (f *fakeGit) BranchExists(string) (bool, error)            { return false, nil }
func (f *fakeGit) DeleteBranch(string, bool) error              { return nil }
func (f *fakeGit) GetConfigValue(string) (string, error)        { return "", nil }
func (f *fakeGit) CurrentBranch() (string, error)               { return "main", nil }
func (f *fakeGit) IsAncestor(string, string) (bool, error)      { return false, nil }
func (f *fakeGit) MergeTreeCheck(string, string) (bool, error)  { return false, nil }
func (f *fakeGit) WorkDir() string                              { return f.workDir }

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			return nil
		}
		worktreesPrefix := filepath.Join(".lumenflow", "worktrees")
		if rel == worktreesPrefix || strings.HasPrefix(rel, worktreesPrefix+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}

func newTestCfg(t *testing.T) *pathcfg.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &pathcfg.Config{
		RepoRoot:             root,
		WUDir:                filepath.Join(root, "wu"),
		StateDir:             filepath.Join(root, ".lumenflow", "state"),
		StampsDir:            filepath.Join(root, ".lumenflow", "stamps"),
		WorktreesDir:         filepath.Join(root, ".lumenflow", "worktrees"),
		StatusDir:            filepath.Join(root, ".lumenflow"),
		DescriptionMinLength: 10,
		Offline:              true,
	}
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StampsDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.WorktreesDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StatusDir, 0755))
	return cfg
}

func fixedNow() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }

func newCommon(cfg *pathcfg.Config, s *shared, g *fakeGit) Common {
	return Common{
		Cfg:            cfg,
		Main:           g,
		Now:            fixedNow,
		NewWorktreeGit: func(path string) gitcli.Git { return &fakeGit{workDir: path, s: s} },
	}
}

func TestCreateAllocatesFirstID(t *testing.T) {
	cfg := newTestCfg(t)
	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	created, err := Create(CreateOptions{
		Common: newCommon(cfg, s, g),
		Lane:          "Core: Tooling",
		Title:         "Add retry loop",
		Description:   "a sufficiently long description of the work",
		Type:          wu.TypeEngineering,
	})
	require.NoError(t, err)
	require.Equal(t, "WU-1", created.ID)
	require.Equal(t, wu.StatusReady, created.Status)

	onDisk, err := yamlstore.Load(cfg.YAMLPath("WU-1"))
	require.NoError(t, err)
	require.Equal(t, "Add retry loop", onDisk.Title)

	store := eventstore.Open(cfg.EventsPath())
	status, found, err := store.Status("WU-1")
	require.NoError(t, err)
	require.False(t, found, "create does not itself mutate lifecycle status")
	_ = status
}

func TestCreateAllocatesSecondIDAfterFirst(t *testing.T) {
	cfg := newTestCfg(t)
	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}
	common := newCommon(cfg, s, g)

	first, err := Create(CreateOptions{Common: common, Lane: "Core", Title: "a", Description: "a sufficiently long description", Type: wu.TypeDocumentation})
	require.NoError(t, err)
	require.Equal(t, "WU-1", first.ID)

	second, err := Create(CreateOptions{Common: common, Lane: "Core", Title: "b", Description: "a sufficiently long description", Type: wu.TypeDocumentation})
	require.NoError(t, err)
	require.Equal(t, "WU-2", second.ID)
}

func TestClaimTransitionsReadyToInProgress(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-1", Title: "x", Lane: "Core", Status: wu.StatusReady}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	claimed, err := Claim(ClaimOptions{Common: newCommon(cfg, s, g), WUID: w.ID})
	require.NoError(t, err)
	require.Equal(t, wu.StatusInProgress, claimed.Status)
	require.NotEmpty(t, claimed.ClaimedAt)

	onDisk, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Equal(t, wu.StatusInProgress, onDisk.Status)

	store := eventstore.Open(cfg.EventsPath())
	status, found, err := store.Status(w.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wu.StatusInProgress, status)
}

func TestReleaseTransitionsInProgressToReady(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-1", Title: "x", Lane: "Core", Status: wu.StatusInProgress, ClaimedAt: "2026-07-29T00:00:00Z"}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	released, err := Release(ReleaseOptions{Common: newCommon(cfg, s, g), WUID: w.ID})
	require.NoError(t, err)
	require.Equal(t, wu.StatusReady, released.Status)

	onDisk, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Equal(t, wu.StatusReady, onDisk.Status)
}

func TestBlockTransitionsToBlockedWithReason(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-1", Title: "x", Lane: "Core", Status: wu.StatusInProgress}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	blocked, err := Block(BlockOptions{Common: newCommon(cfg, s, g), WUID: w.ID, Reason: "waiting on upstream API"})
	require.NoError(t, err)
	require.Equal(t, wu.StatusBlocked, blocked.Status)

	onDisk, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Equal(t, wu.StatusBlocked, onDisk.Status)

	store := eventstore.Open(cfg.EventsPath())
	events, err := store.ForWU(w.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "waiting on upstream API", events[0].Reason)
}

func TestUnblockTransitionsToInProgress(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-1", Title: "x", Lane: "Core", Status: wu.StatusBlocked}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	unblocked, err := Unblock(UnblockOptions{Common: newCommon(cfg, s, g), WUID: w.ID})
	require.NoError(t, err)
	require.Equal(t, wu.StatusInProgress, unblocked.Status)
}
