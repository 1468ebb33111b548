package pipeline

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

// shared is state visible to every fakeGit instance created for one test,
// including the ones minted by NewWorktreeGit for a scratch worktree.
type shared struct {
	mainRoot     string
	worktreeOf   map[string]string
	merged       []string
	pushed       int
	worktreeDels []string
	branchDels   []string
}

type fakeGit struct {
	workDir string
	s       *shared
}

func (f *fakeGit) Fetch(string) error       { return nil }
func (f *fakeGit) FetchBranch(string, string) error { return nil }
func (f *fakeGit) GetCommitHash(string) (string, error) { return "abc123", nil }
func (f *fakeGit) RevList(args ...string) (string, error) {
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "--left-right"):
		return "0\t0", nil
	case strings.Contains(joined, "--merges"):
		return "", nil
	default:
		return "deadbeef", nil
	}
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
func (f *fakeGit) WorktreeRemove(path string, force bool) error {
	f.s.worktreeDels = append(f.s.worktreeDels, path)
	return os.RemoveAll(path)
}
func (f *fakeGit) BranchExists(string) (bool, error) { return false, nil }
func (f *fakeGit) DeleteBranch(name string, force bool) error {
	f.s.branchDels = append(f.s.branchDels, name)
	return nil
}
func (f *fakeGit) GetConfigValue(string) (string, error)      { return "", nil }
func (f *fakeGit) CurrentBranch() (string, error)             { return "main", nil }
func (f *fakeGit) IsAncestor(string, string) (bool, error)    { return false, nil }
func (f *fakeGit) MergeTreeCheck(string, string) (bool, error) { return false, nil }
func (f *fakeGit) WorkDir() string                            { return f.workDir }

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
	}
	require.NoError(t, os.MkdirAll(cfg.WUDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StampsDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.WorktreesDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.StatusDir, 0755))
	return cfg
}

func fixedNow() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }

func TestCompleteWUHappyPath(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{
		ID:          "WU-1",
		Title:       "Write the docs",
		Description: "a sufficiently long description of the work",
		Lane:        "Docs: Guides",
		Type:        wu.TypeDocumentation,
		Status:      wu.StatusReady,
	}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	outcome, err := CompleteWU(Options{
		Cfg:            cfg,
		Main:           g,
		WUID:           w.ID,
		Now:            fixedNow,
		NewWorktreeGit: func(path string) gitcli.Git { return &fakeGit{workDir: path, s: s} },
	})
	require.NoError(t, err)
	require.Equal(t, StageDone, outcome.FinalStage)

	reloaded, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Equal(t, wu.StatusDone, reloaded.Status)
	require.True(t, reloaded.Locked)
	require.NotEmpty(t, reloaded.CompletedAt)
	require.Equal(t, "2026-07-30", reloaded.Completed)

	store := eventstore.Open(cfg.EventsPath())
	status, found, err := store.Status(w.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wu.StatusDone, status)

	statusMD, err := os.ReadFile(filepath.Join(cfg.StatusDir, "status.md"))
	require.NoError(t, err)
	require.Contains(t, string(statusMD), "WU-1")

	require.NotEmpty(t, s.merged, "lane branch merge must have been attempted")
	require.Equal(t, 2, s.pushed, "metadata push and lane-branch push should each occur once")
}

func TestCompleteWURejectsIllegalTransition(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-2", Title: "x", Description: "a sufficiently long description", Lane: "Core", Type: wu.TypeDocumentation, Status: wu.StatusBlocked}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	_, err := CompleteWU(Options{Cfg: cfg, Main: g, WUID: w.ID, Now: fixedNow})
	require.Error(t, err)
}

func TestCompleteWURecoversZombie(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{
		ID: "WU-3", Title: "x", Description: "a sufficiently long description",
		Lane: "Core", Type: wu.TypeDocumentation, Status: wu.StatusDone, Locked: true,
		CompletedAt: "2026-07-29T00:00:00Z", Completed: "2026-07-29",
	}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	worktreePath := wu.DefaultWorktreePath(cfg.WorktreesDir, w.Lane, w.ID)
	require.NoError(t, os.MkdirAll(worktreePath, 0755))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	outcome, err := CompleteWU(Options{Cfg: cfg, Main: g, WUID: w.ID, Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, StageDone, outcome.FinalStage)
	require.Contains(t, outcome.Warnings, "recovered from zombie state")
	require.Contains(t, s.worktreeDels, worktreePath)
}

func TestResolveEscalationInWorktreeMode(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{
		ID: "WU-4", Title: "x", Lane: "Core", Status: wu.StatusInProgress,
		Escalation: wu.Escalation{Triggers: []string{"budget-exceeded"}},
	}
	worktreePath := wu.DefaultWorktreePath(cfg.WorktreesDir, w.Lane, w.ID)
	require.NoError(t, os.MkdirAll(filepath.Join(worktreePath, "wu"), 0755))
	require.NoError(t, yamlstore.Save(filepath.Join(worktreePath, "wu", w.ID+".yaml"), w))
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	err := ResolveEscalation(ResolveEscalationOptions{
		Cfg: cfg, Main: &fakeGit{s: &shared{mainRoot: cfg.RepoRoot}},
		WUID: w.ID, ResolverEmail: "reviewer@example.com", Now: fixedNow,
	})
	require.NoError(t, err)

	reloaded, err := yamlstore.Load(filepath.Join(worktreePath, "wu", w.ID+".yaml"))
	require.NoError(t, err)
	require.Equal(t, "reviewer@example.com", reloaded.ResolvedBy)
	require.NotEmpty(t, reloaded.ResolvedAt)

	untouched, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Empty(t, untouched.ResolvedBy, "the main checkout copy should not be touched by in-worktree resolution")

	eventsRel, err := filepath.Rel(cfg.RepoRoot, cfg.EventsPath())
	require.NoError(t, err)
	store := eventstore.Open(filepath.Join(worktreePath, eventsRel))
	events, err := store.ForWU(w.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, wu.EventEscalationResolved, events[0].Type)
	require.Equal(t, "reviewer@example.com", events[0].ResolvedBy)
}

func TestResolveEscalationMicroWorktreeMode(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{
		ID: "WU-5", Title: "x", Lane: "Core", Status: wu.StatusReady,
		Escalation: wu.Escalation{Triggers: []string{"needs-review"}},
	}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	s := &shared{mainRoot: cfg.RepoRoot}
	g := &fakeGit{s: s}

	err := ResolveEscalation(ResolveEscalationOptions{
		Cfg: cfg, Main: g, WUID: w.ID, ResolverEmail: "lead@example.com", Now: fixedNow,
		NewWorktreeGit: func(path string) gitcli.Git { return &fakeGit{workDir: path, s: s} },
	})
	require.NoError(t, err)

	reloaded, err := yamlstore.Load(cfg.YAMLPath(w.ID))
	require.NoError(t, err)
	require.Equal(t, "lead@example.com", reloaded.ResolvedBy)

	store := eventstore.Open(cfg.EventsPath())
	events, err := store.ForWU(w.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, wu.EventEscalationResolved, events[0].Type)
}

func TestResolveEscalationRefusesWithoutUnresolvedTriggers(t *testing.T) {
	cfg := newTestCfg(t)
	w := &wu.WU{ID: "WU-6", Title: "x", Lane: "Core", Status: wu.StatusReady}
	require.NoError(t, yamlstore.Save(cfg.YAMLPath(w.ID), w))

	err := ResolveEscalation(ResolveEscalationOptions{
		Cfg: cfg, Main: &fakeGit{s: &shared{mainRoot: cfg.RepoRoot}},
		WUID: w.ID, ResolverEmail: "x@example.com", Now: fixedNow,
	})
	require.Error(t, err, "no unresolved escalation triggers to begin with")
}
