package microwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/gitcli"
)

// recordingGit is a scripted fake satisfying gitcli.Git for one
// micro-worktree run. mergeFails/pushFails let a test simulate exactly one
// collision before success.
type recordingGit struct {
	currentBranch string
	behind        bool
	mainHash      string
	originHash    string

	mergeFailsOnce bool
	pushFailsOnce  bool
	mergedCalls    int
	pushedCalls    int
	rebasedCalls   int
	worktreeAdded  bool
	worktreeRemoved bool
	branchDeleted  bool
	status         *gitcli.Status
}

func (g *recordingGit) Fetch(remote string) error                 { return nil }
func (g *recordingGit) FetchBranch(remote, branch string) error   { return nil }
func (g *recordingGit) GetCommitHash(ref string) (string, error) {
	if ref == "origin/main" {
		return g.originHash, nil
	}
	return g.mainHash, nil
}
func (g *recordingGit) RevList(args ...string) (string, error) { return "", nil }
func (g *recordingGit) Raw(args ...string) (string, error)     { return "", nil }
func (g *recordingGit) MergeBase(a, b string) (string, error)  { return "", nil }
func (g *recordingGit) ListTreeAtRef(ref, path string) ([]string, error) { return nil, nil }
func (g *recordingGit) ShowFileAtRef(ref, path string) (string, error)   { return "", nil }
func (g *recordingGit) GetStatus() (*gitcli.Status, error) {
	if g.status != nil {
		return g.status, nil
	}
	return &gitcli.Status{Clean: true}, nil
}
func (g *recordingGit) Add(paths ...string) error     { return nil }
func (g *recordingGit) Commit(message string) error   { return nil }
func (g *recordingGit) Push(remote, branch string, flags ...string) error {
	g.pushedCalls++
	if g.pushFailsOnce && g.pushedCalls == 1 {
		return &gitcli.Error{Stderr: "! [rejected] main -> main (fetch first)"}
	}
	return nil
}
func (g *recordingGit) Rebase(onto string) error { g.rebasedCalls++; return nil }
func (g *recordingGit) Merge(branch string, flags ...string) error {
	g.mergedCalls++
	if g.mergeFailsOnce && g.mergedCalls == 1 {
		return &gitcli.Error{Stderr: "fatal: Not possible to fast-forward, aborting."}
	}
	return nil
}
func (g *recordingGit) WorktreeAdd(path, branch, from string) error { g.worktreeAdded = true; return nil }
func (g *recordingGit) WorktreeRemove(path string, force bool) error {
	g.worktreeRemoved = true
	return nil
}
func (g *recordingGit) BranchExists(name string) (bool, error) { return true, nil }
func (g *recordingGit) DeleteBranch(name string, force bool) error {
	g.branchDeleted = true
	return nil
}
func (g *recordingGit) GetConfigValue(key string) (string, error) { return "", nil }
func (g *recordingGit) CurrentBranch() (string, error)            { return g.currentBranch, nil }
func (g *recordingGit) IsAncestor(ancestor, descendant string) (bool, error) {
	return g.behind, nil
}
func (g *recordingGit) MergeTreeCheck(base, branch string) (bool, error) { return false, nil }
func (g *recordingGit) WorkDir() string                                  { return "" }

func baseGit() *recordingGit {
	return &recordingGit{currentBranch: "main", mainHash: "abc", originHash: "abc"}
}

func fixedNow() time.Time { return time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) }

func TestRunHappyPath(t *testing.T) {
	g := baseGit()
	err := Run(g, Options{
		Operation:      "claim",
		ID:             "WU-1",
		WorktreesDir:   "/tmp/worktrees",
		Now:            fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(worktreePath string) (ExecuteResult, error) {
			require.Contains(t, worktreePath, "/tmp/worktrees/claim-WU-1-")
			return ExecuteResult{CommitMessage: "claim WU-1", Files: []string{"wu/WU-1.yaml"}}, nil
		},
	})
	require.NoError(t, err)
	require.True(t, g.worktreeAdded)
	require.True(t, g.worktreeRemoved)
	require.True(t, g.branchDeleted)
	require.Equal(t, 1, g.mergedCalls)
	require.Equal(t, 1, g.pushedCalls)
}

func TestRunRejectsWhenNotOnMain(t *testing.T) {
	g := baseGit()
	g.currentBranch = "some-feature"
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) { return ExecuteResult{}, nil }})
	require.Error(t, err)
	require.False(t, g.worktreeAdded)
}

func TestRunSkipsCommitWhenExecuteStagesNoFiles(t *testing.T) {
	g := baseGit()
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) { return ExecuteResult{}, nil }})
	require.NoError(t, err)
	require.Equal(t, 0, g.mergedCalls)
	require.True(t, g.worktreeRemoved)
}

func TestRunRetriesOnceAfterNonFastForwardMerge(t *testing.T) {
	g := baseGit()
	g.mergeFailsOnce = true
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) {
			return ExecuteResult{CommitMessage: "m", Files: []string{"wu/WU-1.yaml"}}, nil
		}})
	require.NoError(t, err)
	require.Equal(t, 1, g.rebasedCalls)
	require.Equal(t, 2, g.mergedCalls)
}

func TestRunRetriesOnceAfterPushRejection(t *testing.T) {
	g := baseGit()
	g.pushFailsOnce = true
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) {
			return ExecuteResult{CommitMessage: "m", Files: []string{"wu/WU-1.yaml"}}, nil
		}})
	require.NoError(t, err)
	require.Equal(t, 2, g.pushedCalls)
}

func TestRunRefusesChangesOutsideAllowList(t *testing.T) {
	g := baseGit()
	g.status = &gitcli.Status{Modified: []string{"wu/WU-2.yaml"}}
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) {
			return ExecuteResult{CommitMessage: "m", Files: []string{"wu/WU-1.yaml"}}, nil
		}})
	require.Error(t, err)
	require.True(t, g.worktreeRemoved, "cleanup must still run on failure")
}

func TestRunCleansUpEvenWhenExecuteFails(t *testing.T) {
	g := baseGit()
	err := Run(g, Options{Operation: "claim", ID: "WU-1", WorktreesDir: "/tmp", Now: fixedNow,
		NewWorktreeGit: func(string) gitcli.Git { return g },
		Execute: func(string) (ExecuteResult, error) {
			return ExecuteResult{}, require.AnError
		}})
	require.Error(t, err)
	require.True(t, g.worktreeRemoved)
	require.True(t, g.branchDeleted)
}
