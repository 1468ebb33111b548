// Package microwt implements the micro-worktree protocol (C8, §4.8): the
// cross-process serialization primitive every metadata mutation runs
// through. Instead of an in-memory mutex, concurrent lumenflow processes
// race to fast-forward-merge an ephemeral branch into main; the loser
// rebases and retries, and a defect-proof cleanup always tears the scratch
// worktree and branch down.
package microwt

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
)

// ExecuteResult is what the caller-supplied Execute function returns: the
// commit message for the scratch branch and the exact set of paths it
// touched, which becomes the `git add` allow-list (§4.6, §4.8 step 5).
type ExecuteResult struct {
	CommitMessage string
	Files         []string
}

// ExecuteFunc runs the caller's mutation inside the scratch worktree at
// worktreePath and reports what it touched.
type ExecuteFunc func(worktreePath string) (ExecuteResult, error)

// Options configures one micro-worktree run.
type Options struct {
	Operation    string
	ID           string
	WorktreesDir string
	Execute      ExecuteFunc
	Log          *zap.Logger
	Now          func() time.Time
	// NewWorktreeGit constructs the Git bound to the scratch worktree.
	// Defaults to gitcli.ForPath; tests override it with a fake so the
	// protocol can be exercised without a real git checkout.
	NewWorktreeGit func(path string) gitcli.Git
}

// Run executes the full micro-worktree protocol against main, described by
// Git g bound to the main checkout's working directory (§4.8 steps 1-9).
func Run(g gitcli.Git, opts Options) error {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	newWorktreeGit := opts.NewWorktreeGit
	if newWorktreeGit == nil {
		newWorktreeGit = gitcli.ForPath
	}

	if err := validateMainCheckout(g); err != nil {
		return err
	}

	branch := fmt.Sprintf("tmp/%s-%s-%d-%s", opts.Operation, opts.ID, now().UnixMilli(), uuid.NewString()[:8])
	worktreePath := opts.WorktreesDir + "/" + branchBasename(branch)

	if err := g.WorktreeAdd(worktreePath, branch, "main"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "creating scratch worktree", err).
			WithRepoState("main checkout is unchanged; no scratch worktree was created")
	}

	cleanup := func() {
		if err := g.WorktreeRemove(worktreePath, true); err != nil {
			log.Warn("micro-worktree cleanup: worktree remove failed", zap.String("path", worktreePath), zap.Error(err))
		}
		if err := g.DeleteBranch(branch, true); err != nil {
			log.Warn("micro-worktree cleanup: branch delete failed", zap.String("branch", branch), zap.Error(err))
		}
	}
	defer cleanup()

	wg := newWorktreeGit(worktreePath)

	result, execErr := opts.Execute(worktreePath)
	if execErr != nil {
		return execErr
	}

	if len(result.Files) == 0 {
		log.Info("micro-worktree: execute staged no files, nothing to commit", zap.String("operation", opts.Operation), zap.String("id", opts.ID))
		return nil
	}

	if err := verifyNoExtraChanges(wg, result.Files); err != nil {
		return err
	}

	if err := wg.Add(result.Files...); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "staging changes in scratch worktree", err)
	}

	if err := wg.Commit(result.CommitMessage); err != nil {
		if isEmptyCommitError(err) {
			log.Info("micro-worktree: empty tree after staging, nothing to commit")
			return nil
		}
		return lferrors.Wrap(lferrors.KindGit, "committing in scratch worktree", err)
	}

	if err := mergeFastForwardWithRetry(g, wg, branch); err != nil {
		return err
	}

	if err := pushWithRetry(g, wg, branch); err != nil {
		return err
	}

	return nil
}

// validateMainCheckout enforces step 1: cwd must be the main checkout on
// branch main, and main must not be behind origin/main.
func validateMainCheckout(g gitcli.Git) error {
	branch, err := g.CurrentBranch()
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "determining current branch", err)
	}
	if branch != "main" {
		return lferrors.New(lferrors.KindValidation, "micro-worktree runner must start from the main checkout on branch main").
			WithRepoState(fmt.Sprintf("currently on branch %q", branch))
	}

	if err := g.Fetch("origin"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "fetching origin before micro-worktree run", err)
	}
	behind, err := g.IsAncestor("main", "origin/main")
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "checking whether main is behind origin/main", err)
	}
	mainHash, err := g.GetCommitHash("main")
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "resolving main's commit hash", err)
	}
	originHash, err := g.GetCommitHash("origin/main")
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "resolving origin/main's commit hash", err)
	}
	if behind && mainHash != originHash {
		return lferrors.New(lferrors.KindGit, "main is behind origin/main").
			WithRemediations("git pull --ff-only origin main", "retry the command")
	}
	return nil
}

// verifyNoExtraChanges refuses to stage anything outside the declared
// files allow-list (§4.6, §4.8 step 5).
func verifyNoExtraChanges(wg gitcli.Git, files []string) error {
	allowed := make(map[string]bool, len(files))
	for _, f := range files {
		allowed[f] = true
	}

	status, err := wg.GetStatus()
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "inspecting scratch worktree status", err)
	}

	for _, changed := range append(append(append([]string{}, status.Modified...), status.Added...), status.Untracked...) {
		if !allowed[changed] {
			return lferrors.New(lferrors.KindValidation, "scratch worktree has changes outside the declared allow-list").
				WithDetails(map[string]any{"unexpected_path": changed, "allow_list": files})
		}
	}
	return nil
}

// mergeFastForwardWithRetry implements step 7: merge --ff-only on main; on
// a non-fast-forward failure caused by an intervening main advance, fetch,
// rebase the tmp branch onto origin/main in the scratch worktree, and
// retry once before raising.
func mergeFastForwardWithRetry(g, wg gitcli.Git, branch string) error {
	err := g.Merge(branch, "--ff-only")
	if err == nil {
		return nil
	}

	if rebaseErr := rebaseOnceOntoOrigin(g, wg, branch); rebaseErr != nil {
		return lferrors.Wrap(lferrors.KindGit, "rebasing scratch branch after non-fast-forward merge", rebaseErr)
	}

	if err := g.Merge(branch, "--ff-only"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "merging scratch branch into main after rebase retry", err).
			WithRemediations("inspect the scratch branch for conflicts", "retry the command")
	}
	return nil
}

// pushWithRetry implements step 8: push origin main; on rejection, fetch,
// rebase, and retry once.
func pushWithRetry(g, wg gitcli.Git, branch string) error {
	err := g.Push("origin", "main")
	if err == nil {
		return nil
	}

	if rebaseErr := rebaseOnceOntoOrigin(g, wg, branch); rebaseErr != nil {
		return lferrors.Wrap(lferrors.KindGit, "rebasing scratch branch after push rejection", rebaseErr)
	}
	if err := g.Merge(branch, "--ff-only"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "re-merging scratch branch after push-rejection rebase", err)
	}

	if err := g.Push("origin", "main"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "pushing main after rebase retry", err).
			WithRemediations("retry the command", "inspect origin/main for a conflicting advance")
	}
	return nil
}

func rebaseOnceOntoOrigin(g, wg gitcli.Git, branch string) error {
	if err := g.Fetch("origin"); err != nil {
		return err
	}
	if err := wg.Rebase("origin/main"); err != nil {
		return err
	}
	return nil
}

func isEmptyCommitError(err error) bool {
	var gitErr *gitcli.Error
	if !errors.As(err, &gitErr) {
		return false
	}
	combined := gitErr.Stdout + gitErr.Stderr
	return strings.Contains(combined, "nothing to commit") || strings.Contains(combined, "nothing added to commit")
}

// branchBasename returns the worktree directory name for branch
// "tmp/<operation>-<id>-<nowMs>-<uuid8>" (§4.8 step 2). The uuid suffix
// guards against two processes racing within the same millisecond, which
// a timestamp alone cannot distinguish.
func branchBasename(branch string) string {
	return path.Base(branch)
}
