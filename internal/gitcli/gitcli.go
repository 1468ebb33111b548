// Package gitcli provides a narrow, mockable wrapper over the git binary.
//
// It is the only package in lumenflow that shells out to git. Every other
// component depends on the Git interface, not this package directly, so
// tests can substitute a fake.
package gitcli

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Error carries the raw output of a failed git invocation for observation
// by callers — the preflight guards and completion pipeline inspect Stderr
// to classify failures (e.g. push-collision signatures) rather than
// re-running git with different flags.
type Error struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Git is the capability interface consumed by every other component (§4.1).
// Implementations must be safe to construct many times per process; there
// is no shared mutable state beyond the bound working directory.
type Git interface {
	Fetch(remote string) error
	FetchBranch(remote, branch string) error
	GetCommitHash(ref string) (string, error)
	RevList(args ...string) (string, error)
	Raw(args ...string) (string, error)
	MergeBase(a, b string) (string, error)
	ListTreeAtRef(ref, path string) ([]string, error)
	ShowFileAtRef(ref, path string) (string, error)
	GetStatus() (*Status, error)
	Add(paths ...string) error
	Commit(message string) error
	Push(remote, branch string, flags ...string) error
	Rebase(onto string) error
	Merge(branch string, flags ...string) error
	WorktreeAdd(path, branch, from string) error
	WorktreeRemove(path string, force bool) error
	BranchExists(name string) (bool, error)
	DeleteBranch(name string, force bool) error
	GetConfigValue(key string) (string, error)
	CurrentBranch() (string, error)
	IsAncestor(ancestor, descendant string) (bool, error)
	MergeTreeCheck(base, branch string) (conflict bool, err error)
	WorkDir() string
}

// cli is the real implementation, bound to a working directory.
type cli struct {
	workDir string
}

// ForCwd returns a Git bound to the process's current working directory.
// Used by the main checkout when no worktree indirection is needed.
func ForCwd() Git { return &cli{} }

// ForPath returns a Git bound to an explicit directory — the mechanism the
// micro-worktree runner and pre-flight auto-rebase use to operate on a
// scratch worktree without touching the process cwd (§4.1).
func ForPath(dir string) Git { return &cli{workDir: dir} }

func (g *cli) WorkDir() string { return g.workDir }

func (g *cli) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Args:     args,
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *cli) Fetch(remote string) error {
	_, err := g.run("fetch", remote)
	return err
}

func (g *cli) FetchBranch(remote, branch string) error {
	_, err := g.run("fetch", remote, branch)
	return err
}

func (g *cli) GetCommitHash(ref string) (string, error) {
	return g.run("rev-parse", ref)
}

func (g *cli) RevList(args ...string) (string, error) {
	return g.run(append([]string{"rev-list"}, args...)...)
}

func (g *cli) Raw(args ...string) (string, error) {
	return g.run(args...)
}

func (g *cli) MergeBase(a, b string) (string, error) {
	return g.run("merge-base", a, b)
}

func (g *cli) ListTreeAtRef(ref, path string) ([]string, error) {
	args := []string{"ls-tree", "-r", "--name-only", ref}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := g.run(args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *cli) ShowFileAtRef(ref, path string) (string, error) {
	return g.run("show", ref+":"+path)
}

// Status is the parsed result of `git status --porcelain`, grouped the way
// the dirty-main guard (§4.7) needs to apply its per-path allow-list.
type Status struct {
	Clean     bool
	Modified  []string
	Added     []string
	Deleted   []string
	Untracked []string
}

func (g *cli) GetStatus() (*Status, error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	status := &Status{Clean: true}
	if out == "" {
		return status, nil
	}
	status.Clean = false
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code, file := line[:2], line[3:]
		switch {
		case strings.Contains(code, "M"):
			status.Modified = append(status.Modified, file)
		case strings.Contains(code, "A"):
			status.Added = append(status.Added, file)
		case strings.Contains(code, "D"):
			status.Deleted = append(status.Deleted, file)
		case strings.Contains(code, "?"):
			status.Untracked = append(status.Untracked, file)
		}
	}
	return status, nil
}

func (g *cli) Add(paths ...string) error {
	_, err := g.run(append([]string{"add"}, paths...)...)
	return err
}

func (g *cli) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

func (g *cli) Push(remote, branch string, flags ...string) error {
	args := append([]string{"push", remote, branch}, flags...)
	_, err := g.run(args...)
	return err
}

func (g *cli) Rebase(onto string) error {
	_, err := g.run("rebase", onto)
	return err
}

// Merge merges branch into the current branch. Callers pass "--ff-only" via
// flags for the completion pipeline's linear-history requirement (§4.8).
func (g *cli) Merge(branch string, flags ...string) error {
	args := append([]string{"merge"}, flags...)
	args = append(args, branch)
	_, err := g.run(args...)
	return err
}

func (g *cli) WorktreeAdd(path, branch, from string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if from != "" {
		args = append(args, from)
	}
	_, err := g.run(args...)
	return err
}

func (g *cli) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(args...)
	return err
}

func (g *cli) BranchExists(name string) (bool, error) {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *cli) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run("branch", flag, name)
	return err
}

func (g *cli) GetConfigValue(key string) (string, error) {
	out, err := g.run("config", "--get", key)
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

func (g *cli) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

func (g *cli) IsAncestor(ancestor, descendant string) (bool, error) {
	_, err := g.run("merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MergeTreeCheck implements the conflict guard (§4.7): a dry-run three-way
// merge that never touches the working tree or index. Exit status 1 from
// `git merge-tree --write-tree` means a real conflict; any other non-zero
// status is surfaced as an error so the guard can warn instead of raising.
func (g *cli) MergeTreeCheck(base, branch string) (bool, error) {
	_, err := g.run("merge-tree", "--write-tree", base, branch)
	if err == nil {
		return false, nil
	}
	var gitErr *Error
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}
