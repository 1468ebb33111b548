// Package preflight implements the pre-flight guards the completion
// pipeline runs against main and a lane branch before merging (C9, §4.7).
// Each guard is independently recoverable: most raise a typed error on
// failure, but Divergence and Merge-commits accept an auto-rebase escape
// hatch, Empty-merge distinguishes a hard failure from a warning depending
// on whether the WU declared code_paths, and Dirty-main downgrades to an
// audited warning under Force.
package preflight

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/statusindex"
	"github.com/hellmai/lumenflow/internal/wu"
)

// Warning is a non-fatal guard observation surfaced to the caller even
// when the overall preflight run succeeds.
type Warning struct {
	Guard   string
	Message string
}

// Result is what RunAll returns: nil error means every guard that could
// raise did not; Warnings collects the advisory findings regardless.
type Result struct {
	Warnings []Warning
}

// Context carries everything a guard needs to evaluate main against a
// lane branch for one WU.
type Context struct {
	Main            gitcli.Git
	Branch          string
	WU              *wu.WU
	DriftThreshold  int
	AutoRebase      bool
	WorktreeGit     gitcli.Git // non-nil only when a scratch worktree is available for rebase
	Force           bool
	AuditLogPath    string
	MetadataAllowed []string // status.md, backlog.md, events log, audit log paths
}

// defaultMetadataAllowlist is consulted by DirtyMain when Context does not
// override it with real computed paths. It mirrors the default filesystem
// layout (§6): the status/backlog indexes under the default status dir,
// plus the default event log and skip-gates audit log paths, since every
// completion rewrites all four as a matter of course.
var defaultMetadataAllowlist = []string{
	path.Join(pathcfg.DefaultStatusDir, statusindex.StatusFilename),
	path.Join(pathcfg.DefaultStatusDir, statusindex.BacklogFilename),
	path.Join(pathcfg.DefaultStateDir, "wu-events.jsonl"),
	path.Join(pathcfg.DefaultStateDir, "skip-gates-audit.jsonl"),
}

// RunAll runs every guard concurrently via errgroup, fanning out
// independent I/O-bound git calls (see DESIGN.md). Every guard runs to
// completion; the first raising error is returned (errors from other
// raising guards are not), and every guard's warnings are collected.
func RunAll(ctx Context) (Result, error) {
	var result Result
	var warnings []Warning
	warnCh := make(chan Warning, 16)

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error { return Drift(ctx, warnCh) })
	g.Go(func() error { return Divergence(ctx, warnCh) })
	g.Go(func() error { return MergeCommits(ctx, warnCh) })
	g.Go(func() error { return Conflict(ctx, warnCh) })
	g.Go(func() error { return EmptyMerge(ctx, warnCh) })
	g.Go(func() error { return DirtyMain(ctx, warnCh) })

	err := g.Wait()
	close(warnCh)
	for w := range warnCh {
		warnings = append(warnings, w)
	}
	result.Warnings = warnings
	return result, err
}

// Drift checks that main has not advanced past branch by more than
// DriftThreshold commits.
func Drift(ctx Context, warnings chan<- Warning) error {
	out, err := ctx.Main.RevList("--left-right", "--count", "main..."+ctx.Branch)
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "checking drift between main and "+ctx.Branch, err)
	}
	mainAhead, _ := firstCount(out)
	if mainAhead > ctx.DriftThreshold {
		return lferrors.New(lferrors.KindGit, fmt.Sprintf("main is %d commits ahead of %s (threshold %d)", mainAhead, ctx.Branch, ctx.DriftThreshold)).
			WithRemediations("rebase the lane branch onto main", "retry with a smaller, more frequent completion cadence")
	}
	return nil
}

// firstCount parses the left count out of `rev-list --left-right --count`
// output, which is two whitespace-separated integers "<left>\t<right>".
func firstCount(out string) (int, int) {
	fields := strings.Fields(out)
	var left, right int
	if len(fields) > 0 {
		fmt.Sscanf(fields[0], "%d", &left)
	}
	if len(fields) > 1 {
		fmt.Sscanf(fields[1], "%d", &right)
	}
	return left, right
}

// Divergence checks whether branch and main have diverged (main is not an
// ancestor reachable from branch's merge base). When AutoRebase is set and
// a scratch worktree is available, it rebases the branch onto origin/main
// in place instead of raising.
func Divergence(ctx Context, warnings chan<- Warning) error {
	base, err := ctx.Main.MergeBase("main", ctx.Branch)
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "computing merge base", err)
	}
	mainHash, err := ctx.Main.GetCommitHash("main")
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "resolving main's commit hash", err)
	}
	if base == mainHash {
		return nil
	}
	return resolveOrRaise(ctx, "Divergence", "lane branch has diverged from main")
}

// MergeCommits checks that the lane branch's history is linear. Like
// Divergence, an auto-rebase is attempted before raising.
func MergeCommits(ctx Context, warnings chan<- Warning) error {
	out, err := ctx.Main.RevList("--merges", "main.."+ctx.Branch)
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "checking for merge commits on "+ctx.Branch, err)
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	return resolveOrRaise(ctx, "Merge-commits", "lane branch contains merge commits")
}

// resolveOrRaise implements the shared Divergence/Merge-commits escape
// hatch: rebase onto origin/main inside the worktree when permitted, else
// raise with remediation instructions.
func resolveOrRaise(ctx Context, guard, message string) error {
	if ctx.AutoRebase && ctx.WorktreeGit != nil {
		if err := ctx.Main.Fetch("origin"); err != nil {
			return lferrors.Wrap(lferrors.KindGit, guard+": fetching origin before auto-rebase", err)
		}
		if err := ctx.WorktreeGit.Rebase("origin/main"); err != nil {
			return lferrors.Wrap(lferrors.KindGit, guard+": auto-rebase failed", err).
				WithRemediations("resolve the rebase conflict manually", "rerun the completion")
		}
		return nil
	}
	return lferrors.New(lferrors.KindGit, guard+": "+message).
		WithRemediations("rebase the lane branch onto origin/main", "rerun with auto-rebase enabled")
}

// Conflict dry-runs the three-way merge with `git merge-tree --write-tree`
// without touching the working tree (§4.7).
func Conflict(ctx Context, warnings chan<- Warning) error {
	conflict, err := ctx.Main.MergeTreeCheck("main", ctx.Branch)
	if err != nil {
		warnings <- Warning{Guard: "Conflict", Message: "merge-tree check returned an unexpected status: " + err.Error()}
		return nil
	}
	if conflict {
		return lferrors.New(lferrors.KindGit, "merging "+ctx.Branch+" into main would conflict").
			WithRemediations("resolve the conflict on the lane branch", "rebase onto main and re-test")
	}
	return nil
}

// EmptyMerge requires at least one commit between main and branch, and if
// the WU declares code_paths, requires at least one of them to have
// actually changed.
func EmptyMerge(ctx Context, warnings chan<- Warning) error {
	commits, err := ctx.Main.RevList("main.." + ctx.Branch)
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "counting commits between main and "+ctx.Branch, err)
	}
	if strings.TrimSpace(commits) == "" {
		warnings <- Warning{Guard: "Empty-merge", Message: "no commits between main and " + ctx.Branch}
		return nil
	}

	if len(ctx.WU.CodePaths) == 0 {
		return nil
	}

	changed, err := ctx.Main.Raw("diff", "main..."+ctx.Branch, "--name-only")
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "diffing main..."+ctx.Branch, err)
	}
	changedFiles := strings.Fields(changed)
	if !anyCodePathChanged(ctx.WU.CodePaths, changedFiles) {
		return lferrors.New(lferrors.KindValidation, "none of the declared code_paths changed between main and "+ctx.Branch).
			WithDetails(map[string]any{"code_paths": ctx.WU.CodePaths, "changed_files": changedFiles})
	}
	return nil
}

func anyCodePathChanged(codePaths, changedFiles []string) bool {
	for _, cp := range codePaths {
		for _, f := range changedFiles {
			if f == cp {
				return true
			}
			if ok, _ := doublestar.Match(cp, f); ok {
				return true
			}
		}
	}
	return false
}

// DirtyMain checks `git status --porcelain` on the main checkout against
// the metadata allow-list: status/backlog indexes, the WU's own YAML, the
// stamps directory, and the WU's code_paths (exact, prefix, or reverse-
// prefix match).
func DirtyMain(ctx Context, warnings chan<- Warning) error {
	status, err := ctx.Main.GetStatus()
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "checking main checkout status", err)
	}
	if status.Clean {
		return nil
	}

	allow := ctx.MetadataAllowed
	if len(allow) == 0 {
		allow = defaultMetadataAllowlist
	}

	var disallowed []string
	for _, path := range allDirtyPaths(status) {
		if isAllowedDirtyPath(path, allow, ctx.WU) {
			continue
		}
		disallowed = append(disallowed, path)
	}
	if len(disallowed) == 0 {
		return nil
	}

	if ctx.Force {
		logForceBypass(ctx.AuditLogPath, ctx.WU.ID, disallowed)
		warnings <- Warning{Guard: "Dirty-main", Message: "bypassed with --force: " + strings.Join(disallowed, ", ")}
		return nil
	}

	return lferrors.New(lferrors.KindGit, "main checkout has uncommitted changes outside the metadata allow-list").
		WithDetails(map[string]any{"disallowed_paths": disallowed}).
		WithRemediations("commit or stash the unrelated changes", "rerun with --force to bypass (audited)")
}

func allDirtyPaths(status *gitcli.Status) []string {
	var paths []string
	paths = append(paths, status.Modified...)
	paths = append(paths, status.Added...)
	paths = append(paths, status.Deleted...)
	paths = append(paths, status.Untracked...)
	return paths
}

func isAllowedDirtyPath(path string, allow []string, w *wu.WU) bool {
	for _, a := range allow {
		if path == a {
			return true
		}
	}
	if w != nil && path == w.ID+".yaml" {
		return true
	}
	if w != nil && path == "wu/"+w.ID+".yaml" {
		return true
	}
	if strings.HasPrefix(path, ".lumenflow/stamps/") {
		return true
	}
	if w != nil {
		for _, cp := range w.CodePaths {
			if path == cp || strings.HasPrefix(path, cp+"/") || strings.HasPrefix(cp, path+"/") {
				return true
			}
		}
	}
	return false
}

// logForceBypass appends an audited record of a --force dirty-main bypass
// to a rotating log, so manual overrides leave a durable trail.
func logForceBypass(auditLogPath, wuID string, disallowed []string) {
	if auditLogPath == "" {
		return
	}
	logger := &lumberjack.Logger{
		Filename:   auditLogPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     90,
	}
	defer logger.Close()
	fmt.Fprintf(logger, `{"wuId":%q,"guard":"Dirty-main","forced":true,"paths":%q}`+"\n", wuID, disallowed)
}
