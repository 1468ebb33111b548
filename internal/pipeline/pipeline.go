// Package pipeline implements the completion pipeline state machine (C10,
// §4.9): validating -> preparing -> committing -> merging -> finalizing ->
// done, with zombie detection/recovery and per-stage rollback semantics.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/classify"
	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/microwt"
	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/preflight"
	"github.com/hellmai/lumenflow/internal/statusindex"
	"github.com/hellmai/lumenflow/internal/txn"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// Stage names the completion pipeline's state machine positions (§4.9).
type Stage string

const (
	StageValidating Stage = "validating"
	StagePreparing  Stage = "preparing"
	StageCommitting Stage = "committing"
	StageMerging    Stage = "merging"
	StageFinalizing Stage = "finalizing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
	StageCleaningUp Stage = "cleaningUp"
)

// SignalEmitter is the external memory-bus contract (§4.9 finalizing
// step); lumenflow core never assumes who is listening.
type SignalEmitter interface {
	EmitSignal(wuID, severity, kind string, payload map[string]any) error
}

// NopSignalEmitter drops every signal; used when no bus is configured.
type NopSignalEmitter struct{}

func (NopSignalEmitter) EmitSignal(string, string, string, map[string]any) error { return nil }

// HostAdapter is the pluggable PR-creation contract (§4.9 merging step);
// out of core, wired only by the CLI layer when a forge token is present.
type HostAdapter interface {
	CreatePR(branch, title, body string, draft bool) (url string, err error)
}

// NopHostAdapter never opens a PR.
type NopHostAdapter struct{}

func (NopHostAdapter) CreatePR(string, string, string, bool) (string, error) { return "", nil }

// Options configures a CompleteWU run.
type Options struct {
	Cfg          *pathcfg.Config
	Main         gitcli.Git
	WUID         string
	Force        bool
	NoMerge      bool
	DeleteBranch bool
	OpenPR       bool
	PRTitle      string
	PRBody       string
	AutoRebase   bool
	Emitter      SignalEmitter
	Host         HostAdapter
	Log          *zap.Logger
	Now          func() time.Time
	NewWorktreeGit func(path string) gitcli.Git
}

// Outcome reports which stage a CompleteWU run reached and any warnings
// collected along the way.
type Outcome struct {
	FinalStage Stage
	Warnings   []string
}

// CompleteWU drives one WU through the completion state machine (§4.9).
func CompleteWU(opts Options) (Outcome, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NopSignalEmitter{}
	}

	yamlPath := opts.Cfg.YAMLPath(opts.WUID)
	w, err := yamlstore.Load(yamlPath)
	if err != nil {
		return Outcome{FinalStage: StageFailed}, err
	}

	worktreePath := wu.DefaultWorktreePath(opts.Cfg.WorktreesDir, w.Lane, w.ID)
	if zombie, zerr := isZombie(w, worktreePath); zerr != nil {
		return Outcome{FinalStage: StageFailed}, zerr
	} else if zombie {
		log.Info("completion pipeline: recovering zombie WU", zap.String("wuId", w.ID))
		return cleanupAndFinalize(opts, w, emitter, log)
	}

	var warnings []string

	if err := validate(opts, w); err != nil {
		return Outcome{FinalStage: StageFailed}, err
	}

	branch := wu.LaneBranch(w.Lane, w.ID)
	result, preflightWarnings, err := runPreflight(opts, branch, w)
	warnings = append(warnings, preflightWarnings...)
	if err != nil {
		return Outcome{FinalStage: StageFailed, Warnings: warnings}, err
	}
	_ = result

	store := eventstore.Open(opts.Cfg.EventsPath())

	runErr := microwt.Run(opts.Main, microwt.Options{
		Operation:      "complete",
		ID:             w.ID,
		WorktreesDir:   opts.Cfg.WorktreesDir,
		Now:            now,
		NewWorktreeGit: opts.NewWorktreeGit,
		Execute: func(worktreePath string) (microwt.ExecuteResult, error) {
			return prepareAndCommit(opts, w, worktreePath, store, now)
		},
	})
	if runErr != nil {
		return Outcome{FinalStage: StageFailed, Warnings: warnings}, runErr
	}

	if opts.NoMerge {
		return Outcome{FinalStage: StageMerging, Warnings: append(warnings, "--no-merge: lane branch left unmerged")}, nil
	}
	if err := mergeLaneBranchWithRetry(opts, branch, log); err != nil {
		return Outcome{FinalStage: StageMerging, Warnings: warnings}, err
	}
	if opts.DeleteBranch {
		if err := opts.Main.DeleteBranch(branch, true); err != nil {
			log.Warn("completion pipeline: lane branch delete failed", zap.Error(err))
		}
	}
	if opts.OpenPR {
		host := opts.Host
		if host == nil {
			host = NopHostAdapter{}
		}
		if url, err := host.CreatePR(branch, opts.PRTitle, opts.PRBody, false); err != nil {
			log.Warn("completion pipeline: PR creation failed, continuing", zap.Error(err))
			warnings = append(warnings, "PR creation failed: "+err.Error())
		} else if url != "" {
			log.Info("completion pipeline: opened PR", zap.String("url", url))
		}
	}

	reloaded, err := yamlstore.Load(yamlPath)
	if err != nil {
		return Outcome{FinalStage: StageMerging, Warnings: warnings}, err
	}
	status, found, err := store.Status(w.ID)
	if err != nil {
		return Outcome{FinalStage: StageFinalizing, Warnings: warnings}, err
	}
	post := classify.PostMutationValidate(reloaded, status, found)
	if !post.OK {
		log.Warn("completion pipeline: post-mutation validation failed", zap.Strings("errors", post.Errors))
		warnings = append(warnings, post.Errors...)
	}

	if signalErr := emitter.EmitSignal(w.ID, "info", "lane_completed", map[string]any{"lane": w.Lane}); signalErr != nil {
		log.Warn("completion pipeline: signal emission failed, continuing", zap.Error(signalErr))
		warnings = append(warnings, "signal emission failed: "+signalErr.Error())
	}

	return Outcome{FinalStage: StageDone, Warnings: warnings}, nil
}

// isZombie implements §4.9's zombie detection: status already done but
// the worktree path still exists means a prior run crashed after worktree
// creation but before/around cleanup.
func isZombie(w *wu.WU, worktreePath string) (bool, error) {
	if w.Status != wu.StatusDone {
		return false, nil
	}
	_, err := os.Stat(worktreePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking worktree path for zombie detection: %w", err)
}

// cleanupAndFinalize handles the zombie-recovery path: skip validate,
// prepare, commit, merge; run only finalize-equivalent cleanup.
func cleanupAndFinalize(opts Options, w *wu.WU, emitter SignalEmitter, log *zap.Logger) (Outcome, error) {
	worktreePath := wu.DefaultWorktreePath(opts.Cfg.WorktreesDir, w.Lane, w.ID)
	branch := wu.LaneBranch(w.Lane, w.ID)

	if err := opts.Main.WorktreeRemove(worktreePath, true); err != nil {
		log.Warn("zombie cleanup: worktree remove failed", zap.Error(err))
	}
	if err := opts.Main.DeleteBranch(branch, true); err != nil {
		log.Warn("zombie cleanup: branch delete failed", zap.Error(err))
	}
	if signalErr := emitter.EmitSignal(w.ID, "info", "lane_completed", map[string]any{"lane": w.Lane, "recovered": true}); signalErr != nil {
		log.Warn("zombie cleanup: signal emission failed", zap.Error(signalErr))
	}
	return Outcome{FinalStage: StageDone, Warnings: []string{"recovered from zombie state"}}, nil
}

// validate runs the validating-stage checks of §4.9 that don't require a
// worktree: schema validity (already ensured by yamlstore.Load), legal
// transition, spec completeness, and escalation state.
func validate(opts Options, w *wu.WU) error {
	if err := classify.ValidateTransition(w.Status); err != nil {
		return err
	}
	if errs := classify.ValidateSpecCompleteness(w, opts.Cfg.DescriptionMinLength); len(errs) > 0 {
		return lferrors.New(lferrors.KindValidation, "work unit is not complete enough to finish").
			WithDetails(map[string]any{"errors": errs})
	}
	if w.Escalation.Unresolved() {
		return lferrors.New(lferrors.KindValidation, "work unit has unresolved escalation triggers").
			WithRemediations("resolve the escalation before completing this work unit")
	}
	if missing := classify.ValidateCodePathsExist(opts.Main, "HEAD", w); len(missing) > 0 {
		return lferrors.New(lferrors.KindValidation, "declared code_paths do not exist").
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}

// mergeLaneBranchWithRetry FF-only merges the lane branch into main (§4.9
// merging step). On failure it fetches origin and retries the same FF-only
// merge once; unlike the micro-worktree runner, it does not rebase the
// lane branch between the two attempts.
func mergeLaneBranchWithRetry(opts Options, branch string, log *zap.Logger) error {
	g := opts.Main
	err := g.Merge(branch, "--ff-only")
	if err == nil {
		return g.Push("origin", "main")
	}

	if fetchErr := g.Fetch("origin"); fetchErr != nil {
		return lferrors.Wrap(lferrors.KindGit, "fetching origin before lane-branch merge retry", fetchErr)
	}
	log.Info("completion pipeline: retrying lane-branch merge after non-fast-forward", zap.String("branch", branch))
	if err := g.Merge(branch, "--ff-only"); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "merging lane branch into main", err).
			WithRemediations("rebase the lane branch onto main and retry", "inspect for merge commits via the preflight guards")
	}
	return g.Push("origin", "main")
}

// runPreflight builds a preflight.Context from opts and w and runs every
// guard, translating warnings into plain strings for the outcome report.
// With AutoRebase set and the lane worktree present, the guards get a Git
// bound to that worktree for the auto-rebase.
func runPreflight(opts Options, branch string, w *wu.WU) (preflight.Result, []string, error) {
	ctx := preflight.Context{
		Main:            opts.Main,
		Branch:          branch,
		WU:              w,
		DriftThreshold:  50,
		AutoRebase:      opts.AutoRebase,
		Force:           opts.Force,
		AuditLogPath:    opts.Cfg.AuditLogPath(),
		MetadataAllowed: metadataAllowlist(opts.Cfg),
	}
	if laneWorktree := wu.DefaultWorktreePath(opts.Cfg.WorktreesDir, w.Lane, w.ID); opts.AutoRebase && pathExists(laneWorktree) {
		newWorktreeGit := opts.NewWorktreeGit
		if newWorktreeGit == nil {
			newWorktreeGit = gitcli.ForPath
		}
		ctx.WorktreeGit = newWorktreeGit(laneWorktree)
	}
	result, err := preflight.RunAll(ctx)
	var warnings []string
	for _, warn := range result.Warnings {
		warnings = append(warnings, warn.Guard+": "+warn.Message)
	}
	return result, warnings, err
}

// metadataAllowlist computes the repo-relative paths the Dirty-main guard
// must tolerate (§4.7): the status/backlog indexes, the event log, and the
// skip-gates audit log, all of which every completion rewrites as a matter
// of course.
func metadataAllowlist(cfg *pathcfg.Config) []string {
	abs := []string{
		filepath.Join(cfg.StatusDir, statusindex.StatusFilename),
		filepath.Join(cfg.StatusDir, statusindex.BacklogFilename),
		cfg.EventsPath(),
		cfg.AuditLogPath(),
	}
	allow := make([]string, 0, len(abs))
	for _, p := range abs {
		rel, err := filepath.Rel(cfg.RepoRoot, p)
		if err != nil {
			continue
		}
		allow = append(allow, filepath.ToSlash(rel))
	}
	return allow
}

// prepareAndCommit implements the preparing and committing stages inside
// the scratch worktree (§4.9): it stages the new YAML, the stamp, and the
// rewritten status/backlog indexes through one txn.Txn, appends the
// complete event to the worktree's event log after that commit, then
// reports the allow-list back to the micro-worktree runner.
func prepareAndCommit(opts Options, w *wu.WU, worktreePath string, store *eventstore.Store, now func() time.Time) (microwt.ExecuteResult, error) {
	t := now()
	updated := *w
	updated.Status = wu.StatusDone
	updated.Locked = true
	updated.CompletedAt = wu.NowISO(t)
	updated.Completed = wu.TodayISO(t)

	yamlData, err := yamlstore.Marshal(&updated)
	if err != nil {
		return microwt.ExecuteResult{}, err
	}

	cfgInWorktree := *opts.Cfg
	cfgInWorktree.RepoRoot = worktreePath
	cfgInWorktree.WUDir = pathJoin(worktreePath, relWUDir(opts.Cfg))
	cfgInWorktree.StampsDir = pathJoin(worktreePath, relStampsDir(opts.Cfg))

	allWUs, err := loadAllWUs(cfgInWorktree.WUDir)
	if err != nil {
		return microwt.ExecuteResult{}, err
	}
	for i, other := range allWUs {
		if other.ID == w.ID {
			allWUs[i] = &updated
		}
	}

	tx := txn.New()
	tx.Stage(cfgInWorktree.YAMLPath(w.ID), yamlData, 0644)
	tx.Stage(pathJoin(worktreePath, relStampPath(opts.Cfg, w.ID)), []byte{}, 0644)
	tx.Stage(pathJoin(worktreePath, relStatusDir(opts.Cfg), statusindex.StatusFilename), []byte(statusindex.RenderStatus(allWUs)), 0644)
	tx.Stage(pathJoin(worktreePath, relStatusDir(opts.Cfg), statusindex.BacklogFilename), []byte(statusindex.RenderBacklog(allWUs)), 0644)

	if err := tx.Commit(); err != nil {
		return microwt.ExecuteResult{}, lferrors.Wrap(lferrors.KindRecovery, "committing completion metadata transaction", err)
	}

	worktreeEventsPath := pathJoin(worktreePath, relEventsPath(opts.Cfg))
	worktreeStore := eventstore.Open(worktreeEventsPath)
	if err := worktreeStore.Append(wu.Event{
		Type:      wu.EventComplete,
		WUID:      w.ID,
		Timestamp: wu.NowISO(t),
	}); err != nil {
		return microwt.ExecuteResult{}, err
	}

	files := append(tx.Files(), worktreeEventsPath)
	relFiles := make([]string, len(files))
	for i, f := range files {
		relFiles[i] = trimWorktreePrefix(f, worktreePath)
	}

	return microwt.ExecuteResult{
		CommitMessage: fmt.Sprintf("complete %s", w.ID),
		Files:         relFiles,
	}, nil
}

// loadAllWUs reads every WU YAML in dir for the status/backlog index
// render; files that fail to parse are skipped rather than aborting the
// whole completion, since a stray malformed file elsewhere should not
// block an otherwise-valid completion.
func loadAllWUs(dir string) ([]*wu.WU, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading wu directory %s: %w", dir, err)
	}
	var out []*wu.WU
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		w, err := yamlstore.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}
