package pipeline

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/microwt"
	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// ResolveEscalationOptions configures ResolveEscalation.
type ResolveEscalationOptions struct {
	Cfg            *pathcfg.Config
	Main           gitcli.Git
	WUID           string
	ResolverEmail  string
	Log            *zap.Logger
	Now            func() time.Time
	NewWorktreeGit func(path string) gitcli.Git
}

// ResolveEscalation implements §4.10: sets escalation_resolved_by and
// escalation_resolved_at on a WU carrying unresolved escalation triggers.
// Duplicate resolution is refused. Two write modes are used depending on
// the WU's current state: in-worktree (edit in place on the lane branch,
// when the WU is in_progress and its worktree still exists) or
// micro-worktree (edit on main via C8, otherwise).
func ResolveEscalation(opts ResolveEscalationOptions) error {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	yamlPath := opts.Cfg.YAMLPath(opts.WUID)
	w, err := yamlstore.Load(yamlPath)
	if err != nil {
		return err
	}

	if !w.Escalation.Unresolved() {
		return lferrors.New(lferrors.KindValidation, "work unit has no unresolved escalation to resolve").
			WithDetails(map[string]any{"wuId": w.ID})
	}

	worktreePath := wu.DefaultWorktreePath(opts.Cfg.WorktreesDir, w.Lane, w.ID)
	inWorktree := w.Status == wu.StatusInProgress && pathExists(worktreePath)

	resolvedAt := wu.NowISO(now())

	if inWorktree {
		log.Info("resolving escalation in-worktree", zap.String("wuId", w.ID), zap.String("worktree", worktreePath))
		return resolveInWorktree(opts, worktreePath, resolvedAt)
	}

	log.Info("resolving escalation via micro-worktree", zap.String("wuId", w.ID))
	return microwt.Run(opts.Main, microwt.Options{
		Operation:      "resolve-escalation",
		ID:             w.ID,
		WorktreesDir:   opts.Cfg.WorktreesDir,
		Now:            now,
		Log:            log,
		NewWorktreeGit: opts.NewWorktreeGit,
		Execute: func(scratchPath string) (microwt.ExecuteResult, error) {
			cfgInScratch := *opts.Cfg
			cfgInScratch.WUDir = pathJoin(scratchPath, relWUDir(opts.Cfg))

			reloaded, err := yamlstore.Load(cfgInScratch.YAMLPath(w.ID))
			if err != nil {
				return microwt.ExecuteResult{}, err
			}
			if !reloaded.Escalation.Unresolved() {
				return microwt.ExecuteResult{}, lferrors.New(lferrors.KindValidation, "escalation already resolved").
					WithDetails(map[string]any{"wuId": w.ID})
			}
			reloaded.ResolvedBy = opts.ResolverEmail
			reloaded.ResolvedAt = resolvedAt

			if err := yamlstore.Save(cfgInScratch.YAMLPath(w.ID), reloaded); err != nil {
				return microwt.ExecuteResult{}, err
			}

			eventsPath := pathJoin(scratchPath, relEventsPath(opts.Cfg))
			store := eventstore.Open(eventsPath)
			if err := store.Append(wu.Event{
				Type:       wu.EventEscalationResolved,
				WUID:       w.ID,
				Timestamp:  resolvedAt,
				ResolvedBy: opts.ResolverEmail,
			}); err != nil {
				return microwt.ExecuteResult{}, err
			}

			return microwt.ExecuteResult{
				CommitMessage: "resolve escalation " + w.ID,
				Files: []string{
					trimWorktreePrefix(cfgInScratch.YAMLPath(w.ID), scratchPath),
					trimWorktreePrefix(eventsPath, scratchPath),
				},
			}, nil
		},
	})
}

// resolveInWorktree edits the WU YAML directly on the lane branch, since
// the lane worktree is already checked out and no cross-process
// serialization is needed for a single writer's own in-progress work.
func resolveInWorktree(opts ResolveEscalationOptions, worktreePath, resolvedAt string) error {
	cfgInWorktree := *opts.Cfg
	cfgInWorktree.WUDir = pathJoin(worktreePath, relWUDir(opts.Cfg))

	path := cfgInWorktree.YAMLPath(opts.WUID)
	w, err := yamlstore.Load(path)
	if err != nil {
		return err
	}
	if !w.Escalation.Unresolved() {
		return lferrors.New(lferrors.KindValidation, "escalation already resolved").
			WithDetails(map[string]any{"wuId": w.ID})
	}
	w.ResolvedBy = opts.ResolverEmail
	w.ResolvedAt = resolvedAt
	if err := yamlstore.Save(path, w); err != nil {
		return err
	}

	eventsPath := pathJoin(worktreePath, relEventsPath(opts.Cfg))
	store := eventstore.Open(eventsPath)
	return store.Append(wu.Event{
		Type:       wu.EventEscalationResolved,
		WUID:       opts.WUID,
		Timestamp:  resolvedAt,
		ResolvedBy: opts.ResolverEmail,
	})
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
