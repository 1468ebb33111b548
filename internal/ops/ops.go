// Package ops implements the WU lifecycle mutations that are not part of
// the completion pipeline (C10) or escalation handling: create, claim,
// release, block, unblock. Each runs a single micro-worktree (C8) round
// trip, mirroring the shape of pipeline.prepareAndCommit but for a lighter
// one-field status transition instead of the full completion transaction.
package ops

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/idalloc"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/microwt"
	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// Common is embedded by every operation's Options struct.
type Common struct {
	Cfg            *pathcfg.Config
	Main           gitcli.Git
	Log            *zap.Logger
	Now            func() time.Time
	NewWorktreeGit func(path string) gitcli.Git
}

func (o Common) resolve() (*zap.Logger, func() time.Time) {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return log, now
}

// transitionOptions configures Claim, Release, and Unblock: each loads one
// WU, mutates one or two fields, and round-trips it through a
// micro-worktree run. The WU's current status is not checked.
type transitionOptions struct {
	Common
	WUID string
}

// runTransition is the shared shape behind Claim/Release/Unblock: load the
// WU, apply mutate, append one event of kind via microwt, and return the
// updated WU. mutate only sets fields; no check is made that the WU's
// current status permits the transition.
func runTransition(opts transitionOptions, operation string, kind wu.EventKind, mutate func(w *wu.WU, now time.Time)) (*wu.WU, error) {
	log, now := opts.resolve()
	yamlPath := opts.Cfg.YAMLPath(opts.WUID)

	w, err := yamlstore.Load(yamlPath)
	if err != nil {
		return nil, err
	}

	t := now()
	mutated := *w
	mutate(&mutated, t)

	runErr := microwt.Run(opts.Main, microwt.Options{
		Operation:      operation,
		ID:             opts.WUID,
		WorktreesDir:   opts.Cfg.WorktreesDir,
		Now:            opts.Now,
		Log:            log,
		NewWorktreeGit: opts.NewWorktreeGit,
		Execute: func(worktreePath string) (microwt.ExecuteResult, error) {
			cfgInWorktree := *opts.Cfg
			cfgInWorktree.WUDir = pathJoin(worktreePath, relWUDir(opts.Cfg))

			reloaded, err := yamlstore.Load(cfgInWorktree.YAMLPath(opts.WUID))
			if err != nil {
				return microwt.ExecuteResult{}, err
			}
			scratch := *reloaded
			mutate(&scratch, t)

			data, err := yamlstore.Marshal(&scratch)
			if err != nil {
				return microwt.ExecuteResult{}, err
			}
			yamlPath := cfgInWorktree.YAMLPath(opts.WUID)
			if err := writeFile(yamlPath, data); err != nil {
				return microwt.ExecuteResult{}, err
			}

			eventsPath := pathJoin(worktreePath, relEventsPath(opts.Cfg))
			store := openEventStore(eventsPath)
			if err := store.Append(wu.Event{
				Type:      kind,
				WUID:      opts.WUID,
				Timestamp: wu.NowISO(t),
			}); err != nil {
				return microwt.ExecuteResult{}, err
			}

			return microwt.ExecuteResult{
				CommitMessage: fmt.Sprintf("%s %s", operation, opts.WUID),
				Files:         []string{trimWorktreePrefix(yamlPath, worktreePath), trimWorktreePrefix(eventsPath, worktreePath)},
			}, nil
		},
	})
	if runErr != nil {
		return nil, runErr
	}

	return &mutated, nil
}

// ClaimOptions configures Claim.
type ClaimOptions struct {
	Common
	WUID string
}

// Claim transitions a WU from ready to in_progress (§3.1 lifecycle),
// stamping claimed_at.
func Claim(opts ClaimOptions) (*wu.WU, error) {
	return runTransition(transitionOptions{Common: opts.Common, WUID: opts.WUID}, "claim", wu.EventClaim, func(w *wu.WU, now time.Time) {
		w.Status = wu.StatusInProgress
		w.ClaimedAt = wu.NowISO(now)
	})
}

// ReleaseOptions configures Release.
type ReleaseOptions struct {
	Common
	WUID string
}

// Release sends an in_progress WU back to ready (§3.1 lifecycle).
func Release(opts ReleaseOptions) (*wu.WU, error) {
	return runTransition(transitionOptions{Common: opts.Common, WUID: opts.WUID}, "release", wu.EventRelease, func(w *wu.WU, _ time.Time) {
		w.Status = wu.StatusReady
	})
}

// BlockOptions configures Block.
type BlockOptions struct {
	Common
	WUID   string
	Reason string
}

// Block transitions a WU to blocked. Reason is carried on the event only;
// the YAML schema has no dedicated field for it (§3.1, §3.2).
func Block(opts BlockOptions) (*wu.WU, error) {
	log, now := opts.resolve()
	yamlPath := opts.Cfg.YAMLPath(opts.WUID)
	w, err := yamlstore.Load(yamlPath)
	if err != nil {
		return nil, err
	}

	t := now()
	mutated := *w
	mutated.Status = wu.StatusBlocked

	runErr := microwt.Run(opts.Main, microwt.Options{
		Operation:      "block",
		ID:             opts.WUID,
		WorktreesDir:   opts.Cfg.WorktreesDir,
		Now:            opts.Now,
		Log:            log,
		NewWorktreeGit: opts.NewWorktreeGit,
		Execute: func(worktreePath string) (microwt.ExecuteResult, error) {
			cfgInWorktree := *opts.Cfg
			cfgInWorktree.WUDir = pathJoin(worktreePath, relWUDir(opts.Cfg))

			reloaded, err := yamlstore.Load(cfgInWorktree.YAMLPath(opts.WUID))
			if err != nil {
				return microwt.ExecuteResult{}, err
			}
			reloaded.Status = wu.StatusBlocked

			data, err := yamlstore.Marshal(reloaded)
			if err != nil {
				return microwt.ExecuteResult{}, err
			}
			yp := cfgInWorktree.YAMLPath(opts.WUID)
			if err := writeFile(yp, data); err != nil {
				return microwt.ExecuteResult{}, err
			}

			eventsPath := pathJoin(worktreePath, relEventsPath(opts.Cfg))
			store := openEventStore(eventsPath)
			if err := store.Append(wu.Event{
				Type:      wu.EventBlock,
				WUID:      opts.WUID,
				Timestamp: wu.NowISO(t),
				Reason:    opts.Reason,
			}); err != nil {
				return microwt.ExecuteResult{}, err
			}

			return microwt.ExecuteResult{
				CommitMessage: fmt.Sprintf("block %s", opts.WUID),
				Files:         []string{trimWorktreePrefix(yp, worktreePath), trimWorktreePrefix(eventsPath, worktreePath)},
			}, nil
		},
	})
	if runErr != nil {
		return nil, runErr
	}
	return &mutated, nil
}

// UnblockOptions configures Unblock.
type UnblockOptions struct {
	Common
	WUID string
}

// Unblock transitions a blocked WU back to in_progress (§3.1 lifecycle).
func Unblock(opts UnblockOptions) (*wu.WU, error) {
	return runTransition(transitionOptions{Common: opts.Common, WUID: opts.WUID}, "unblock", wu.EventUnblock, func(w *wu.WU, _ time.Time) {
		w.Status = wu.StatusInProgress
	})
}

// CreateOptions configures Create.
type CreateOptions struct {
	Common
	Lane        string
	Title       string
	Description string
	Type        wu.Type
	Priority    string
	Exposure    string
	CodePaths   []string
	Tests       wu.Tests
	Acceptance  []string
	BlockedBy   []string
}

// Create allocates the next free id (§4.4) and writes a new ready WU,
// retrying the whole allocate-and-push attempt on push collision (§4.4
// collision-retry protocol). Unlike the other transitions, a fresh id must
// be computed again on every retry, since a concurrent creator may have
// already claimed the previously computed candidate.
func Create(opts CreateOptions) (*wu.WU, error) {
	log, now := opts.resolve()
	t := now()

	var created *wu.WU

	computeCandidate := func() (int, error) {
		id, _, err := idalloc.NextID(opts.Main, opts.Cfg.WUDir, opts.Cfg.StampsDir, opts.Cfg.EventsPath(), "origin/main", opts.Cfg.Offline, log)
		return id, err
	}

	create := func(candidate int) error {
		id := wu.FormatID(candidate)
		w := &wu.WU{
			ID:          id,
			Title:       opts.Title,
			Description: opts.Description,
			Lane:        opts.Lane,
			Type:        opts.Type,
			Status:      wu.StatusReady,
			Exposure:    opts.Exposure,
			Priority:    opts.Priority,
			Created:     wu.TodayISO(t),
			CodePaths:   opts.CodePaths,
			Tests:       opts.Tests,
			Acceptance:  opts.Acceptance,
			BlockedBy:   opts.BlockedBy,
		}

		runErr := microwt.Run(opts.Main, microwt.Options{
			Operation:      "create",
			ID:             id,
			WorktreesDir:   opts.Cfg.WorktreesDir,
			Now:            opts.Now,
			Log:            log,
			NewWorktreeGit: opts.NewWorktreeGit,
			Execute: func(worktreePath string) (microwt.ExecuteResult, error) {
				cfgInWorktree := *opts.Cfg
				cfgInWorktree.WUDir = pathJoin(worktreePath, relWUDir(opts.Cfg))

				data, err := yamlstore.Marshal(w)
				if err != nil {
					return microwt.ExecuteResult{}, err
				}
				yp := cfgInWorktree.YAMLPath(id)
				if err := writeFile(yp, data); err != nil {
					return microwt.ExecuteResult{}, err
				}

				eventsPath := pathJoin(worktreePath, relEventsPath(opts.Cfg))
				store := openEventStore(eventsPath)
				if err := store.Append(wu.Event{
					Type:      wu.EventCreate,
					WUID:      id,
					Timestamp: wu.NowISO(t),
					Lane:      opts.Lane,
					Title:     opts.Title,
				}); err != nil {
					return microwt.ExecuteResult{}, err
				}

				return microwt.ExecuteResult{
					CommitMessage: fmt.Sprintf("create %s", id),
					Files:         []string{trimWorktreePrefix(yp, worktreePath), trimWorktreePrefix(eventsPath, worktreePath)},
				}, nil
			},
		})
		if runErr != nil {
			return runErr
		}
		created = w
		return nil
	}

	err := idalloc.RetryCreateOnPushCollision(opts.Main, "origin", computeCandidate, create, idalloc.DefaultRetryOptions())
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, lferrors.New(lferrors.KindRecovery, "create completed without producing a work unit")
	}
	return created, nil
}
