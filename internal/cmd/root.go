// Package cmd provides the CLI commands for the lumenflow tool. It is the
// CLI front-end named in spec §6 as out-of-core: it supplies parsed
// arguments to the core engine packages and renders their typed results,
// but holds no lifecycle logic of its own.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/ops"
	"github.com/hellmai/lumenflow/internal/pathcfg"
)

var rootCmd = &cobra.Command{
	Use:           "lumenflow",
	Short:         "LumenFlow - git-backed work unit orchestration engine",
	Long:          "LumenFlow coordinates concurrent agents on a shared repository by decomposing work into atomic, traceable Work Units, sequenced by a dependency graph and isolated in ephemeral git worktrees.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var logger *zap.Logger

func init() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
}

// Execute runs the root command and returns an exit code matching the
// taxonomy of spec §7/§6.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var lfErr *lferrors.Error
		if asLFErr(err, &lfErr) {
			printRemediation(lfErr)
			return lfErr.Kind.ExitCode()
		}
		return 1
	}
	return 0
}

func asLFErr(err error, target **lferrors.Error) bool {
	for err != nil {
		if e, ok := err.(*lferrors.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func printRemediation(e *lferrors.Error) {
	if e.RepoState != "" {
		fmt.Fprintln(os.Stderr, "repo state:", e.RepoState)
	}
	for i, r := range e.Remediations {
		fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, r)
	}
	if e.RetryCommand != "" {
		fmt.Fprintln(os.Stderr, "retry with:", e.RetryCommand)
	}
}

// loadContext resolves the repo root, its config, and a Git bound to the
// main checkout — the trio almost every subcommand needs.
func loadContext() (*pathcfg.Config, gitcli.Git, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	root, err := pathcfg.FindRepoRoot(cwd)
	if err != nil {
		return nil, nil, lferrors.Wrap(lferrors.KindFileNotFound, "locating repository root", err)
	}
	cfg, err := pathcfg.Load(root)
	if err != nil {
		return nil, nil, err
	}
	if err := eventstore.RunCutoverIfNeeded(cfg, time.Now()); err != nil {
		return nil, nil, lferrors.Wrap(lferrors.KindRecovery, "running legacy state cutover", err)
	}
	return cfg, gitcli.ForCwd(), nil
}

// commonOps builds the shared ops.Common options every lifecycle mutation
// command needs.
func commonOps(cfg *pathcfg.Config, g gitcli.Git) ops.Common {
	return ops.Common{Cfg: cfg, Main: g, Log: logger}
}
