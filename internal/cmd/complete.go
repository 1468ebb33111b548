package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/hostadapter"
	"github.com/hellmai/lumenflow/internal/pipeline"
	"github.com/hellmai/lumenflow/internal/signalbus"
)

var (
	completeForce        bool
	completeNoMerge      bool
	completeDeleteBranch bool
	completeOpenPR       bool
	completePRTitle      string
	completePRBody       string
	completeAutoRebase   bool
	completeSignalPath   string
)

var completeCmd = &cobra.Command{
	Use:   "complete <wu-id>",
	Short: "Drive a work unit through the completion pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}

		opts := pipeline.Options{
			Cfg:          cfg,
			Main:         g,
			WUID:         args[0],
			Force:        completeForce,
			NoMerge:      completeNoMerge,
			DeleteBranch: completeDeleteBranch,
			OpenPR:       completeOpenPR,
			PRTitle:      completePRTitle,
			PRBody:       completePRBody,
			AutoRebase:   completeAutoRebase,
			Log:          logger,
		}
		if completeSignalPath != "" {
			opts.Emitter = signalbus.NewJSONLEmitter(completeSignalPath)
		}
		if completeOpenPR {
			opts.Host = hostadapter.NewGHCLI(cfg.RepoRoot)
		}

		outcome, err := pipeline.CompleteWU(opts)
		for _, w := range outcome.Warnings {
			fmt.Println("warning:", w)
		}
		fmt.Println("stage:", outcome.FinalStage)
		return err
	},
}

func init() {
	completeCmd.Flags().BoolVar(&completeForce, "force", false, "bypass the dirty-main guard; the bypass is written to the audit log")
	completeCmd.Flags().BoolVar(&completeNoMerge, "no-merge", false, "stop after committing; skip the merge step")
	completeCmd.Flags().BoolVar(&completeDeleteBranch, "delete-branch", false, "delete the lane branch after a successful merge")
	completeCmd.Flags().BoolVar(&completeOpenPR, "open-pr", false, "also open a pull request for the lane branch after the merge")
	completeCmd.Flags().StringVar(&completePRTitle, "pr-title", "", "pull request title, when --open-pr is set")
	completeCmd.Flags().StringVar(&completePRBody, "pr-body", "", "pull request body, when --open-pr is set")
	completeCmd.Flags().BoolVar(&completeAutoRebase, "auto-rebase", false, "rebase onto main before merging if it has moved")
	completeCmd.Flags().StringVar(&completeSignalPath, "signal-path", "", "JSONL file to append a lane-completion signal to (external memory bus, §4.9)")
	rootCmd.AddCommand(completeCmd)
}
