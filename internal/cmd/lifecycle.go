package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/ops"
)

var claimCmd = &cobra.Command{
	Use:   "claim <wu-id>",
	Short: "Claim a ready work unit (ready -> in_progress)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}
		w, err := ops.Claim(ops.ClaimOptions{Common: commonOps(cfg, g), WUID: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("%s claimed_at=%s\n", w.ID, w.ClaimedAt)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <wu-id>",
	Short: "Release a claimed work unit (in_progress -> ready)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}
		w, err := ops.Release(ops.ReleaseOptions{Common: commonOps(cfg, g), WUID: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("%s status=%s\n", w.ID, w.Status)
		return nil
	},
}

var blockReason string

var blockCmd = &cobra.Command{
	Use:   "block <wu-id>",
	Short: "Mark a work unit blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}
		w, err := ops.Block(ops.BlockOptions{Common: commonOps(cfg, g), WUID: args[0], Reason: blockReason})
		if err != nil {
			return err
		}
		fmt.Printf("%s status=%s\n", w.ID, w.Status)
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <wu-id>",
	Short: "Clear a work unit's blocked status (blocked -> in_progress)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}
		w, err := ops.Unblock(ops.UnblockOptions{Common: commonOps(cfg, g), WUID: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("%s status=%s\n", w.ID, w.Status)
		return nil
	},
}

func init() {
	blockCmd.Flags().StringVar(&blockReason, "reason", "", "why this work unit is blocked")

	rootCmd.AddCommand(claimCmd, releaseCmd, blockCmd, unblockCmd)
}
