package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/yamlstore"
)

var statusCmd = &cobra.Command{
	Use:   "status <wu-id>",
	Short: "Print a work unit's current record and lifecycle status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadContext()
		if err != nil {
			return err
		}
		w, err := yamlstore.Load(cfg.YAMLPath(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", w.ID, w.Title)
		fmt.Printf("  lane:      %s\n", w.Lane)
		fmt.Printf("  type:      %s\n", w.Type)
		fmt.Printf("  status:    %s\n", w.Status)
		if w.ClaimedAt != "" {
			fmt.Printf("  claimed:   %s\n", w.ClaimedAt)
		}
		if w.CompletedAt != "" {
			fmt.Printf("  completed: %s\n", w.CompletedAt)
		}
		if len(w.BlockedBy) > 0 {
			fmt.Printf("  blocked_by: %v\n", w.BlockedBy)
		}
		if w.Unresolved() {
			fmt.Printf("  escalation: unresolved (%v)\n", w.Triggers)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
