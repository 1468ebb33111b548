package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/ops"
	"github.com/hellmai/lumenflow/internal/wu"
)

var (
	createLane        string
	createTitle       string
	createDescription string
	createType        string
	createPriority    string
	createExposure    string
	createCodePaths   []string
	createBlockedBy   []string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Allocate a new work unit",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createLane, "lane", "", "lane, \"Parent: Sublane\" (required)")
	createCmd.Flags().StringVar(&createTitle, "title", "", "title (required)")
	createCmd.Flags().StringVar(&createDescription, "description", "", "description (required)")
	createCmd.Flags().StringVar(&createType, "type", string(wu.TypeEngineering), "engineering|documentation|process|bug|refactor")
	createCmd.Flags().StringVar(&createPriority, "priority", "", "priority")
	createCmd.Flags().StringVar(&createExposure, "exposure", "", "exposure override")
	createCmd.Flags().StringSliceVar(&createCodePaths, "code-path", nil, "repeatable: a code path or glob this work unit touches")
	createCmd.Flags().StringSliceVar(&createBlockedBy, "blocked-by", nil, "repeatable: a work unit id that must complete first")
	_ = createCmd.MarkFlagRequired("lane")
	_ = createCmd.MarkFlagRequired("title")
	_ = createCmd.MarkFlagRequired("description")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, g, err := loadContext()
	if err != nil {
		return err
	}

	created, err := ops.Create(ops.CreateOptions{
		Common:      commonOps(cfg, g),
		Lane:        createLane,
		Title:       createTitle,
		Description: createDescription,
		Type:        wu.Type(createType),
		Priority:    createPriority,
		Exposure:    createExposure,
		CodePaths:   createCodePaths,
		BlockedBy:   createBlockedBy,
	})
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}
