package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/pipeline"
)

var escalateResolverEmail string

var escalateCmd = &cobra.Command{
	Use:   "escalate-resolve <wu-id>",
	Short: "Resolve an escalation trigger on a work unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadContext()
		if err != nil {
			return err
		}
		return pipeline.ResolveEscalation(pipeline.ResolveEscalationOptions{
			Cfg:           cfg,
			Main:          g,
			WUID:          args[0],
			ResolverEmail: escalateResolverEmail,
			Log:           logger,
		})
	},
}

func init() {
	escalateCmd.Flags().StringVar(&escalateResolverEmail, "resolver", "", "email of the person resolving the escalation (required)")
	_ = escalateCmd.MarkFlagRequired("resolver")
	rootCmd.AddCommand(escalateCmd)
}
