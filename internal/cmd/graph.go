package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hellmai/lumenflow/internal/depgraph"
)

var graphTopN int

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Describe the dependency graph: topological order, critical path, bottlenecks, cycles, orphans",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadContext()
		if err != nil {
			return err
		}
		g, warnings, err := depgraph.Build(cfg.WUDir)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Println("warning:", w)
		}

		snap := g.Describe(graphTopN)
		fmt.Printf("nodes: %d\n", snap.NodeCount)
		if snap.Topo.Warning != "" {
			fmt.Println("warning:", snap.Topo.Warning)
			fmt.Println("cycle nodes:", snap.Topo.CycleNodes)
		} else {
			fmt.Println("topological order:", snap.Topo.Order)
		}
		fmt.Println("critical path:", snap.CriticalPath)
		fmt.Println("bottlenecks:")
		for _, b := range snap.Bottlenecks {
			fmt.Printf("  %s (impact %d)\n", b.ID, b.Score)
		}
		if len(snap.Cycle) > 0 {
			fmt.Println("cycle:", snap.Cycle)
		}
		if len(snap.Orphans) > 0 {
			fmt.Println("orphan references:")
			for _, o := range snap.Orphans {
				fmt.Printf("  %s -> %s\n", o.From, o.To)
			}
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().IntVar(&graphTopN, "top", 5, "number of bottleneck nodes to report")
	rootCmd.AddCommand(graphCmd)
}
