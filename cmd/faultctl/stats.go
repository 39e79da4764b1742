package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func statsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print fault counts per review status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := e.reviews.Stats(cmd.Context())
			if err != nil {
				return err
			}

			cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", cyan("=== Railway Faults ==="))
			fmt.Fprintf(out, "  Total:          %d\n", stats.Total)
			fmt.Fprintf(out, "  Pending:        %s\n", yellow(stats.Pending))
			fmt.Fprintf(out, "  Assigned:       %d\n", stats.Assigned)
			fmt.Fprintf(out, "  Resolved:       %s\n", green(stats.Resolved))
			fmt.Fprintf(out, "  Needs feedback: %s\n", red(stats.NeedsFeedback))
			if images, err := e.data.Images(); err == nil {
				fmt.Fprintf(out, "  Training images: %d\n", len(images))
			}
			return nil
		},
	}
}
