package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func syncDatasetCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-dataset",
		Short: "Regenerate data.yaml from classes.txt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.data.SyncDescriptor(); err != nil {
				return err
			}
			classes, err := e.data.Classes()
			if err != nil {
				return err
			}
			labels, err := e.data.CountLabels()
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen).SprintFunc()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s wrote %s\n", green("✓"), e.data.DescriptorPath())
			fmt.Fprintf(out, "  classes: %d\n", len(classes))
			for i, c := range classes {
				fmt.Fprintf(out, "    %d: %s\n", i, c)
			}
			fmt.Fprintf(out, "  label files: %d\n", labels)
			return nil
		},
	}
}
