package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crucible",
		Short:         "Crucible processing service",
		Long:          "Crucible admits batches, runs executions on registered engines and tracks their output files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newForecastCmd(),
	)

	return root
}
