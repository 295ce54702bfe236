package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/forecast"
)

func newForecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Evaluate size and duration forecast expressions",
	}
	cmd.AddCommand(newForecastSizeCmd(), newForecastDurationCmd())
	return cmd
}

func newForecastSizeCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:     "size EXPR",
		Short:   "Expected result size for an input size",
		Example: `  crucible forecast size "*1.5" --input 2g`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := forecast.ParseSize(args[0])
			if err != nil {
				return err
			}
			in, err := forecast.ParseBytes(input)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s of %d bytes: %d bytes\n", f, in, f.ExpectedResultSizeInBytes(in))
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "0b", "Input size, e.g. 512m")
	return cmd
}

func newForecastDurationCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:     "duration EXPR",
		Short:   "Expected running duration for an input size",
		Example: `  crucible forecast duration "2min/g" --input 10g`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := forecast.ParseDuration(args[0])
			if err != nil {
				return err
			}
			in, err := forecast.ParseBytes(input)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s of %d bytes: %s\n", f, in, f.ExpectedRunningDuration(in))
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "0b", "Input size, e.g. 512m")
	return cmd
}
