// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExitError carries a non-zero process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

type RunOptions struct {
	ConfigFile string
	Sources    []string
	DryRun     bool
	JSON       bool
}

func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for every configured source (or those named with --source)",
		Long: `Run extracts, transforms and loads each source in batches, resuming from its
last checkpoint. The exit status is 0 on success, 1 when records were
quarantined and 2 when a source failed.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			sum, err := runPipeline(c.Context(), opts, c.OutOrStdout())
			if err != nil {
				return err
			}
			if code := sum.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	addConfigFlags(cmd, &opts.ConfigFile, &opts.Sources)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Fetch and transform without loading or committing checkpoints")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the run summary as JSON")

	return cmd
}

type CheckpointsOptions struct {
	ConfigFile string
	Sources    []string
}

func NewCheckpointsCmd() *cobra.Command {
	opts := &CheckpointsOptions{}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the stored checkpoint of each source",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return listCheckpoints(c.Context(), opts, c.OutOrStdout())
		},
	}

	addConfigFlags(cmd, &opts.ConfigFile, &opts.Sources)
	return cmd
}

func NewValidateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a pipeline config without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return validateConfig(configFile, c.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the pipeline config file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func addConfigFlags(cmd *cobra.Command, configFile *string, sources *[]string) {
	cmd.Flags().StringVarP(configFile, "config", "c", "", "Path to the pipeline config file")
	cmd.Flags().StringSliceVarP(sources, "source", "s", nil, "Only process the named source (repeatable)")
	cmd.MarkFlagRequired("config")
}
