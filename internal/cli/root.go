package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/syncflow/pkg/logger"
)

func NewRootCmd() *cobra.Command {
	logOpts := logger.Options{}

	rootCmd := &cobra.Command{
		Use:   "syncflow",
		Short: "syncflow - batch ETL from APIs and databases into a warehouse",
		Long: `syncflow pulls records from HTTP APIs, SQL databases, MongoDB and CSV files,
transforms them with configurable field mappings and loads them into a target
store, checkpointing progress per source so interrupted runs resume safely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.InitLogger(logOpts)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logOpts.File, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().StringVar(&logOpts.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logOpts.JSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(NewRunCmd(), NewCheckpointsCmd(), NewValidateCmd())

	return rootCmd
}
