package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigFile = "decidez.yaml"

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "decidez",
		Short: "Declarative decision evaluation service",
		Long: `decidez stores decision definitions in PostgreSQL and evaluates them
against a composed context over HTTP and gRPC. Decisions can be boolean
gates, first-match rule lists, weighted draws or comparisons against
historical samples.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", defaultConfigFile, "config file path (missing files are ignored)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newAPIKeyCmd(opts),
		newSamplesCmd(opts),
		newEvalCmd(),
	)
	return cmd
}
