package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "lookupd",
		Short:         "Service lookup registry with leases, events and multicast discovery",
		Version:       version + " (commit: " + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: lookupd.yaml in ., ./config or /etc/lookupd)")

	root.AddCommand(newServeCmd(&cfgFile), newInspectCmd(), newDiscoverCmd(&cfgFile))
	return root
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lookup service (default)",
		Long: `Run the lookup service: registry, discovery responder and HTTP API.

Configuration is read from lookupd.yaml, .env and LOOKUPD_* environment variables.
Lease and snapshot parameters and the log level are reloaded when the file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgFile)
		},
	}
}
