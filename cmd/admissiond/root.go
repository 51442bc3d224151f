/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import "github.com/spf13/cobra"

const envVarsPrefix = "ADMISSION"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "admissiond",
		Short:         "HTTP API server with rate limiting and priority queueing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCommand(), newStatsCommand())
	return rootCmd
}
