package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/passenger-oss/appserver/internal/watchdog"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), watchdog.AgentVersion)
			return nil
		},
	}
}
