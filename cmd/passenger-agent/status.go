package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/passenger-oss/appserver/internal/poolrpc"
)

func statusCmd() *cobra.Command {
	var socketPath, username, password string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running helper agent's pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := poolrpc.Dial(socketPath, username, password)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", socketPath, err)
			}
			defer client.Close()

			count, err := client.GetCount()
			if err != nil {
				return err
			}
			active, err := client.GetActive()
			if err != nil {
				return err
			}
			pid, err := client.GetSpawnServerPid()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "instances: %d\nactive:    %d\nspawn pid: %d\n", count, active, pid)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&socketPath, "socket", "", "path to the helper's RPC socket")
	flags.StringVar(&username, "username", "web_server", "account username")
	flags.StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("socket")
	cmd.MarkFlagRequired("password")

	return cmd
}
