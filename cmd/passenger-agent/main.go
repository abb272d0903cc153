// Command passenger-agent is the watchdog/helper binary: "start" lays
// out a server instance directory and supervises a helper subprocess
// that hosts the application pool's RPC server; "helper-agent" is the
// hidden subcommand the watchdog re-execs itself as.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passenger-agent",
		Short: "Application pool watchdog and helper agent",
	}
	cmd.AddCommand(startCmd(), helperAgentCmd(), statusCmd(), versionCmd())
	return cmd
}

func configureLogging(level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(log)
}
