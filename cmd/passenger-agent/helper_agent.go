package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/passenger-oss/appserver/internal/watchdog"
)

// helperAgentCmd is hidden: it is never invoked directly by an
// operator, only re-exec'd by the watchdog with --generation-dir and
// --feedback-fd already pointing at a directory the watchdog created
// and locked.
func helperAgentCmd() *cobra.Command {
	var (
		logLevel           string
		feedbackFd         int
		generationDir      string
		maxPoolSize        int
		maxInstancesPerApp int
		poolIdleTime       time.Duration
		passengerRoot      string
		rubyCommand        string
		lowerPrivilege     bool
		lowestUser         string
	)

	cmd := &cobra.Command{
		Use:    "helper-agent",
		Short:  "Run the helper agent (internal, launched by the watchdog)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := configureLogging(logLevel)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return watchdog.RunHelper(ctx, watchdog.HelperConfig{
				GenerationDir:      generationDir,
				MaxPoolSize:        maxPoolSize,
				MaxInstancesPerApp: maxInstancesPerApp,
				PoolIdleTime:       poolIdleTime,
				PassengerRoot:      passengerRoot,
				RubyCommand:        rubyCommand,
				LowerPrivilege:     lowerPrivilege,
				LowestUser:         lowestUser,
				FeedbackFD:         feedbackFd,
				Log:                log,
			})
		},
	}

	// Accepted but currently only informational: the watchdog already
	// resolved these into generationDir/the process's own uid-gid
	// before forking, so the helper does not need to act on them
	// again. They are still accepted so spec.md §6's full flag list
	// round-trips through the helper's own --help output.
	var webServerPid, workerUid, workerGid int
	var userSwitching bool
	var defaultUser string

	flags := cmd.Flags()
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.IntVar(&feedbackFd, "feedback-fd", -1, "fd to report readiness on")
	flags.IntVar(&webServerPid, "web-server-pid", 0, "pid of the web server process (informational)")
	flags.StringVar(&generationDir, "generation-dir", "", "generation directory prepared by the watchdog")
	flags.BoolVar(&userSwitching, "user-switching", false, "(informational, resolved by the watchdog)")
	flags.StringVar(&defaultUser, "default-user", "", "(informational, resolved by the watchdog)")
	flags.IntVar(&workerUid, "worker-uid", 0, "(informational, resolved by the watchdog)")
	flags.IntVar(&workerGid, "worker-gid", 0, "(informational, resolved by the watchdog)")
	flags.StringVar(&passengerRoot, "passenger-root", "", "installation root containing helper-scripts/spawn-server")
	flags.StringVar(&rubyCommand, "ruby-command", "ruby", "ruby interpreter used to run the spawn server")
	flags.IntVar(&maxPoolSize, "max-pool-size", 6, "global application instance cap")
	flags.IntVar(&maxInstancesPerApp, "max-instances-per-app", 0, "per-application instance cap")
	flags.DurationVar(&poolIdleTime, "pool-idle-time", 5*time.Minute, "idle eviction TTL")
	flags.BoolVar(&lowerPrivilege, "lower-privilege", false, "lower the spawn server's privilege")
	flags.StringVar(&lowestUser, "lowest-user", "nobody", "user to lower privilege to")

	return cmd
}
