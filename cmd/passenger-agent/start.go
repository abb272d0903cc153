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

func startCmd() *cobra.Command {
	var (
		logLevel           string
		feedbackFd         int
		webServerPid       int
		tempDir            string
		userSwitching      bool
		defaultUser        string
		defaultGroup       string
		workerUid          int
		workerGid          int
		passengerRoot      string
		rubyCommand        string
		maxPoolSize        int
		maxInstancesPerApp int
		poolIdleTime       time.Duration
		lowerPrivilege     bool
		lowestUser         string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the watchdog, which supervises the helper agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := configureLogging(logLevel)

			wd, err := watchdog.New(watchdog.Config{
				TempDir:             tempDir,
				UserSwitching:       userSwitching,
				DefaultUser:         defaultUser,
				DefaultGroup:        defaultGroup,
				WorkerUID:           workerUid,
				WorkerGID:           workerGid,
				PassengerRoot:       passengerRoot,
				RubyCommand:         rubyCommand,
				MaxPoolSize:         maxPoolSize,
				MaxInstancesPerApp:  maxInstancesPerApp,
				PoolIdleTime:        poolIdleTime,
				LowerPrivilege:      lowerPrivilege,
				LowestUser:          lowestUser,
				WebServerFeedbackFD: feedbackFd,
				WebServerPid:        webServerPid,
				LogLevel:            logLevel,
				Log:                 log,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.WithField("signal", sig.String()).Info("received shutdown signal")
				cancel()
			}()

			return wd.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.IntVar(&feedbackFd, "feedback-fd", -1, "fd inherited from the web server for status relay, -1 for none")
	flags.IntVar(&webServerPid, "web-server-pid", 0, "pid of the web server process to monitor")
	flags.StringVar(&tempDir, "temp-dir", os.TempDir(), "base directory for the server instance directory")
	flags.BoolVar(&userSwitching, "user-switching", false, "run each application as its own user")
	flags.StringVar(&defaultUser, "default-user", "nobody", "user applications run as when user switching is disabled")
	flags.StringVar(&defaultGroup, "default-group", "nogroup", "group applications run as when user switching is disabled")
	flags.IntVar(&workerUid, "worker-uid", os.Getuid(), "uid of the web server's worker processes")
	flags.IntVar(&workerGid, "worker-gid", os.Getgid(), "gid of the web server's worker processes")
	flags.StringVar(&passengerRoot, "passenger-root", "", "installation root containing helper-scripts/spawn-server")
	flags.StringVar(&rubyCommand, "ruby-command", "ruby", "ruby interpreter used to run the spawn server")
	flags.IntVar(&maxPoolSize, "max-pool-size", 6, "global application instance cap")
	flags.IntVar(&maxInstancesPerApp, "max-instances-per-app", 0, "per-application instance cap, 0 = unlimited")
	flags.DurationVar(&poolIdleTime, "pool-idle-time", 5*time.Minute, "how long an idle instance may live before eviction")
	flags.BoolVar(&lowerPrivilege, "lower-privilege", false, "lower the spawn server's privilege to lowest-user")
	flags.StringVar(&lowestUser, "lowest-user", "nobody", "user to lower privilege to when lower-privilege is set")

	return cmd
}
