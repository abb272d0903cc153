package watchdog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// restartBackoff is how long the watchdog waits before relaunching a
// helper that died while the web server is still up.
const restartBackoff = 500 * time.Millisecond

// helperStartTimeout bounds how long the watchdog waits for the
// helper's "ready" line on the feedback pipe before declaring a
// startup failure.
const helperStartTimeout = 30 * time.Second

// Config carries everything the watchdog needs to lay out the
// generation directory and launch/supervise the helper.
type Config struct {
	TempDir       string
	UserSwitching bool
	DefaultUser   string
	DefaultGroup  string
	WorkerUID     int
	WorkerGID     int

	PassengerRoot string
	RubyCommand   string

	MaxPoolSize        int
	MaxInstancesPerApp int
	PoolIdleTime       time.Duration

	LowerPrivilege bool
	LowestUser     string

	// WebServerFeedbackFD is a fd inherited from the process that
	// launched the watchdog (e.g. an Apache/Nginx module), used to
	// relay the socket path once the helper is ready and to detect
	// that process dying. -1 means none (standalone use).
	WebServerFeedbackFD int
	WebServerPid        int

	// HelperExecutable is re-exec'd as the helper; defaults to
	// os.Args[0] (this same binary, invoked with the hidden
	// "helper-agent" subcommand).
	HelperExecutable string
	LogLevel         string

	Log *logrus.Entry
}

// Watchdog owns the server instance directory for its lifetime and
// supervises exactly one helper child process at a time, restarting
// it if it dies while the web server is still up.
type Watchdog struct {
	cfg         Config
	instanceDir *ServerInstanceDir
	generation  *Generation
	log         *logrus.Entry

	mu       sync.Mutex
	helper   *exec.Cmd
	stopping bool
}

// New lays out the server instance + generation directory tree. It
// does not yet start the helper.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.HelperExecutable == "" {
		cfg.HelperExecutable = os.Args[0]
	}
	if cfg.WebServerFeedbackFD == 0 {
		cfg.WebServerFeedbackFD = -1
	}

	dir, err := NewServerInstanceDir(cfg.TempDir, os.Getpid())
	if err != nil {
		return nil, err
	}
	gen, err := NewGeneration(dir, GenerationConfig{
		UserSwitching: cfg.UserSwitching,
		DefaultUser:   cfg.DefaultUser,
		DefaultGroup:  cfg.DefaultGroup,
		WorkerUID:     cfg.WorkerUID,
		WorkerGID:     cfg.WorkerGID,
	})
	if err != nil {
		dir.Destroy()
		return nil, err
	}

	return &Watchdog{
		cfg:         cfg,
		instanceDir: dir,
		generation:  gen,
		log:         cfg.Log.WithField("component", "watchdog"),
	}, nil
}

// Generation returns the directory tree this watchdog created.
func (w *Watchdog) Generation() *Generation { return w.generation }

// Run launches and supervises the helper until ctx is cancelled, then
// shuts the helper down gracefully and removes the generation
// directory. Returns nil on a clean shutdown.
func (w *Watchdog) Run(ctx context.Context) error {
	defer w.cleanup()

	g, gctx := errgroup.WithContext(ctx)
	webServerGone := make(chan struct{})

	if w.cfg.WebServerFeedbackFD >= 0 {
		g.Go(func() error {
			w.watchWebServer(webServerGone)
			return nil
		})
	}

	g.Go(func() error {
		return w.superviseHelper(gctx, webServerGone)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchWebServer blocks reading the inherited feedback fd; any read
// error (including a clean EOF, meaning the web server exited)
// closes gone. Mirrors Watchdog.cpp's detection of the web server
// process dying out from under the watchdog.
func (w *Watchdog) watchWebServer(gone chan<- struct{}) {
	f := os.NewFile(uintptr(w.cfg.WebServerFeedbackFD), "web-server-feedback")
	defer f.Close()
	buf := make([]byte, 1)
	for {
		if _, err := f.Read(buf); err != nil {
			close(gone)
			return
		}
	}
}

func (w *Watchdog) superviseHelper(ctx context.Context, webServerGone <-chan struct{}) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		cmd, feedback, err := w.startHelper()
		if err != nil {
			return fmt.Errorf("watchdog: failed to start helper: %w", err)
		}

		ready := make(chan string, 1)
		crashed := make(chan struct{}, 1)
		go monitorFeedback(feedback, ready, crashed)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case password := <-ready:
			w.log.WithField("pid", cmd.Process.Pid).Info("helper ready")
			w.relayToWebServer(password)
		case <-time.After(helperStartTimeout):
			w.killHelper(cmd)
			<-exited
			return fmt.Errorf("watchdog: helper did not become ready within %s", helperStartTimeout)
		case err := <-exited:
			return fmt.Errorf("watchdog: helper exited during startup: %w", err)
		}

		select {
		case <-ctx.Done():
			w.shutdownHelper(cmd, exited)
			return nil
		case <-webServerGone:
			w.log.Warn("web server gone, killing helper process group")
			w.killHelper(cmd)
			<-exited
			return nil
		case <-crashed:
			w.log.Warn("helper crashed, restarting")
			time.Sleep(restartBackoff)
			continue
		case err := <-exited:
			if err != nil {
				w.log.WithError(err).Warn("helper exited unexpectedly, restarting")
			} else {
				w.log.Warn("helper exited cleanly on its own, restarting")
			}
			time.Sleep(restartBackoff)
			continue
		}
	}
}

// monitorFeedback reads the helper's feedback pipe: the first line is
// "ready <password>"; any read failure after that (including EOF,
// since the helper holds the write end open for its whole life) means
// the helper crashed.
func monitorFeedback(r *os.File, ready chan<- string, crashed chan<- struct{}) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		close(crashed)
		return
	}
	line := scanner.Text()
	const prefix = "ready "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		close(crashed)
		return
	}
	ready <- line[len(prefix):]

	for scanner.Scan() {
		// Drain any further lines; the helper has nothing else to say.
	}
	close(crashed)
}

func (w *Watchdog) relayToWebServer(password string) {
	if w.cfg.WebServerFeedbackFD < 0 {
		return
	}
	f := os.NewFile(uintptr(w.cfg.WebServerFeedbackFD), "web-server-feedback")
	fmt.Fprintf(f, "socket=%s\npassword=%s\n", w.generation.SocketPath(), password)
}

// startHelper launches the helper as a child in its own process group
// (so a crash-induced kill can take its whole group with it) with the
// write end of a fresh feedback pipe inherited at fd 3; the returned
// file is the read end the watchdog keeps.
func (w *Watchdog) startHelper() (*exec.Cmd, *os.File, error) {
	feedbackRead, feedbackWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("watchdog: feedback pipe: %w", err)
	}
	defer feedbackWrite.Close()

	args := append([]string{"helper-agent"}, w.helperArgs()...)
	cmd := exec.Command(w.cfg.HelperExecutable, args...)
	cmd.ExtraFiles = []*os.File{feedbackWrite}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		feedbackRead.Close()
		return nil, nil, err
	}

	w.mu.Lock()
	w.helper = cmd
	w.mu.Unlock()

	return cmd, feedbackRead, nil
}

// helperArgs maps Config onto the helper's command-line flags:
// logLevel, feedbackFd, webServerPid, generationDir, userSwitching,
// defaultUser, workerUid, workerGid, passengerRoot, rubyCommand,
// maxPoolSize, maxInstancesPerApp, poolIdleTime, lowerPrivilege,
// lowestUser. The already-created generation directory is passed in
// place of separate tempDir/generationNumber flags.
func (w *Watchdog) helperArgs() []string {
	return []string{
		"--log-level", w.cfg.LogLevel,
		"--feedback-fd", "3",
		"--web-server-pid", strconv.Itoa(w.cfg.WebServerPid),
		"--generation-dir", w.generation.Path,
		"--user-switching=" + strconv.FormatBool(w.cfg.UserSwitching),
		"--default-user", w.cfg.DefaultUser,
		"--worker-uid", strconv.Itoa(w.cfg.WorkerUID),
		"--worker-gid", strconv.Itoa(w.cfg.WorkerGID),
		"--passenger-root", w.cfg.PassengerRoot,
		"--ruby-command", w.cfg.RubyCommand,
		"--max-pool-size", strconv.Itoa(w.cfg.MaxPoolSize),
		"--max-instances-per-app", strconv.Itoa(w.cfg.MaxInstancesPerApp),
		"--pool-idle-time", w.cfg.PoolIdleTime.String(),
		"--lower-privilege=" + strconv.FormatBool(w.cfg.LowerPrivilege),
		"--lowest-user", w.cfg.LowestUser,
	}
}

// shutdownHelper asks the helper to exit gracefully (SIGTERM), giving
// it 5 seconds before escalating to a group kill. exited is the same
// channel superviseHelper uses to observe cmd.Wait(); shutdownHelper
// never waits on the process itself to avoid racing that call.
func (w *Watchdog) shutdownHelper(cmd *exec.Cmd, exited <-chan error) {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		w.killHelper(cmd)
		<-exited
	}
}

// killHelper SIGKILLs the helper's entire process group, matching
// Watchdog.cpp's response to a detected web-server crash: any
// grandchildren the helper spawned die with it.
func (w *Watchdog) killHelper(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (w *Watchdog) cleanup() {
	if err := w.generation.Destroy(); err != nil {
		w.log.WithError(err).Warn("failed to remove generation directory")
	}
	if err := w.instanceDir.Destroy(); err != nil {
		w.log.WithError(err).Warn("failed to remove server instance directory")
	}
}
