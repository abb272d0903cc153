// Package spawner owns the long-lived spawn-server subprocess and
// turns SpawnOptions into running ApplicationInstances by speaking the
// spawn-server wire protocol over a socketpair-backed control channel.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/wire"
)

// killTimeout is how long the manager waits for a SIGTERM'd
// spawn-server to exit before escalating to SIGKILL.
const killTimeout = 5 * time.Second

// Manager owns one spawn-server child process and the control channel
// used to ask it to spawn or reload applications. A dead or
// misbehaving spawn-server is restarted exactly once per failing call
// before the error is surfaced to the caller.
type Manager struct {
	spawnServerPath string
	extraArgs       []string
	lowerPrivilege  bool
	spawnServerUser string
	log             *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	control *wire.Channel
}

// NewManager creates a Manager that will launch spawnServerPath (with
// extraArgs) on first use. The process is not started until the first
// call to Spawn or Reload.
func NewManager(spawnServerPath string, extraArgs []string, lowerPrivilege bool, spawnServerUser string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		spawnServerPath: spawnServerPath,
		extraArgs:       extraArgs,
		lowerPrivilege:  lowerPrivilege,
		spawnServerUser: spawnServerUser,
		log:             log.WithField("component", "spawner"),
	}
}

// Pid returns the spawn-server's process id, or 0 if it has not been
// started yet.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Close terminates the spawn-server subprocess, if running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.control != nil {
		m.control.Close()
		m.control = nil
	}
	if m.cmd == nil || m.cmd.Process == nil {
		m.cmd = nil
		return nil
	}
	proc := m.cmd.Process
	_ = proc.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		m.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killTimeout):
		_ = proc.Kill()
		<-done
	}
	m.cmd = nil
	return nil
}

// startLocked launches the spawn-server child and wires a socketpair
// control channel to it, landing the child's end at fd 3 exactly as
// the spawn-server expects.
func (m *Manager) startLocked() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return &perrors.SystemError{Op: "socketpair", Err: err}
	}
	parentFile := os.NewFile(uintptr(fds[0]), "spawn-server-control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "spawn-server-control-child")
	defer childFile.Close()

	cmd := exec.Command(m.spawnServerPath, m.extraArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if m.lowerPrivilege && m.spawnServerUser != "" {
		cred, err := lookupCredential(m.spawnServerUser)
		if err != nil {
			parentFile.Close()
			return err
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return &perrors.SpawnError{Msg: fmt.Sprintf("failed to start spawn server: %v", err)}
	}

	conn, err := netFileConn(parentFile)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	ch, err := wire.New(conn)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	m.cmd = cmd
	m.control = ch
	m.log.WithField("pid", cmd.Process.Pid).Info("spawn server started")
	return nil
}

// Spawn asks the spawn server for a new instance of the application
// described by options. On a protocol or I/O failure the spawn server
// is restarted and the call retried exactly once.
func (m *Manager) Spawn(options *Options) (*ApplicationInstance, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	operation := func() (*ApplicationInstance, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.control == nil {
			if err := m.startLocked(); err != nil {
				return nil, err
			}
		}
		inst, err := m.spawnOnceLocked(options)
		if err != nil && !perrors.IsSpawnError(err) {
			m.log.WithError(err).Warn("spawn request failed, restarting spawn server")
			_ = m.stopLocked()
		}
		return inst, err
	}

	inst, err := operation()
	if err == nil {
		return inst, nil
	}
	if perrors.IsSpawnError(err) {
		// The application itself failed to start; restarting the spawn
		// server would not help and the error page is meaningful.
		return nil, err
	}
	return operation()
}

func (m *Manager) spawnOnceLocked(options *Options) (*ApplicationInstance, error) {
	err := m.control.WriteArray(
		"spawn_application",
		options.AppRoot,
		strconv.FormatBool(options.LowerPrivilege),
		options.LowestUser,
		options.Environment,
		string(options.SpawnMethod),
		options.AppType,
	)
	if err != nil {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: err}
	}

	reply, ok, err := m.control.ReadArray()
	if err != nil {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: err}
	}
	if !ok {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: fmt.Errorf("spawn server closed connection")}
	}

	if len(reply) >= 1 && reply[0] == "error_page" {
		html, ok, err := m.control.ReadScalar()
		if err != nil {
			return nil, &perrors.IOError{Op: "spawner.spawn", Err: err}
		}
		htmlStr := ""
		if ok {
			htmlStr = string(html)
		}
		return nil, &perrors.SpawnError{AppRoot: options.AppRoot, Msg: "application failed to start", HTML: htmlStr}
	}
	if len(reply) != 1 || reply[0] != "ok" {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: fmt.Errorf("unexpected spawn reply: %v", reply)}
	}

	info, ok, err := m.control.ReadArray()
	if err != nil {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: err}
	}
	if !ok || len(info) != 3 {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: fmt.Errorf("malformed spawn info: %v", info)}
	}
	pid, err := strconv.Atoi(info[0])
	if err != nil {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: fmt.Errorf("bad pid %q: %w", info[0], err)}
	}
	listenerAddress := info[1]
	abstractNamespace := info[2] == "true"

	ownerFD, err := m.control.ReadFileDescriptor()
	if err != nil {
		return nil, &perrors.IOError{Op: "spawner.spawn", Err: fmt.Errorf("reading owner pipe: %w", err)}
	}
	ownerPipe := os.NewFile(uintptr(ownerFD), "owner-pipe")

	if !abstractNamespace && listenerAddress != "" {
		if err := os.Chmod(listenerAddress, 0600); err != nil {
			m.log.WithError(err).WithField("socket", listenerAddress).Warn("failed to chmod listener socket")
		}
		if err := os.Chown(listenerAddress, os.Geteuid(), os.Getegid()); err != nil {
			m.log.WithError(err).WithField("socket", listenerAddress).Warn("failed to chown listener socket")
		}
	}

	return newApplicationInstance(options.AppRoot, pid, listenerAddress, abstractNamespace, ownerPipe), nil
}

// Reload tells the spawn server to discard any cached state (compiled
// code, preloaded framework state) for appRoot, so the next Spawn for
// it starts fresh. Best-effort: failures restart the spawn server but
// are not retried, since the caller typically fires-and-forgets this.
func (m *Manager) Reload(appRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.control == nil {
		if err := m.startLocked(); err != nil {
			return err
		}
	}
	if err := m.control.WriteArray("reload", appRoot); err != nil {
		_ = m.stopLocked()
		return &perrors.IOError{Op: "spawner.reload", Err: err}
	}
	return nil
}

// backoffFor builds an exponential retry schedule (50ms initial
// interval, capped at maxElapsed). Nothing in this module calls it:
// the manager's own single-retry policy restarts the spawn server
// immediately, without a backoff delay.
func backoffFor(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = maxElapsed
	return b
}
