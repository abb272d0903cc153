package spawner

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/session"
)

// ApplicationInstance is one running backend process: its pid, the
// address of the socket it listens on for new sessions, and the write
// end of its owner pipe, whose closing tells the backend to exit.
type ApplicationInstance struct {
	AppRoot                string
	PID                    int
	ListenerAddress        string
	UsingAbstractNamespace bool

	ownerPipe *os.File

	mu             sync.Mutex
	lastUsed       time.Time
	activeSessions int
	shutdown       bool
}

// NewApplicationInstance builds an ApplicationInstance directly from
// its constituent fields. Used by Manager.Spawn after parsing a spawn
// reply, and available to callers (e.g. tests, or a watchdog
// reattaching to instances after a helper restart) that already have
// these values from some other source.
func NewApplicationInstance(appRoot string, pid int, listenerAddress string, abstractNamespace bool, ownerPipe *os.File) *ApplicationInstance {
	return newApplicationInstance(appRoot, pid, listenerAddress, abstractNamespace, ownerPipe)
}

func newApplicationInstance(appRoot string, pid int, listenerAddress string, abstractNamespace bool, ownerPipe *os.File) *ApplicationInstance {
	return &ApplicationInstance{
		AppRoot:                appRoot,
		PID:                    pid,
		ListenerAddress:        listenerAddress,
		UsingAbstractNamespace: abstractNamespace,
		ownerPipe:              ownerPipe,
		lastUsed:               time.Now(),
	}
}

// LastUsed reports when the most recent session against this instance
// was opened.
func (a *ApplicationInstance) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// ActiveSessions reports how many sessions are currently open against
// this instance.
func (a *ApplicationInstance) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeSessions
}

// Connect dials the instance's listener socket and returns a new
// Session. closeCallback, if non-nil, runs exactly once when the
// returned Session is closed.
func (a *ApplicationInstance) Connect(closeCallback func()) (*session.Session, error) {
	network := "unix"
	addr := a.ListenerAddress
	if a.UsingAbstractNamespace {
		// Go's net package spells the abstract-namespace leading NUL as
		// "@name", matching the convention used by x/sys/unix callers.
		addr = "@" + strings.TrimPrefix(addr, "\x00")
	}

	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, &perrors.IOError{Op: "applicationinstance.connect", Err: err}
	}

	a.mu.Lock()
	a.lastUsed = time.Now()
	a.activeSessions++
	a.mu.Unlock()

	onClose := func() {
		a.mu.Lock()
		a.activeSessions--
		a.mu.Unlock()
		if closeCallback != nil {
			closeCallback()
		}
	}

	sess, err := session.New(a.PID, conn, onClose)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// Shutdown tells the backend to terminate by closing the owner pipe
// (the backend's select/poll loop observes EOF on its read end and
// exits) and unlinks the listener socket if it lives in the
// filesystem namespace.
func (a *ApplicationInstance) Shutdown() error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	var firstErr error
	if a.ownerPipe != nil {
		if err := a.ownerPipe.Close(); err != nil {
			firstErr = fmt.Errorf("closing owner pipe: %w", err)
		}
	}
	if !a.UsingAbstractNamespace && a.ListenerAddress != "" {
		if err := os.Remove(a.ListenerAddress); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("unlinking listener socket: %w", err)
		}
	}
	return firstErr
}
