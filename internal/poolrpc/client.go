package poolrpc

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/spawner"
	"github.com/passenger-oss/appserver/internal/wire"
)

// Client is the synchronous caller-side mirror of Server: every method
// is one request, one reply, serialized behind a mutex since the
// underlying channel carries only one in-flight exchange at a time.
type Client struct {
	mu   sync.Mutex
	ch   *wire.Channel
	conn net.Conn
}

// Dial connects to a poolrpc Server at socketPath and runs the login
// handshake described in the message-server protocol.
func Dial(socketPath, username, password string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, &perrors.IOError{Op: "poolrpc.Dial", Err: err}
	}

	ch, err := wire.New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := login(ch, username, password); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{ch: ch, conn: conn}, nil
}

func login(ch *wire.Channel, username, password string) error {
	banner, ok, err := ch.ReadArray()
	if err != nil {
		return err
	}
	if !ok || len(banner) < 1 || banner[0] != "version" {
		return &perrors.IOError{Op: "poolrpc.login", Err: fmt.Errorf("unexpected banner %v", banner)}
	}

	if err := ch.WriteScalar([]byte(username)); err != nil {
		return err
	}
	if err := ch.WriteScalar([]byte(password)); err != nil {
		return err
	}

	reply, ok, err := ch.ReadArray()
	if err != nil {
		return err
	}
	if !ok || len(reply) < 1 || reply[0] != "ok" {
		return &perrors.SecurityError{Msg: "poolrpc: login rejected"}
	}
	return nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Get requests a Session for appRoot, spawning or reusing a backend
// instance on the server side.
func (c *Client) Get(appRoot string, lowerPrivilege bool, lowestUser, environment string, spawnMethod spawner.SpawnMethod) (*ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lp := "false"
	if lowerPrivilege {
		lp = "true"
	}
	if err := c.ch.WriteArray("get", appRoot, lp, lowestUser, environment, string(spawnMethod)); err != nil {
		return nil, err
	}

	reply, ok, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: io.ErrUnexpectedEOF}
	}

	switch reply[0] {
	case "ok":
		return c.finishGet(reply)
	case "SpawnException":
		return nil, c.readSpawnException(appRoot, reply)
	case "IOException":
		msg := ""
		if len(reply) > 1 {
			msg = reply[1]
		}
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: fmt.Errorf("%s", msg)}
	default:
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: fmt.Errorf("unexpected reply %v", reply)}
	}
}

func (c *Client) finishGet(reply []string) (*ClientSession, error) {
	if len(reply) < 3 {
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: fmt.Errorf("malformed ok reply %v", reply)}
	}
	pid, err := strconv.Atoi(reply[1])
	if err != nil {
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: err}
	}
	id, err := strconv.ParseUint(reply[2], 10, 64)
	if err != nil {
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: err}
	}

	fd, err := c.ch.ReadFileDescriptor()
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "session")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, &perrors.IOError{Op: "poolrpc.Get", Err: err}
	}

	return &ClientSession{client: c, id: id, pid: pid, conn: conn}, nil
}

func (c *Client) readSpawnException(appRoot string, reply []string) error {
	msg := ""
	hasPage := false
	if len(reply) > 1 {
		msg = reply[1]
	}
	if len(reply) > 2 {
		hasPage = reply[2] == "true"
	}
	html := ""
	if hasPage {
		payload, _, err := c.ch.ReadScalar()
		if err != nil {
			return err
		}
		html = string(payload)
	}
	return &perrors.SpawnError{AppRoot: appRoot, Msg: msg, HTML: html}
}

// readReply reads the next reply frame, first consuming the
// "Passed security" frame the server sends after a passed rights check.
func (c *Client) readReply() ([]string, bool, error) {
	reply, ok, err := c.ch.ReadArray()
	if err == nil && ok && len(reply) == 1 && reply[0] == "Passed security" {
		return c.ch.ReadArray()
	}
	return reply, ok, err
}

// closeSession sends the close frame for a ClientSession being
// released. It takes the Client's own lock, not the session's.
func (c *Client) closeSession(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.WriteArray("close", strconv.FormatUint(id, 10))
}

// Clear destroys every instance in the server-side pool.
func (c *Client) Clear() error {
	return c.simpleCommand("clear")
}

func (c *Client) simpleCommand(args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.WriteArray(args...); err != nil {
		return err
	}
	reply, ok, err := c.readReply()
	if err != nil {
		return err
	}
	if !ok || len(reply) < 1 || reply[0] != "ok" {
		return &perrors.IOError{Op: "poolrpc." + args[0], Err: fmt.Errorf("unexpected reply %v", reply)}
	}
	return nil
}

// SetMax changes the server-side pool's global instance cap.
func (c *Client) SetMax(n int) error {
	return c.simpleCommand("setMax", strconv.Itoa(n))
}

// SetMaxPerApp changes the server-side pool's per-app instance cap.
func (c *Client) SetMaxPerApp(n int) error {
	return c.simpleCommand("setMaxPerApp", strconv.Itoa(n))
}

// SetMaxIdleTime changes the server-side pool's idle TTL.
func (c *Client) SetMaxIdleTime(d time.Duration) error {
	return c.simpleCommand("setMaxIdleTime", strconv.Itoa(int(d/time.Second)))
}

func (c *Client) intQuery(cmd string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.WriteArray(cmd); err != nil {
		return 0, err
	}
	reply, ok, err := c.readReply()
	if err != nil {
		return 0, err
	}
	if !ok || len(reply) < 1 {
		return 0, &perrors.IOError{Op: "poolrpc." + cmd, Err: io.ErrUnexpectedEOF}
	}
	n, err := strconv.Atoi(reply[0])
	if err != nil {
		return 0, &perrors.IOError{Op: "poolrpc." + cmd, Err: err}
	}
	return n, nil
}

// GetActive returns the number of server-side instances with at least
// one open session.
func (c *Client) GetActive() (int, error) { return c.intQuery("getActive") }

// GetCount returns the total number of live server-side instances.
func (c *Client) GetCount() (int, error) { return c.intQuery("getCount") }

// GetSpawnServerPid returns the server-side spawn server's pid.
func (c *Client) GetSpawnServerPid() (int, error) { return c.intQuery("getSpawnServerPid") }

// ClientSession is the caller-side handle for a Session obtained via
// Client.Get: the passed fd wrapped as a net.Conn, plus a reference
// back to the Client so Close can send the close frame.
type ClientSession struct {
	client *Client
	id     uint64
	pid    int
	conn   net.Conn

	closeOnce sync.Once
	closeErr  error
}

// PID returns the backend process id this session is bound to.
func (s *ClientSession) PID() int { return s.pid }

// Stream returns the underlying connection for reading the response
// and writing the request body.
func (s *ClientSession) Stream() net.Conn { return s.conn }

// Close closes the local stream and tells the server to drop its
// reference to the session, exactly once.
func (s *ClientSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if err := s.client.closeSession(s.id); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
