// Package msgserver implements the generic authenticated RPC loop
// shared by every local-socket listener in the pool: accept a
// connection, run the username/password login handshake against an
// accounts.Database, then dispatch each subsequent array message
// through an ordered chain of pluggable handlers.
package msgserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/passenger-oss/appserver/internal/accounts"
	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/wire"
)

const (
	// DefaultLoginTimeout bounds the username+password exchange.
	DefaultLoginTimeout = 2 * time.Second
	// MaxUsernameSize bounds the login username frame.
	MaxUsernameSize = 100
	// MaxPasswordSize bounds the login password frame.
	MaxPasswordSize = 100
)

// ClientContext is the per-connection state visible to handlers. It is
// created after a successful login and lives for the connection.
type ClientContext struct {
	Channel *wire.Channel
	Account *accounts.Account
	Conn    net.Conn

	mu sync.Mutex
}

// RequireRights writes a security-check reply to the client and
// returns a *perrors.SecurityError if the authenticated account lacks
// any bit in mask. Handlers call this before acting on a message that
// needs elevated rights.
func (c *ClientContext) RequireRights(mask accounts.Rights) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Account.Rights.Has(mask) {
		if err := c.Channel.WriteArray("Passed security"); err != nil {
			return err
		}
		return nil
	}
	msg := fmt.Sprintf("account %q lacks required rights", c.Account.Username)
	_ = c.Channel.WriteArray("SecurityException", msg)
	return &perrors.SecurityError{Msg: msg}
}

// Handler is a pluggable participant in the per-connection message
// loop. MessageServer calls NewClient once per connection right after
// login, ProcessMessage for every subsequent array message (in
// registration order, stopping at the first handler that returns
// handled=true), and ClientDisconnected once when the connection ends
// for any reason (EOF, read error, handler error, or an unhandled
// message) — only for handlers whose NewClient ran.
type Handler interface {
	NewClient(common *ClientContext) (specific interface{}, err error)
	ProcessMessage(common *ClientContext, specific interface{}, args []string) (handled bool, err error)
	ClientDisconnected(common *ClientContext, specific interface{})
}

// Server is the accept loop: one unix socket, one accounts database,
// an ordered handler chain.
type Server struct {
	listener     net.Listener
	accountsDB   *accounts.Database
	handlers     []Handler
	loginTimeout time.Duration
	log          *logrus.Entry

	wg sync.WaitGroup
}

// New creates a MessageServer listening on socketPath. The socket is
// created world-writable (0777): security rests on the login
// handshake, not filesystem permissions, since the socket typically
// lives in a shared tmp tree.
func New(socketPath string, db *accounts.Database, log *logrus.Entry) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, &perrors.FileSystemError{Path: socketPath, Op: "listen", Err: err}
	}
	if err := os.Chmod(socketPath, 0777); err != nil {
		ln.Close()
		return nil, &perrors.FileSystemError{Path: socketPath, Op: "chmod", Err: err}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		listener:     ln,
		accountsDB:   db,
		loginTimeout: DefaultLoginTimeout,
		log:          log.WithField("component", "msgserver"),
	}, nil
}

// AddHandler appends a handler to the dispatch chain. Order matters:
// handlers are tried in registration order.
func (s *Server) AddHandler(h Handler) {
	s.handlers = append(s.handlers, h)
}

// Addr returns the listener's socket path.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if isClosedErr(err) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting new connections. In-flight connections are
// allowed to finish.
func (s *Server) Close() error {
	return s.listener.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	ch, err := wire.New(conn)
	if err != nil {
		s.log.WithError(err).Warn("failed to wrap connection")
		return
	}

	if err := ch.SetReadTimeout(s.loginTimeout); err != nil {
		s.log.WithError(err).Warn("failed to set login read timeout")
		return
	}
	if err := ch.SetWriteTimeout(s.loginTimeout); err != nil {
		s.log.WithError(err).Warn("failed to set login write timeout")
		return
	}

	if err := ch.WriteArray("version", "1"); err != nil {
		s.log.WithError(err).Debug("failed to send version banner")
		return
	}

	account, err := s.login(ch)
	if err != nil {
		s.log.WithError(err).Debug("login failed")
		return
	}

	if err := ch.SetReadTimeout(0); err != nil {
		return
	}
	if err := ch.SetWriteTimeout(0); err != nil {
		return
	}

	common := &ClientContext{Channel: ch, Account: account, Conn: conn}
	log := s.log.WithField("account", account.Username)

	specifics := make([]interface{}, len(s.handlers))
	ran := make([]bool, len(s.handlers))
	for i, h := range s.handlers {
		spec, err := h.NewClient(common)
		if err != nil {
			log.WithError(err).Warn("handler rejected new client")
			s.disconnectAll(common, s.handlers, specifics, ran)
			return
		}
		specifics[i] = spec
		ran[i] = true
	}

	for {
		args, ok, err := ch.ReadArray()
		if err != nil {
			log.WithError(err).Debug("message read failed, disconnecting")
			break
		}
		if !ok {
			log.Debug("client disconnected (EOF)")
			break
		}

		handled := false
		for i, h := range s.handlers {
			var hErr error
			handled, hErr = h.ProcessMessage(common, specifics[i], args)
			if hErr != nil {
				log.WithError(hErr).Debug("handler error, disconnecting")
				s.disconnectAll(common, s.handlers, specifics, ran)
				return
			}
			if handled {
				break
			}
		}
		if !handled {
			log.WithField("command", args[0]).Warn("no handler consumed message, disconnecting")
			break
		}
	}

	s.disconnectAll(common, s.handlers, specifics, ran)
}

func (s *Server) disconnectAll(common *ClientContext, handlers []Handler, specifics []interface{}, ran []bool) {
	for i, h := range handlers {
		if ran[i] {
			h.ClientDisconnected(common, specifics[i])
		}
	}
}

func (s *Server) login(ch *wire.Channel) (*accounts.Account, error) {
	userPayload, ok, err := ch.ReadScalar()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &perrors.IOError{Op: "msgserver.login", Err: fmt.Errorf("EOF before username")}
	}
	if len(userPayload) > MaxUsernameSize {
		_ = ch.WriteArray("Username too long.")
		return nil, &perrors.SecurityError{Msg: "username too long"}
	}

	passPayload, ok, err := ch.ReadScalar()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &perrors.IOError{Op: "msgserver.login", Err: fmt.Errorf("EOF before password")}
	}
	if len(passPayload) > MaxPasswordSize {
		_ = ch.WriteArray("Password too long.")
		return nil, &perrors.SecurityError{Msg: "password too long"}
	}

	acct, err := s.accountsDB.Authenticate(string(userPayload), string(passPayload))
	if err != nil {
		_ = ch.WriteArray("Invalid username or password.")
		return nil, &perrors.SecurityError{Msg: "invalid username or password"}
	}

	if err := ch.WriteArray("ok"); err != nil {
		return nil, err
	}
	return acct, nil
}
