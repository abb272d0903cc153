// Package poolrpc exposes a Pool over a msgserver.Server connection:
// PoolServer is the handler that runs inside the helper process,
// PoolClient is the synchronous caller-side mirror used by the web
// server (or, in this module, by tests and cmd/passenger-agent).
package poolrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/passenger-oss/appserver/internal/accounts"
	"github.com/passenger-oss/appserver/internal/msgserver"
	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/pool"
	"github.com/passenger-oss/appserver/internal/session"
	"github.com/passenger-oss/appserver/internal/spawner"
)

// Server adapts a *pool.Pool to the msgserver.Handler contract.
type Server struct {
	pool *pool.Pool
	log  *logrus.Entry
}

// NewServer wraps p for use as a msgserver.Handler.
func NewServer(p *pool.Pool, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{pool: p, log: log.WithField("component", "poolrpc")}
}

// clientState is the per-connection state: every Session this
// connection currently holds a reference to, keyed by the id handed
// back in the "ok" reply.
type clientState struct {
	mu       sync.Mutex
	sessions map[uint64]*session.Session
	nextID   uint64
}

// NewClient implements msgserver.Handler.
func (s *Server) NewClient(common *msgserver.ClientContext) (interface{}, error) {
	return &clientState{sessions: make(map[uint64]*session.Session)}, nil
}

// ClientDisconnected implements msgserver.Handler: every Session this
// connection obtained and never explicitly closed is dropped now, so
// its weak back-reference inside the Pool stops mattering.
func (s *Server) ClientDisconnected(common *msgserver.ClientContext, specific interface{}) {
	cs := specific.(*clientState)
	cs.mu.Lock()
	sessions := cs.sessions
	cs.sessions = nil
	cs.mu.Unlock()

	for id, sess := range sessions {
		if err := sess.Close(); err != nil {
			s.log.WithError(err).WithField("session_id", id).Warn("error closing session on disconnect")
		}
	}
}

// ProcessMessage implements msgserver.Handler.
func (s *Server) ProcessMessage(common *msgserver.ClientContext, specific interface{}, args []string) (bool, error) {
	cs := specific.(*clientState)

	switch args[0] {
	case "get":
		return true, s.handleGet(common, cs, args)
	case "close":
		return true, s.handleClose(cs, args)
	case "clear":
		if err := common.RequireRights(accounts.RightClear); err != nil {
			return true, err
		}
		s.pool.Clear()
		return true, common.Channel.WriteArray("ok")
	case "setMaxIdleTime":
		return true, s.handleSetSeconds(common, args, s.pool.SetMaxIdleTime)
	case "setMax":
		return true, s.handleSetInt(common, args, s.pool.SetMax)
	case "setMaxPerApp":
		return true, s.handleSetInt(common, args, s.pool.SetMaxPerApp)
	case "getActive":
		return true, s.handleGetInt(common, s.pool.GetActive())
	case "getCount":
		return true, s.handleGetInt(common, s.pool.GetCount())
	case "getSpawnServerPid":
		return true, s.handleGetInt(common, s.pool.GetSpawnServerPid())
	default:
		return false, nil
	}
}

func (s *Server) handleGet(common *msgserver.ClientContext, cs *clientState, args []string) error {
	if err := common.RequireRights(accounts.RightGet); err != nil {
		return err
	}
	if len(args) < 6 {
		return common.Channel.WriteArray("IOException", "get: expected 5 arguments")
	}

	opts := &spawner.Options{
		AppRoot:        args[1],
		LowerPrivilege: args[2] == "true",
		LowestUser:     args[3],
		Environment:    args[4],
		SpawnMethod:    spawner.SpawnMethod(args[5]),
	}

	// A short correlation id for tying this request's log lines
	// together, independent of the session id handed back to the
	// client below.
	reqID := uuid.New().String()[:8]
	log := s.log.WithField("req_id", reqID).WithField("app_root", opts.AppRoot)

	sess, err := s.pool.Get(context.Background(), opts)
	if err != nil {
		log.WithError(err).Warn("get failed")
		return s.replyGetError(common, err)
	}
	log.Debug("get succeeded")

	cs.mu.Lock()
	cs.nextID++
	id := cs.nextID
	if cs.sessions != nil {
		cs.sessions[id] = sess
	}
	cs.mu.Unlock()

	if err := common.Channel.WriteArray("ok", strconv.Itoa(sess.PID()), strconv.FormatUint(id, 10)); err != nil {
		return err
	}

	conn := sess.DiscardStream()
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("poolrpc: session stream is not a unix socket (%T)", conn)
	}
	f, err := unixConn.File()
	if err != nil {
		return &perrors.IOError{Op: "poolrpc.handleGet", Err: err}
	}
	defer f.Close()

	return common.Channel.WriteFileDescriptor(int(f.Fd()))
}

func (s *Server) replyGetError(common *msgserver.ClientContext, err error) error {
	var se *perrors.SpawnError
	if errors.As(err, &se) {
		hasPage := se.HasErrorPage()
		if writeErr := common.Channel.WriteArray("SpawnException", se.Msg, strconv.FormatBool(hasPage)); writeErr != nil {
			return writeErr
		}
		if hasPage {
			return common.Channel.WriteScalar([]byte(se.HTML))
		}
		return nil
	}
	return common.Channel.WriteArray("IOException", err.Error())
}

func (s *Server) handleClose(cs *clientState, args []string) error {
	if len(args) < 2 {
		return nil
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil
	}

	cs.mu.Lock()
	var sess *session.Session
	if cs.sessions != nil {
		sess = cs.sessions[id]
		delete(cs.sessions, id)
	}
	cs.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (s *Server) handleSetInt(common *msgserver.ClientContext, args []string, apply func(int)) error {
	if err := common.RequireRights(accounts.RightSetParameters); err != nil {
		return err
	}
	if len(args) < 2 {
		return common.Channel.WriteArray("IOException", args[0]+": missing argument")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return common.Channel.WriteArray("IOException", args[0]+": invalid integer")
	}
	apply(n)
	return common.Channel.WriteArray("ok")
}

func (s *Server) handleSetSeconds(common *msgserver.ClientContext, args []string, apply func(time.Duration)) error {
	if err := common.RequireRights(accounts.RightSetParameters); err != nil {
		return err
	}
	if len(args) < 2 {
		return common.Channel.WriteArray("IOException", args[0]+": missing argument")
	}
	seconds, err := strconv.Atoi(args[1])
	if err != nil {
		return common.Channel.WriteArray("IOException", args[0]+": invalid integer")
	}
	apply(time.Duration(seconds) * time.Second)
	return common.Channel.WriteArray("ok")
}

func (s *Server) handleGetInt(common *msgserver.ClientContext, n int) error {
	if err := common.RequireRights(accounts.RightGetParameters); err != nil {
		return err
	}
	return common.Channel.WriteArray(strconv.Itoa(n))
}
