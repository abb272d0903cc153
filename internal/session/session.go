// Package session implements the full-duplex socket wrapper that
// carries exactly one HTTP request/response to one application
// backend.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/passenger-oss/appserver/internal/wire"
)

// Session wraps one socket fd (full-duplex) and the pid of the backend
// it is connected to. sendHeaders must be the first call; sendBodyBlock
// may follow zero or more times; shutdownWriter then signals
// end-of-body to the backend, after which the caller reads the
// response from the stream returned by Stream().
type Session struct {
	pid  int
	conn net.Conn
	ch   *wire.Channel

	mu           sync.Mutex
	headersSent  bool
	closed       bool
	discarded    bool
	onClose      func()
	closeOnce    sync.Once
}

// New wraps conn (already connected to a backend's listener socket) as
// a Session for the given backend pid. onClose, if non-nil, is invoked
// exactly once when the Session is closed (directly or via Close).
func New(pid int, conn net.Conn, onClose func()) (*Session, error) {
	ch, err := wire.New(conn)
	if err != nil {
		return nil, err
	}
	return &Session{pid: pid, conn: conn, ch: ch, onClose: onClose}, nil
}

// PID returns the backend process id this session is connected to.
func (s *Session) PID() int { return s.pid }

// SendHeaders sends the CGI header block (concatenated `name\0value\0`
// pairs) as a single scalar message. Must be the first call made on a
// Session.
func (s *Session) SendHeaders(payload []byte) error {
	s.mu.Lock()
	s.headersSent = true
	s.mu.Unlock()
	return s.ch.WriteScalar(payload)
}

// SendBodyBlock writes raw request-body bytes. Callable zero or more
// times after SendHeaders.
func (s *Session) SendBodyBlock(p []byte) (int, error) {
	return s.conn.Write(p)
}

// ShutdownWriter half-closes the write side, signalling end-of-body to
// the backend.
func (s *Session) ShutdownWriter() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// ShutdownReader half-closes the read side.
func (s *Session) ShutdownReader() error {
	if cr, ok := s.conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

// Stream returns the underlying connection so the caller can read the
// backend's HTTP response directly.
func (s *Session) Stream() net.Conn { return s.conn }

// SetReaderTimeout bounds subsequent reads from Stream().
func (s *Session) SetReaderTimeout(d time.Duration) error {
	if d <= 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(d))
}

// SetWriterTimeout bounds subsequent writes to Stream().
func (s *Session) SetWriterTimeout(d time.Duration) error {
	if d <= 0 {
		return s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.SetWriteDeadline(time.Now().Add(d))
}

// CloseStream closes the underlying connection. Idempotent.
func (s *Session) CloseStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.discarded {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// DiscardStream gives up ownership of the underlying connection: the
// caller now owns the fd and is responsible for closing it. Close will
// no longer touch it.
func (s *Session) DiscardStream() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
	return s.conn
}

// Close closes the stream (if still owned) and runs the close callback
// exactly once.
func (s *Session) Close() error {
	err := s.CloseStream()
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
