// Package wire implements the framed, bidirectional message protocol
// used by every local-socket connection in the pool: the MessageServer
// login/RPC channel, the spawn-server control channel, and the
// one-fd-per-call descriptor passing that hands a session socket from
// the pool server to its client.
//
// Two message shapes travel over a Channel:
//
//   - array message:  u16be totalPayloadLen || (arg '\x00')*
//   - scalar message: u32be len || len bytes
//
// Both Read* functions return ok=false (and a nil error) on a clean
// EOF observed exactly at a frame boundary; any EOF inside a frame is
// reported as an *perrors.IOError.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/passenger-oss/appserver/internal/perrors"
)

const (
	// MaxArrayPayload bounds a single array message's total payload,
	// guarding against a malicious peer claiming an enormous frame.
	MaxArrayPayload = 1<<16 - 1 // u16 field can't express more anyway
	// MaxScalarPayload bounds a single scalar message's payload.
	MaxScalarPayload = 256 * 1024 * 1024
)

// Channel is a framed, full-duplex connection over one unix-domain
// socket file descriptor.
type Channel struct {
	conn net.Conn
	uc   *net.UnixConn // non-nil only when fd-passing is possible
	raw  syscallConn
}

type syscallConn interface {
	Control(f func(fd uintptr)) error
	Read(f func(fd uintptr) (done bool)) error
	Write(f func(fd uintptr) (done bool)) error
}

// New wraps an established connection. If conn is a *net.UnixConn the
// Channel also supports WriteFileDescriptor/ReadFileDescriptor.
func New(conn net.Conn) (*Channel, error) {
	ch := &Channel{conn: conn}
	if uc, ok := conn.(*net.UnixConn); ok {
		raw, err := uc.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("wire: obtaining raw conn: %w", err)
		}
		ch.uc = uc
		ch.raw = raw
	}
	return ch, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error { return c.conn.Close() }

// SetReadTimeout sets the deadline for the next read operations. Zero
// means unbounded.
func (c *Channel) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// SetWriteTimeout sets the deadline for the next write operations.
// Zero means unbounded.
func (c *Channel) SetWriteTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.SetWriteDeadline(time.Now().Add(d))
}

// WriteArray sends an array message: each element NUL-terminated, the
// whole payload framed by a u16be length. At least one element is
// required and no element may contain a NUL byte.
func (c *Channel) WriteArray(args ...string) error {
	if len(args) == 0 {
		return &perrors.IOError{Op: "wire.WriteArray", Err: fmt.Errorf("at least one argument required")}
	}
	var buf bytes.Buffer
	for _, a := range args {
		if bytes.IndexByte([]byte(a), 0) != -1 {
			return &perrors.IOError{Op: "wire.WriteArray", Err: fmt.Errorf("argument contains NUL byte")}
		}
		buf.WriteString(a)
		buf.WriteByte(0)
	}
	if buf.Len() > MaxArrayPayload {
		return &perrors.IOError{Op: "wire.WriteArray", Err: fmt.Errorf("payload too large: %d bytes", buf.Len())}
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(buf.Len()))
	if _, err := c.conn.Write(lenPrefix[:]); err != nil {
		return &perrors.IOError{Op: "wire.WriteArray", Err: err}
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return &perrors.IOError{Op: "wire.WriteArray", Err: err}
	}
	return nil
}

// ReadArray reads one array message. ok is false only on a clean EOF
// observed at the start of a frame.
func (c *Channel) ReadArray() (args []string, ok bool, err error) {
	var lenPrefix [2]byte
	n, err := io.ReadFull(c.conn, lenPrefix[:])
	if n == 0 && err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &perrors.IOError{Op: "wire.ReadArray: length prefix", Err: err}
	}

	payloadLen := binary.BigEndian.Uint16(lenPrefix[:])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, false, &perrors.IOError{Op: "wire.ReadArray: payload", Err: err}
		}
	}

	parts := bytes.Split(payload, []byte{0})
	// A well-formed payload ends with a NUL, so Split yields one
	// trailing empty element; drop it.
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return nil, false, &perrors.IOError{Op: "wire.ReadArray", Err: fmt.Errorf("empty array message")}
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out, true, nil
}

// WriteScalar sends a scalar message: arbitrary bytes framed by a
// u32be length.
func (c *Channel) WriteScalar(payload []byte) error {
	if len(payload) > MaxScalarPayload {
		return &perrors.IOError{Op: "wire.WriteScalar", Err: fmt.Errorf("payload too large: %d bytes", len(payload))}
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenPrefix[:]); err != nil {
		return &perrors.IOError{Op: "wire.WriteScalar", Err: err}
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return &perrors.IOError{Op: "wire.WriteScalar", Err: err}
		}
	}
	return nil
}

// ReadScalar reads one scalar message. ok is false only on a clean EOF
// observed at the start of a frame.
func (c *Channel) ReadScalar() (payload []byte, ok bool, err error) {
	var lenPrefix [4]byte
	n, err := io.ReadFull(c.conn, lenPrefix[:])
	if n == 0 && err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &perrors.IOError{Op: "wire.ReadScalar: length prefix", Err: err}
	}

	payloadLen := binary.BigEndian.Uint32(lenPrefix[:])
	if payloadLen > MaxScalarPayload {
		return nil, false, &perrors.IOError{Op: "wire.ReadScalar", Err: fmt.Errorf("payload too large: %d bytes", payloadLen)}
	}
	payload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, false, &perrors.IOError{Op: "wire.ReadScalar: payload", Err: err}
		}
	}
	return payload, true, nil
}

// WriteFileDescriptor sends exactly one fd as ancillary data, using a
// one-byte dummy payload in the iovec (Linux/Solaris require a
// non-empty iovec for sendmsg to carry SCM_RIGHTS).
func (c *Channel) WriteFileDescriptor(fd int) error {
	if c.raw == nil {
		return &perrors.IOError{Op: "wire.WriteFileDescriptor", Err: fmt.Errorf("channel does not support fd passing")}
	}
	rights := unix.UnixRights(fd)
	dummy := []byte{0}
	var sendErr error
	ctrlErr := c.raw.Write(func(sockFD uintptr) bool {
		sendErr = unix.Sendmsg(int(sockFD), dummy, rights, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return &perrors.IOError{Op: "wire.WriteFileDescriptor", Err: ctrlErr}
	}
	if sendErr != nil {
		return &perrors.IOError{Op: "wire.WriteFileDescriptor", Err: sendErr}
	}
	return nil
}

// ReadFileDescriptor receives exactly one fd. Receiving zero fds, more
// than one fd, or any other ancillary-data shape is an error.
func (c *Channel) ReadFileDescriptor() (int, error) {
	if c.raw == nil {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: fmt.Errorf("channel does not support fd passing")}
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn, recvFlags int
	var recvErr error
	ctrlErr := c.raw.Read(func(sockFD uintptr) bool {
		n, oobn, recvFlags, _, recvErr = unix.Recvmsg(int(sockFD), buf, oob, 0)
		return recvErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: ctrlErr}
	}
	if recvErr != nil {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: recvErr}
	}
	if n == 0 {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: io.EOF}
	}
	if recvFlags&unix.MSG_CTRUNC != 0 {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: fmt.Errorf("control message truncated")}
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: err}
	}
	if len(msgs) != 1 {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: fmt.Errorf("expected 1 control message, got %d", len(msgs))}
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: err}
	}
	if len(fds) != 1 {
		for _, extra := range fds {
			unix.Close(extra)
		}
		return -1, &perrors.IOError{Op: "wire.ReadFileDescriptor", Err: fmt.Errorf("expected 1 fd, got %d", len(fds))}
	}
	return fds[0], nil
}
