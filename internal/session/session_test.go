package session

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socketpair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	require.NotNil(t, server)
	return client, server
}

// TestRoundTrip implements the session round-trip law: headers and a
// body block written to a Session are observed, byte for byte, by a
// peer reading the stream, and ShutdownWriter is visible as EOF.
func TestRoundTrip(t *testing.T) {
	clientConn, backendConn := socketpair(t)
	defer backendConn.Close()

	closed := make(chan struct{})
	sess, err := New(1234, clientConn, func() { close(closed) })
	require.NoError(t, err)

	headers := []byte("REQUEST_METHOD\x00GET\x00SCRIPT_NAME\x00/app\x00")
	require.NoError(t, sess.SendHeaders(headers))

	body := []byte("hello world")
	n, err := sess.SendBodyBlock(body)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)

	require.NoError(t, sess.ShutdownWriter())

	r := bufio.NewReader(backendConn)
	var lenPrefix [4]byte
	_, err = io.ReadFull(r, lenPrefix[:])
	require.NoError(t, err)
	payloadLen := int(lenPrefix[0])<<24 | int(lenPrefix[1])<<16 | int(lenPrefix[2])<<8 | int(lenPrefix[3])
	gotHeaders := make([]byte, payloadLen)
	_, err = io.ReadFull(r, gotHeaders)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(headers, gotHeaders))

	gotBody := make([]byte, len(body))
	_, err = io.ReadFull(r, gotBody)
	require.NoError(t, err)
	assert.Equal(t, body, gotBody)

	rest, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Empty(t, rest)

	require.NoError(t, sess.Close())
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback did not run")
	}

	// Idempotent: a second Close must not panic or re-run the callback.
	require.NoError(t, sess.Close())
}

func TestDiscardStreamPreventsClose(t *testing.T) {
	clientConn, backendConn := socketpair(t)
	defer backendConn.Close()

	ran := false
	sess, err := New(1, clientConn, func() { ran = true })
	require.NoError(t, err)

	conn := sess.DiscardStream()
	require.NotNil(t, conn)

	require.NoError(t, sess.Close())
	assert.True(t, ran, "close callback still runs even when the stream was discarded")

	// The discarded conn must still be usable by its new owner.
	_, err = conn.Write([]byte("x"))
	assert.NoError(t, err)
}
