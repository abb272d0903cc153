package msgserver

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passenger-oss/appserver/internal/accounts"
	"github.com/passenger-oss/appserver/internal/wire"
)

type echoHandler struct {
	disconnected chan struct{}
}

func (h *echoHandler) NewClient(common *ClientContext) (interface{}, error) {
	return nil, nil
}

func (h *echoHandler) ProcessMessage(common *ClientContext, specific interface{}, args []string) (bool, error) {
	if args[0] != "echo" {
		return false, nil
	}
	_ = common.Channel.WriteArray(args...)
	return true, nil
}

func (h *echoHandler) ClientDisconnected(common *ClientContext, specific interface{}) {
	if h.disconnected != nil {
		close(h.disconnected)
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	db := accounts.NewDatabase()
	db.Add(accounts.NewAccount("tester", "pw", accounts.RightGet))

	srv, err := New(sockPath, db, nil)
	require.NoError(t, err)

	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, sockPath
}

func dialAndLogin(t *testing.T, sockPath, username, password string) *wire.Channel {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	require.NoError(t, err)
	ch, err := wire.New(conn)
	require.NoError(t, err)

	args, ok, err := ch.ReadArray()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"version", "1"}, args)

	require.NoError(t, ch.WriteScalar([]byte(username)))
	require.NoError(t, ch.WriteScalar([]byte(password)))
	return ch
}

func TestSuccessfulLoginAndDispatch(t *testing.T) {
	srv, sockPath := newTestServer(t)
	h := &echoHandler{disconnected: make(chan struct{})}
	srv.AddHandler(h)

	ch := dialAndLogin(t, sockPath, "tester", "pw")
	reply, ok, err := ch.ReadArray()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"ok"}, reply)

	require.NoError(t, ch.WriteArray("echo", "hi"))
	reply, ok, err = ch.ReadArray()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "hi"}, reply)

	ch.Close()
	select {
	case <-h.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("ClientDisconnected was not called")
	}
}

func TestWrongPasswordDisconnects(t *testing.T) {
	_, sockPath := newTestServer(t)

	ch := dialAndLogin(t, sockPath, "tester", "wrong")
	_, ok, err := ch.ReadArray()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestOversizedUsernameDisconnects(t *testing.T) {
	srv, sockPath := newTestServer(t)
	_ = srv

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	require.NoError(t, err)
	ch, err := wire.New(conn)
	require.NoError(t, err)

	_, ok, err := ch.ReadArray()
	require.NoError(t, err)
	require.True(t, ok)

	huge := make([]byte, MaxUsernameSize+1)
	require.NoError(t, ch.WriteScalar(huge))

	reply, ok, err := ch.ReadArray()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, reply[0], "too long")

	_, ok, err = ch.ReadArray()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestUnhandledMessageDisconnects(t *testing.T) {
	_, sockPath := newTestServer(t)
	ch := dialAndLogin(t, sockPath, "tester", "pw")

	_, ok, err := ch.ReadArray() // "ok"
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ch.WriteArray("unknown_command"))

	_, ok, err = ch.ReadArray()
	assert.NoError(t, err)
	assert.False(t, ok)
}
