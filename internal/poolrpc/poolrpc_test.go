package poolrpc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passenger-oss/appserver/internal/accounts"
	"github.com/passenger-oss/appserver/internal/msgserver"
	"github.com/passenger-oss/appserver/internal/pool"
	"github.com/passenger-oss/appserver/internal/spawner"
)

// fakeSpawner satisfies the pool package's unexported spawnBackend
// interface structurally: it listens on a real unix socket per spawn
// so a ClientSession's passed fd is a genuinely live connection.
type fakeSpawner struct {
	mu      sync.Mutex
	dir     string
	nextPID int
}

func (f *fakeSpawner) Spawn(opts *spawner.Options) (*spawner.ApplicationInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextPID++
	pid := f.nextPID
	sockPath := filepath.Join(f.dir, fmt.Sprintf("app-%d.sock", pid))
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go discardConn(c)
		}
	}()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	r.Close()

	return spawner.NewApplicationInstance(opts.AppRoot, pid, sockPath, false, w), nil
}

func discardConn(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func (f *fakeSpawner) Reload(appRoot string) error { return nil }
func (f *fakeSpawner) Pid() int                    { return 7 }

type testServer struct {
	sockPath string
	srv      *msgserver.Server
	pool     *pool.Pool
}

func startTestServer(t *testing.T, rights accounts.Rights) *testServer {
	t.Helper()
	dir := t.TempDir()

	db := accounts.NewDatabase()
	db.Add(accounts.NewAccount("user", "pass", rights))

	log := logrus.NewEntry(logrus.StandardLogger())
	sockPath := filepath.Join(dir, "poolrpc.sock")
	srv, err := msgserver.New(sockPath, db, log)
	require.NoError(t, err)

	fs := &fakeSpawner{dir: t.TempDir()}
	p := pool.New(fs, pool.Config{Max: 4, MaxPerApp: 2, Log: log})
	srv.AddHandler(NewServer(p, log))

	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})

	return &testServer{sockPath: sockPath, srv: srv, pool: p}
}

func TestGetAndCloseRoundTrip(t *testing.T) {
	ts := startTestServer(t, accounts.RightsAll)

	client, err := Dial(ts.sockPath, "user", "pass")
	require.NoError(t, err)
	defer client.Close()

	appRoot := t.TempDir()
	sess, err := client.Get(appRoot, false, "", "test", spawner.SpawnMethodSmart)
	require.NoError(t, err)
	assert.NotZero(t, sess.PID())

	_, err = sess.Stream().Write([]byte("hello"))
	assert.NoError(t, err)

	require.NoError(t, sess.Close())

	active, err := client.GetActive()
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	count, err := client.GetCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAdminCommands(t *testing.T) {
	ts := startTestServer(t, accounts.RightsAll)

	client, err := Dial(ts.sockPath, "user", "pass")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetMax(10))
	require.NoError(t, client.SetMaxPerApp(3))
	require.NoError(t, client.SetMaxIdleTime(30*time.Second))

	pid, err := client.GetSpawnServerPid()
	require.NoError(t, err)
	assert.Equal(t, 7, pid)

	appRoot := t.TempDir()
	sess, err := client.Get(appRoot, false, "", "test", spawner.SpawnMethodSmart)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, client.Clear())
	count, err := client.GetCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetRequiresRights(t *testing.T) {
	ts := startTestServer(t, accounts.RightsNone)

	client, err := Dial(ts.sockPath, "user", "pass")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Get(t.TempDir(), false, "", "test", spawner.SpawnMethodSmart)
	assert.Error(t, err)
}

func TestLoginFailure(t *testing.T) {
	ts := startTestServer(t, accounts.RightsAll)

	_, err := Dial(ts.sockPath, "user", "wrong-password")
	assert.Error(t, err)
}
